package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Manage session locks",
}

var locksCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stale session locks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		ttl := time.Duration(a.cfg.Kernel.LockTTLSeconds) * time.Second
		removed, err := a.store.CleanupLocks(ttl)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d stale lock(s)\n", removed)
		return nil
	},
}

func init() {
	locksCmd.AddCommand(locksCleanupCmd)
}
