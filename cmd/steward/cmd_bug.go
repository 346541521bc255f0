package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var bugCmd = &cobra.Command{
	Use:   "bug",
	Short: "Run the bug pipeline: reproduce, analyze, plan, fix, verify",
}

var bugReportCmd = &cobra.Command{
	Use:   "report <bug-id> <description>",
	Short: "Register a bug report",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		b, err := a.bugs.Report(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("bug %s registered in phase %s\n", b.BugID, b.Phase)
		return nil
	},
}

var bugRunCmd = &cobra.Command{
	Use:   "run <bug-id>",
	Short: "Advance the bug pipeline as far as it can go",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		b, err := a.bugs.Run(cmd.Context(), args[0])
		if b != nil {
			fmt.Printf("bug %s is %s (%.2f USD spent)\n", b.BugID, statusBadge(string(b.Phase)), b.CostUSD)
		}
		return err
	},
}

var bugApproveCmd = &cobra.Command{
	Use:   "approve <bug-id>",
	Short: "Approve or reject the fix plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reject, _ := cmd.Flags().GetBool("reject")
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		b, err := a.bugs.ApproveFixPlan(args[0], !reject)
		if err != nil {
			return err
		}
		fmt.Printf("bug %s is %s\n", b.BugID, statusBadge(string(b.Phase)))
		return nil
	},
}

var bugStatusCmd = &cobra.Command{
	Use:   "status [bug-id]",
	Short: "Show one bug or list all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 1 {
			b, err := a.store.LoadBug(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", headerStyle.Render(b.BugID), statusBadge(string(b.Phase)))
			fmt.Printf("%s %s\n", labelStyle.Render("description:"), b.Description)
			if b.RootCause != "" {
				fmt.Printf("%s %s\n", labelStyle.Render("root cause:"), b.RootCause)
			}
			for _, step := range b.FixPlan {
				fmt.Printf("%s %s\n", labelStyle.Render("fix plan:"), step)
			}
			fmt.Printf("%s %s\n", labelStyle.Render("cost:"), usd(b.CostUSD))
			return nil
		}
		bugs, err := a.store.ListBugs(nil)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(bugs))
		for _, b := range bugs {
			rows = append(rows, []string{b.BugID, statusBadge(string(b.Phase)), usd(b.CostUSD)})
		}
		fmt.Print(renderTable([]string{"BUG", "PHASE", "COST"}, rows))
		return nil
	},
}

func init() {
	bugApproveCmd.Flags().Bool("reject", false, "reject the fix plan")
	bugCmd.AddCommand(bugReportCmd, bugRunCmd, bugApproveCmd, bugStatusCmd)
}
