package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect and resolve pending checkpoints",
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending checkpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		pending, err := a.checkpoints.ListPending()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("no pending checkpoints")
			return nil
		}
		rows := make([][]string, 0, len(pending))
		for _, cp := range pending {
			rows = append(rows, []string{
				cp.CheckpointID,
				string(cp.Trigger),
				cp.Question,
				cp.CreatedAt.Format("2006-01-02 15:04"),
			})
		}
		fmt.Print(renderTable([]string{"ID", "TRIGGER", "QUESTION", "CREATED"}, rows))
		return nil
	},
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <checkpoint-id>",
	Short: "Show one checkpoint with options and risk breakdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		cp, err := a.checkpoints.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s %s %s\n", headerStyle.Render(cp.CheckpointID), string(cp.Trigger), statusBadge(string(cp.Status)))
		fmt.Printf("%s %s\n", labelStyle.Render("context:"), cp.Context)
		fmt.Printf("%s %s\n", labelStyle.Render("question:"), cp.Question)
		if cp.RiskAssessment != nil {
			fmt.Printf("%s %.2f (%s)\n", labelStyle.Render("risk:"), cp.RiskAssessment.Score, cp.RiskAssessment.Recommendation)
			for factor, v := range cp.RiskAssessment.Factors {
				fmt.Printf("  %s %.2f\n", labelStyle.Render(factor+":"), v)
			}
		}
		for _, sd := range cp.SimilarDecisions {
			verdict := "rejected"
			if sd.Approved {
				verdict = "approved"
			}
			fmt.Printf("%s %s (%s, %s)\n", labelStyle.Render("precedent:"), sd.Summary, verdict, sd.DecidedAt.Format("2006-01-02"))
		}
		for _, opt := range cp.Options {
			marker := " "
			if opt.IsRecommended {
				marker = okStyle.Render("*")
			}
			fmt.Printf("%s %s: %s\n", marker, headerStyle.Render(opt.ID), opt.Description)
		}
		if cp.ResolvedOption != "" {
			fmt.Printf("%s %s (%s)\n", labelStyle.Render("resolved:"), cp.ResolvedOption, cp.ResolutionNotes)
		}
		return nil
	},
}

var checkpointResolveCmd = &cobra.Command{
	Use:   "resolve <checkpoint-id> <option-id>",
	Short: "Resolve a pending checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("notes")
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		cp, err := a.checkpoints.Resolve(args[0], args[1], notes)
		if err != nil {
			return err
		}
		fmt.Printf("checkpoint %s %s with option %s\n", cp.CheckpointID, statusBadge(string(cp.Status)), cp.ResolvedOption)
		return nil
	},
}

func init() {
	checkpointResolveCmd.Flags().String("notes", "", "resolution notes passed back to the agent")
	checkpointCmd.AddCommand(checkpointListCmd, checkpointShowCmd, checkpointResolveCmd)
}
