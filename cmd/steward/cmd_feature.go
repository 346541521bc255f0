package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"steward/internal/state"
)

var featureCmd = &cobra.Command{
	Use:   "feature",
	Short: "Run the feature pipeline: PRD, spec, issues, implementation",
}

var featureCreateCmd = &cobra.Command{
	Use:   "create <feature-id> <prd-file>",
	Short: "Register a feature from a PRD file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		prd, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		f, err := a.features.CreateFeature(args[0], string(prd))
		if err != nil {
			return err
		}
		fmt.Printf("feature %s created in phase %s\n", f.FeatureID, f.Phase)
		return nil
	},
}

var featureSpecCmd = &cobra.Command{
	Use:   "spec <feature-id>",
	Short: "Author and critique the spec, then request approval",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		f, err := a.features.RunSpecPipeline(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("feature %s is now %s (%.2f USD spent)\n", f.FeatureID, statusBadge(string(f.Phase)), f.TotalCostUSD)
		if f.Phase == state.PhaseSpecNeedsApproval {
			fmt.Println("approve with: steward feature approve " + f.FeatureID)
		}
		return nil
	},
}

var featureApproveCmd = &cobra.Command{
	Use:   "approve <feature-id>",
	Short: "Approve or reject the authored spec",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reject, _ := cmd.Flags().GetBool("reject")
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		f, err := a.features.ApplySpecApproval(args[0], !reject)
		if err != nil {
			return err
		}
		fmt.Printf("feature %s is now %s\n", f.FeatureID, statusBadge(string(f.Phase)))
		return nil
	},
}

var featureIssuesCmd = &cobra.Command{
	Use:   "issues <feature-id>",
	Short: "Decompose the approved spec into issues",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		f, err := a.features.CreateIssues(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("feature %s: %d issues created\n", f.FeatureID, len(f.Tasks))
		return nil
	},
}

var featureGreenlightCmd = &cobra.Command{
	Use:   "greenlight <feature-id>",
	Short: "Mark the feature ready for implementation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		f, err := a.features.Greenlight(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("feature %s is %s\n", f.FeatureID, statusBadge(string(f.Phase)))
		return nil
	},
}

var featureImplementCmd = &cobra.Command{
	Use:   "implement <feature-id>",
	Short: "Run implementation cycles until done or blocked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		f, err := a.features.Implement(cmd.Context(), args[0])
		if f != nil {
			fmt.Printf("feature %s is %s (%.2f USD total)\n", f.FeatureID, statusBadge(string(f.Phase)), f.TotalCostUSD)
		}
		return err
	},
}

var featureStatusCmd = &cobra.Command{
	Use:   "status [feature-id]",
	Short: "Show one feature or list all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 1 {
			f, err := a.store.LoadFeature(args[0])
			if err != nil {
				return err
			}
			printFeature(f)
			return nil
		}
		features, err := a.store.ListFeatures(nil)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(features))
		for _, f := range features {
			rows = append(rows, []string{f.FeatureID, statusBadge(string(f.Phase)), fmt.Sprintf("%d", len(f.Tasks)), usd(f.TotalCostUSD)})
		}
		fmt.Print(renderTable([]string{"FEATURE", "PHASE", "ISSUES", "COST"}, rows))
		return nil
	},
}

func printFeature(f *state.Feature) {
	fmt.Printf("%s %s\n", headerStyle.Render(f.FeatureID), statusBadge(string(f.Phase)))
	fmt.Printf("%s %s\n", labelStyle.Render("cost:"), usd(f.TotalCostUSD))
	if len(f.Tasks) == 0 {
		return
	}
	rows := make([][]string, 0, len(f.Tasks))
	for i := range f.Tasks {
		t := &f.Tasks[i]
		rows = append(rows, []string{
			fmt.Sprintf("#%d", t.IssueNumber),
			t.Title,
			statusBadge(string(t.Stage)),
			fmt.Sprintf("%v", t.Dependencies),
		})
	}
	fmt.Print(renderTable([]string{"ISSUE", "TITLE", "STAGE", "DEPS"}, rows))
}

func init() {
	featureApproveCmd.Flags().Bool("reject", false, "reject the spec instead of approving")
	featureCmd.AddCommand(featureCreateCmd, featureSpecCmd, featureApproveCmd,
		featureIssuesCmd, featureGreenlightCmd, featureImplementCmd, featureStatusCmd)
}
