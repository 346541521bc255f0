package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"steward/internal/autopilot"
	"steward/internal/state"
)

var autopilotCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Run goal lists unattended with checkpoint pauses",
}

// goalFile is the YAML shape of a goals file.
type goalFile struct {
	Goals []struct {
		ID               string   `yaml:"id"`
		Description      string   `yaml:"description"`
		Feature          string   `yaml:"feature"`
		Issue            int      `yaml:"issue"`
		Bug              string   `yaml:"bug"`
		SpecPipeline     bool     `yaml:"spec_pipeline"`
		EstimatedCostUSD float64  `yaml:"estimated_cost_usd"`
		DependsOn        []string `yaml:"depends_on"`
	} `yaml:"goals"`
}

func loadGoals(path string) ([]state.Goal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var gf goalFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return nil, fmt.Errorf("failed to parse goals file %s: %w", path, err)
	}
	goals := make([]state.Goal, 0, len(gf.Goals))
	for _, g := range gf.Goals {
		goals = append(goals, state.Goal{
			ID:               g.ID,
			Description:      g.Description,
			LinkedFeatureID:  g.Feature,
			LinkedIssue:      g.Issue,
			LinkedBugID:      g.Bug,
			SpecPipeline:     g.SpecPipeline,
			EstimatedCostUSD: g.EstimatedCostUSD,
			DependsOn:        g.DependsOn,
		})
	}
	return goals, nil
}

var autopilotStartCmd = &cobra.Command{
	Use:   "start <goals-file>",
	Short: "Start a session over a YAML goal list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		budget, _ := cmd.Flags().GetFloat64("budget")
		duration, _ := cmd.Flags().GetInt("duration")
		stopTrigger, _ := cmd.Flags().GetString("stop-trigger")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		goals, err := loadGoals(args[0])
		if err != nil {
			return err
		}
		sess, err := a.runner.Start(cmd.Context(), goals, autopilot.StartOptions{
			BudgetUSD:            budget,
			DurationLimitSeconds: duration,
			StopTrigger:          state.Trigger(stopTrigger),
			DryRun:               dryRun,
		})
		if sess != nil {
			printSession(sess)
		}
		return err
	},
}

var autopilotResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused session after its checkpoint is resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		sess, err := a.runner.Resume(cmd.Context(), args[0])
		if sess != nil {
			printSession(sess)
		}
		return err
	},
}

var autopilotCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Abort a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		if err := a.runner.Cancel(args[0]); err != nil {
			return err
		}
		fmt.Printf("session %s cancelled\n", args[0])
		return nil
	},
}

var autopilotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List paused sessions awaiting resolution",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		paused, err := a.runner.ListPaused()
		if err != nil {
			return err
		}
		if len(paused) == 0 {
			fmt.Println("no paused sessions")
			return nil
		}
		rows := make([][]string, 0, len(paused))
		for _, sess := range paused {
			current := ""
			if sess.CurrentGoalIndex < len(sess.Goals) {
				current = autopilot.DescribeGoal(&sess.Goals[sess.CurrentGoalIndex])
			}
			rows = append(rows, []string{
				sess.SessionID,
				fmt.Sprintf("%d/%d", sess.CurrentGoalIndex, len(sess.Goals)),
				current,
				usd(sess.CostSpentUSD),
			})
		}
		fmt.Print(renderTable([]string{"SESSION", "GOAL", "PAUSED AT", "SPENT"}, rows))
		return nil
	},
}

func printSession(sess *state.AutopilotSession) {
	fmt.Printf("%s %s\n", headerStyle.Render(sess.SessionID), statusBadge(string(sess.Status)))
	rows := make([][]string, 0, len(sess.Goals))
	for i := range sess.Goals {
		g := &sess.Goals[i]
		rows = append(rows, []string{g.ID, autopilot.DescribeGoal(g), statusBadge(string(g.Status))})
	}
	fmt.Print(renderTable([]string{"GOAL", "TARGET", "STATUS"}, rows))
	fmt.Printf("%s %s of %s\n", labelStyle.Render("spent:"), usd(sess.CostSpentUSD), usd(sess.BudgetUSD))
	for _, id := range sess.Checkpoints {
		fmt.Printf("%s %s\n", labelStyle.Render("checkpoint:"), id)
	}
}

func init() {
	autopilotStartCmd.Flags().Float64("budget", 0, "session budget in USD")
	autopilotStartCmd.Flags().Int("duration", 0, "session duration limit in seconds")
	autopilotStartCmd.Flags().String("stop-trigger", "", "stop cleanly when this trigger fires")
	autopilotStartCmd.Flags().Bool("dry-run", false, "walk the goals without dispatching agents")
	autopilotCmd.AddCommand(autopilotStartCmd, autopilotResumeCmd, autopilotCancelCmd, autopilotListCmd)
}
