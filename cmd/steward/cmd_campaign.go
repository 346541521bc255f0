package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"steward/internal/state"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Plan and run multi-day campaigns",
}

var campaignPlanCmd = &cobra.Command{
	Use:   "plan <goal>",
	Short: "Backward-plan a campaign from its goal state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		total, _ := cmd.Flags().GetFloat64("budget")
		daily, _ := cmd.Flags().GetFloat64("daily-budget")

		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		c, err := a.campaigns.Plan(cmd.Context(), args[0], days, total, daily)
		if err != nil {
			return err
		}
		printCampaign(c)
		return nil
	},
}

var campaignRunCmd = &cobra.Command{
	Use:   "run <campaign-id>",
	Short: "Execute campaign days until done, failed, or paused",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		oneDay, _ := cmd.Flags().GetBool("day")
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		var c *state.Campaign
		if oneDay {
			c, err = a.campaigns.RunDay(cmd.Context(), args[0])
		} else {
			c, err = a.campaigns.Run(cmd.Context(), args[0])
		}
		if c != nil {
			printCampaign(c)
		}
		return err
	},
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign-id>",
	Short: "Reactivate a paused campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		c, err := a.campaigns.Resume(cmd.Context(), args[0])
		if c != nil {
			printCampaign(c)
		}
		return err
	},
}

var campaignStatusCmd = &cobra.Command{
	Use:   "status <campaign-id>",
	Short: "Show campaign progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := boot(cmd.Context())
		if err != nil {
			return err
		}
		c, err := a.campaigns.Status(args[0])
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("campaign %s not found", args[0])
		}
		printCampaign(c)
		return nil
	},
}

func printCampaign(c *state.Campaign) {
	fmt.Printf("%s %s\n", headerStyle.Render(c.CampaignID), statusBadge(string(c.State)))
	fmt.Printf("%s %s\n", labelStyle.Render("goal:"), c.Goal)
	fmt.Printf("%s day %d of %d, %d/%d milestones, %s of %s spent\n",
		labelStyle.Render("progress:"), c.CurrentDay, len(c.DayPlans),
		c.MilestonesDone(), len(c.Milestones), usd(c.SpentUSD), usd(c.TotalBudgetUSD))
	if c.ReplanCount > 0 {
		fmt.Printf("%s %d (%s)\n", labelStyle.Render("replans:"), c.ReplanCount, c.LastRevision)
	}
	rows := make([][]string, 0, len(c.Milestones))
	for i := range c.Milestones {
		m := &c.Milestones[i]
		done := "pending"
		if m.Done {
			done = "done"
		}
		rows = append(rows, []string{m.ID, m.Name, fmt.Sprintf("day %d", m.TargetDay), statusBadge(done)})
	}
	fmt.Print(renderTable([]string{"MILESTONE", "NAME", "TARGET", "STATUS"}, rows))
}

func init() {
	campaignPlanCmd.Flags().Int("days", 5, "campaign duration in days")
	campaignPlanCmd.Flags().Float64("budget", 100, "total budget in USD")
	campaignPlanCmd.Flags().Float64("daily-budget", 25, "per-day budget cap in USD")
	campaignRunCmd.Flags().Bool("day", false, "run a single day instead of the whole campaign")
	campaignCmd.AddCommand(campaignPlanCmd, campaignRunCmd, campaignResumeCmd, campaignStatusCmd)
}
