// Package campaign plans multi-day efforts by backward planning from a
// goal state and executes them day by day through the autopilot runner,
// replanning when progress falls behind the calendar.
package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"steward/internal/agent"
	"steward/internal/autopilot"
	"steward/internal/checkpoint"
	"steward/internal/config"
	"steward/internal/contract"
	"steward/internal/logging"
	"steward/internal/state"
)

// defaultReplanningThreshold is the progress deficit that triggers a
// replan.
const defaultReplanningThreshold = 0.30

// Executor plans and runs campaigns.
type Executor struct {
	store       *state.Store
	invoker     agent.Invoker
	contracts   *contract.Registry
	runner      *autopilot.Runner
	checkpoints *checkpoint.Manager
	cfg         config.KernelConfig
}

// New builds a campaign executor.
func New(store *state.Store, invoker agent.Invoker, contracts *contract.Registry, runner *autopilot.Runner, checkpoints *checkpoint.Manager, cfg config.KernelConfig) *Executor {
	return &Executor{
		store:       store,
		invoker:     invoker,
		contracts:   contracts,
		runner:      runner,
		checkpoints: checkpoints,
		cfg:         cfg,
	}
}

// Plan backward-plans a campaign: end state, milestones, dependency
// sequencing, day decomposition. The campaign is persisted in planning
// and moved to active.
func (e *Executor) Plan(ctx context.Context, goal string, days int, totalBudget, dailyBudget float64) (*state.Campaign, error) {
	timer := logging.StartTimer(logging.CategoryCampaign, "campaign.Plan")
	defer timer.Stop()

	if days < 1 {
		return nil, fmt.Errorf("campaign needs at least one day")
	}
	in := agent.Input{
		"goal":             goal,
		"duration_days":    days,
		"total_budget_usd": totalBudget,
	}
	if e.contracts != nil {
		if err := e.contracts.ValidateInput(agent.RolePlanner, in); err != nil {
			return nil, err
		}
	}
	res, err := e.invoker.Invoke(ctx, agent.RolePlanner, in)
	if err != nil {
		return nil, agent.WrapError(agent.Classify(err), agent.RolePlanner, "campaign planning failed", err)
	}
	if e.contracts != nil {
		if err := e.contracts.ValidateOutput(agent.RolePlanner, res.Output); err != nil {
			return nil, err
		}
	}

	c := &state.Campaign{
		CampaignID:           uuid.NewString(),
		Goal:                 goal,
		Milestones:           milestonesFrom(res.Output.Maps("milestones")),
		DayPlans:             dayPlansFrom(res.Output.Maps("day_plans")),
		State:                state.CampaignPlanning,
		CurrentDay:           1,
		TotalBudgetUSD:       totalBudget,
		DailyBudgetUSD:       dailyBudget,
		OriginalDurationDays: days,
		ReplanningThreshold:  defaultReplanningThreshold,
		CreatedAt:            time.Now().UTC(),
	}
	if len(c.Milestones) == 0 || len(c.DayPlans) == 0 {
		return nil, agent.NewError(agent.KindSystematic, agent.RolePlanner,
			"planner returned %d milestones and %d day plans", len(c.Milestones), len(c.DayPlans))
	}
	c.State = state.CampaignActive
	if err := e.store.SaveCampaign(c); err != nil {
		return nil, err
	}
	logging.Campaign("planned %s: %d milestones over %d days, %.2f USD", c.CampaignID, len(c.Milestones), days, totalBudget)
	return c, nil
}

// Run executes days until the campaign completes, fails, or pauses on a
// milestone-boundary checkpoint.
func (e *Executor) Run(ctx context.Context, campaignID string) (*state.Campaign, error) {
	for {
		c, err := e.RunDay(ctx, campaignID)
		if err != nil {
			return c, err
		}
		if c.State != state.CampaignActive {
			return c, nil
		}
	}
}

// RunDay executes one campaign day: milestone-boundary checkpoint,
// autopilot over the day's goals under the day budget, milestone
// bookkeeping, deficit check, and day advance.
func (e *Executor) RunDay(ctx context.Context, campaignID string) (*state.Campaign, error) {
	c, err := e.store.LoadCampaign(campaignID)
	if err != nil {
		return nil, err
	}
	if c.State != state.CampaignActive {
		return c, fmt.Errorf("campaign %s is not active (state %s)", campaignID, c.State)
	}

	plan := c.DayPlan(c.CurrentDay)
	if plan == nil {
		return e.finish(c)
	}

	if plan.MilestoneID != "" {
		cp, err := e.checkpoints.Create(ctx, checkpoint.CreateRequest{
			Triggers: []state.Trigger{state.TriggerScopeChange},
			EntityID: c.CampaignID,
			Context: fmt.Sprintf("Campaign %s day %d starts milestone %s. %d of %d milestones done, %.2f of %.2f USD spent.",
				c.CampaignID, c.CurrentDay, plan.MilestoneID, c.MilestonesDone(), len(c.Milestones), c.SpentUSD, c.TotalBudgetUSD),
			Question: fmt.Sprintf("Milestone boundary %q reached. Continue with the planned scope?", plan.MilestoneID),
		})
		if err != nil {
			return c, err
		}
		resolved, err := e.checkpoints.WaitForResolution(ctx, cp.CheckpointID, 0)
		if err != nil {
			c.State = state.CampaignPaused
			if serr := e.store.SaveCampaign(c); serr != nil {
				logging.Campaign("%s: failed to persist paused state: %v", c.CampaignID, serr)
			}
			return c, err
		}
		if resolved.Status == state.CheckpointRejected {
			c.State = state.CampaignFailed
			return c, e.store.SaveCampaign(c)
		}
	}

	dayBudget := c.DayBudget()
	if dayBudget <= 0 {
		logging.Campaign("%s: budget exhausted on day %d", c.CampaignID, c.CurrentDay)
		return e.finish(c)
	}

	sess, err := e.runner.Start(ctx, append([]state.Goal(nil), plan.Goals...), autopilot.StartOptions{
		BudgetUSD: dayBudget,
	})
	if sess != nil {
		c.SpentUSD += sess.CostSpentUSD
	}
	if err != nil {
		if serr := e.store.SaveCampaign(c); serr != nil {
			logging.Campaign("%s: failed to persist cost: %v", c.CampaignID, serr)
		}
		return c, err
	}
	if sess.Status == state.AutopilotPaused {
		// The day is unfinished; park the campaign on the paused session
		// so Resume can pick it back up.
		c.State = state.CampaignPaused
		c.PausedSessionID = sess.SessionID
		if serr := e.store.SaveCampaign(c); serr != nil {
			return c, serr
		}
		logging.Campaign("%s: day %d paused on session %s", c.CampaignID, c.CurrentDay, sess.SessionID)
		return c, nil
	}
	return e.settleDay(ctx, c, plan, sess)
}

// settleDay records the finished day's outcome and advances the
// campaign: milestone bookkeeping, deficit check, day advance.
func (e *Executor) settleDay(ctx context.Context, c *state.Campaign, plan *state.DayPlan, sess *state.AutopilotSession) (*state.Campaign, error) {
	plan.Executed = true
	plan.Succeeded = sess.Status == state.AutopilotCompleted && goalsCompleted(sess)
	e.markMilestones(c)
	if err := e.store.SaveCampaign(c); err != nil {
		return c, err
	}

	if deficit := e.Deficit(c); deficit > c.ReplanningThreshold {
		if rerr := e.replan(ctx, c, deficit); rerr != nil {
			logging.Campaign("%s: replan failed: %v", c.CampaignID, rerr)
		}
	}

	c.CurrentDay++
	if c.CurrentDay > len(c.DayPlans) {
		return e.finish(c)
	}
	if err := e.store.SaveCampaign(c); err != nil {
		return c, err
	}
	return c, nil
}

// goalsCompleted reports whether every goal of the session completed.
func goalsCompleted(sess *state.AutopilotSession) bool {
	for i := range sess.Goals {
		if sess.Goals[i].Status != state.GoalCompleted {
			return false
		}
	}
	return true
}

// Resume reactivates a paused campaign. When the campaign paused on an
// autopilot session, that session is resumed first and the interrupted
// day is settled before the campaign moves on.
func (e *Executor) Resume(ctx context.Context, campaignID string) (*state.Campaign, error) {
	c, err := e.store.LoadCampaign(campaignID)
	if err != nil {
		return nil, err
	}
	if c.State != state.CampaignPaused {
		return c, fmt.Errorf("campaign %s is not paused (state %s)", campaignID, c.State)
	}

	if c.PausedSessionID != "" {
		prev, err := e.store.LoadAutopilot(c.PausedSessionID)
		if err != nil {
			return c, err
		}
		sess := prev
		if prev.Status == state.AutopilotPaused {
			// A pending checkpoint keeps the campaign paused.
			sess, err = e.runner.Resume(ctx, c.PausedSessionID)
			if err != nil {
				return c, err
			}
			// Start already charged the cost up to the pause.
			c.SpentUSD += sess.CostSpentUSD - prev.CostSpentUSD
		}
		c.State = state.CampaignActive
		c.PausedSessionID = ""
		if sess.Status == state.AutopilotPaused {
			c.State = state.CampaignPaused
			c.PausedSessionID = sess.SessionID
			if serr := e.store.SaveCampaign(c); serr != nil {
				return c, serr
			}
			return c, nil
		}
		plan := c.DayPlan(c.CurrentDay)
		if plan == nil {
			return e.finish(c)
		}
		logging.Campaign("%s: resumed session %s, settling day %d", c.CampaignID, sess.SessionID, c.CurrentDay)
		return e.settleDay(ctx, c, plan, sess)
	}

	c.State = state.CampaignActive
	if err := e.store.SaveCampaign(c); err != nil {
		return c, err
	}
	logging.Campaign("%s: resumed at day %d", c.CampaignID, c.CurrentDay)
	return c, nil
}

// Status loads a campaign for inspection.
func (e *Executor) Status(campaignID string) (*state.Campaign, error) {
	return e.store.LoadCampaign(campaignID)
}

// Deficit measures progress shortfall against the calendar: elapsed
// fraction of the original duration minus the fraction of milestones
// done.
func (e *Executor) Deficit(c *state.Campaign) float64 {
	if c.OriginalDurationDays == 0 || len(c.Milestones) == 0 {
		return 0
	}
	elapsed := float64(c.CurrentDay) / float64(c.OriginalDurationDays)
	progress := float64(c.MilestonesDone()) / float64(len(c.Milestones))
	d := elapsed - progress
	if d < 0 {
		return 0
	}
	return d
}

// replan regenerates the remaining day plans.
func (e *Executor) replan(ctx context.Context, c *state.Campaign, deficit float64) error {
	remaining := len(c.DayPlans) - c.CurrentDay
	if remaining < 1 {
		return nil
	}
	in := agent.Input{
		"campaign":       campaignMap(c),
		"deficit":        deficit,
		"remaining_days": remaining,
	}
	if e.contracts != nil {
		if err := e.contracts.ValidateInput(agent.RoleReplanner, in); err != nil {
			return err
		}
	}
	res, err := e.invoker.Invoke(ctx, agent.RoleReplanner, in)
	if err != nil {
		return agent.WrapError(agent.Classify(err), agent.RoleReplanner, "replanning failed", err)
	}
	if e.contracts != nil {
		if err := e.contracts.ValidateOutput(agent.RoleReplanner, res.Output); err != nil {
			return err
		}
	}

	newPlans := dayPlansFrom(res.Output.Maps("day_plans"))
	if len(newPlans) == 0 {
		return agent.NewError(agent.KindSystematic, agent.RoleReplanner, "replanner returned no day plans")
	}
	// Keep executed days, replace the tail.
	kept := c.DayPlans[:c.CurrentDay]
	for i := range newPlans {
		newPlans[i].Day = c.CurrentDay + 1 + i
	}
	c.DayPlans = append(kept, newPlans...)
	c.ReplanCount++
	c.LastRevision = res.Output.Str("change_summary")
	if err := e.store.SaveCampaign(c); err != nil {
		return err
	}
	e.store.AppendEvent(c.CampaignID, "campaign", state.EventReplan, map[string]interface{}{
		"deficit":      deficit,
		"replan_count": c.ReplanCount,
		"summary":      c.LastRevision,
	})
	logging.Campaign("%s: replanned %d remaining days (deficit %.2f)", c.CampaignID, len(newPlans), deficit)
	return nil
}

// finish marks the campaign COMPLETED when all milestones are done,
// FAILED otherwise.
func (e *Executor) finish(c *state.Campaign) (*state.Campaign, error) {
	if c.MilestonesDone() == len(c.Milestones) && len(c.Milestones) > 0 {
		c.State = state.CampaignCompleted
	} else {
		c.State = state.CampaignFailed
	}
	logging.Campaign("%s: finished %s (%d/%d milestones, %.2f USD)", c.CampaignID, c.State, c.MilestonesDone(), len(c.Milestones), c.SpentUSD)
	return c, e.store.SaveCampaign(c)
}

// markMilestones marks a milestone done once every day plan that serves
// it has executed with all of its goals completed.
func (e *Executor) markMilestones(c *state.Campaign) {
	for i := range c.Milestones {
		m := &c.Milestones[i]
		if m.Done {
			continue
		}
		served := false
		allDone := true
		for j := range c.DayPlans {
			if c.DayPlans[j].MilestoneID != m.ID {
				continue
			}
			served = true
			if !c.DayPlans[j].Executed || !c.DayPlans[j].Succeeded {
				allDone = false
				break
			}
		}
		if served && allDone {
			m.Done = true
			e.store.AppendEvent(c.CampaignID, "campaign", state.EventMilestoneDone, map[string]interface{}{
				"milestone": m.ID,
				"day":       c.CurrentDay,
			})
			logging.Campaign("%s: milestone %s done", c.CampaignID, m.ID)
		}
	}
}

func milestonesFrom(raw []map[string]interface{}) []state.Milestone {
	out := make([]state.Milestone, 0, len(raw))
	for i, m := range raw {
		ms := state.Milestone{
			ID:        stringOr(m["id"], fmt.Sprintf("m%d", i+1)),
			Name:      stringOr(m["name"], ""),
			TargetDay: intVal(m["target_day"]),
		}
		for _, c := range anySlice(m["success_criteria"]) {
			if s, ok := c.(string); ok {
				ms.SuccessCriteria = append(ms.SuccessCriteria, s)
			}
		}
		for _, d := range anySlice(m["depends_on"]) {
			if s, ok := d.(string); ok {
				ms.DependsOn = append(ms.DependsOn, s)
			}
		}
		out = append(out, ms)
	}
	return out
}

func dayPlansFrom(raw []map[string]interface{}) []state.DayPlan {
	out := make([]state.DayPlan, 0, len(raw))
	for i, p := range raw {
		dp := state.DayPlan{
			Day:         intVal(p["day"]),
			MilestoneID: stringOr(p["milestone_id"], ""),
		}
		if dp.Day == 0 {
			dp.Day = i + 1
		}
		for _, g := range anySlice(p["goals"]) {
			gm, ok := g.(map[string]interface{})
			if !ok {
				continue
			}
			dp.Goals = append(dp.Goals, state.Goal{
				ID:               stringOr(gm["id"], ""),
				Description:      stringOr(gm["description"], ""),
				LinkedFeatureID:  stringOr(gm["linked_feature_id"], ""),
				LinkedIssue:      intVal(gm["linked_issue"]),
				LinkedBugID:      stringOr(gm["linked_bug_id"], ""),
				SpecPipeline:     boolVal(gm["spec_pipeline"]),
				EstimatedCostUSD: floatVal(gm["estimated_cost_usd"]),
			})
		}
		out = append(out, dp)
	}
	return out
}

func campaignMap(c *state.Campaign) map[string]interface{} {
	plans := make([]map[string]interface{}, 0, len(c.DayPlans))
	for i := range c.DayPlans {
		plans = append(plans, map[string]interface{}{
			"day":          c.DayPlans[i].Day,
			"milestone_id": c.DayPlans[i].MilestoneID,
			"executed":     c.DayPlans[i].Executed,
		})
	}
	return map[string]interface{}{
		"campaign_id":     c.CampaignID,
		"goal":            c.Goal,
		"current_day":     c.CurrentDay,
		"milestones_done": c.MilestonesDone(),
		"milestone_count": len(c.Milestones),
		"spent_usd":       c.SpentUSD,
		"total_budget":    c.TotalBudgetUSD,
		"day_plans":       plans,
	}
}

func stringOr(v interface{}, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func intVal(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func floatVal(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

func boolVal(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func anySlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}
