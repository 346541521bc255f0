// Package state owns every persisted entity: features, bugs, sessions,
// checkpoints, campaigns, and autopilot sessions. All other components hold
// values by copy and write back through the Store. Task parent/child links
// are stored by issue number, never by pointer; the store is the single
// resolver.
package state

import (
	"fmt"
	"time"
)

// FeaturePhase is a node in the feature state machine.
type FeaturePhase string

const (
	PhasePRDReady         FeaturePhase = "PRD_READY"
	PhaseSpecInProgress   FeaturePhase = "SPEC_IN_PROGRESS"
	PhaseSpecNeedsApproval FeaturePhase = "SPEC_NEEDS_APPROVAL"
	PhaseSpecApproved     FeaturePhase = "SPEC_APPROVED"
	PhaseIssuesCreated    FeaturePhase = "ISSUES_CREATED"
	PhaseGreenlit         FeaturePhase = "GREENLIT"
	PhaseImplementing     FeaturePhase = "IMPLEMENTING"
	PhaseComplete         FeaturePhase = "COMPLETE"
	PhaseFailed           FeaturePhase = "FAILED"
	PhaseBlocked          FeaturePhase = "BLOCKED"
)

// featureDAG maps each phase to its legal successors. FAILED is terminal;
// BLOCKED is recoverable on operator action back to its origin phase.
var featureDAG = map[FeaturePhase][]FeaturePhase{
	PhasePRDReady:          {PhaseSpecInProgress, PhaseFailed, PhaseBlocked},
	PhaseSpecInProgress:    {PhaseSpecNeedsApproval, PhaseFailed, PhaseBlocked},
	PhaseSpecNeedsApproval: {PhaseSpecApproved, PhaseFailed, PhaseBlocked},
	PhaseSpecApproved:      {PhaseIssuesCreated, PhaseFailed, PhaseBlocked},
	PhaseIssuesCreated:     {PhaseGreenlit, PhaseFailed, PhaseBlocked},
	PhaseGreenlit:          {PhaseImplementing, PhaseFailed, PhaseBlocked},
	PhaseImplementing:      {PhaseComplete, PhaseFailed, PhaseBlocked},
	PhaseComplete:          {},
	PhaseFailed:            {},
	PhaseBlocked:           {PhasePRDReady, PhaseSpecInProgress, PhaseSpecNeedsApproval, PhaseSpecApproved, PhaseIssuesCreated, PhaseGreenlit, PhaseImplementing},
}

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to FeaturePhase) bool {
	for _, next := range featureDAG[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskStage is the lifecycle stage of an issue within a feature.
type TaskStage string

const (
	StageBacklog    TaskStage = "BACKLOG"
	StageReady      TaskStage = "READY"
	StageInProgress TaskStage = "IN_PROGRESS"
	StageDone       TaskStage = "DONE"
	StageBlocked    TaskStage = "BLOCKED"
	StageSkipped    TaskStage = "SKIPPED"
	StageSplit      TaskStage = "SPLIT"
)

// EstimatedSize buckets an issue by expected effort.
type EstimatedSize string

const (
	SizeSmall  EstimatedSize = "small"
	SizeMedium EstimatedSize = "medium"
	SizeLarge  EstimatedSize = "large"
)

// Task is an issue within a feature. Parent/child links are issue numbers.
type Task struct {
	IssueNumber   int           `json:"issue_number"`
	Stage         TaskStage     `json:"stage"`
	Title         string        `json:"title"`
	Body          string        `json:"body"`
	Labels        []string      `json:"labels,omitempty"`
	Dependencies  []int         `json:"dependencies,omitempty"`
	EstimatedSize EstimatedSize `json:"estimated_size,omitempty"`
	ParentIssue   int           `json:"parent_issue,omitempty"`
	ChildIssues   []int         `json:"child_issues,omitempty"`
}

// Feature is a unit of work with a full pipeline from requirement to
// implementation.
type Feature struct {
	FeatureID    string       `json:"feature_id"`
	PRD          string       `json:"prd,omitempty"`
	Spec         string       `json:"spec,omitempty"`
	Phase        FeaturePhase `json:"phase"`
	Tasks        []Task       `json:"tasks,omitempty"`
	NextIssue    int          `json:"next_issue"` // next issue number to allocate
	TotalCostUSD float64      `json:"total_cost_usd"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Task returns a pointer to the task with the given issue number, or nil.
func (f *Feature) Task(issue int) *Task {
	for i := range f.Tasks {
		if f.Tasks[i].IssueNumber == issue {
			return &f.Tasks[i]
		}
	}
	return nil
}

// TaskSatisfied reports whether the task with the given issue number counts
// as satisfied for dependency purposes: DONE, or SPLIT with every child
// satisfied.
func (f *Feature) TaskSatisfied(issue int) bool {
	t := f.Task(issue)
	if t == nil {
		return false
	}
	switch t.Stage {
	case StageDone:
		return true
	case StageSplit:
		if len(t.ChildIssues) == 0 {
			return false
		}
		for _, child := range t.ChildIssues {
			if !f.TaskSatisfied(child) {
				return false
			}
		}
		return true
	}
	return false
}

// TaskReady reports whether every dependency of the task is satisfied.
// A task with zero dependencies is ready at creation.
func (f *Feature) TaskReady(t *Task) bool {
	for _, dep := range t.Dependencies {
		if !f.TaskSatisfied(dep) {
			return false
		}
	}
	return true
}

// Complete reports whether all non-SPLIT tasks are DONE or SKIPPED.
func (f *Feature) Complete() bool {
	for i := range f.Tasks {
		t := &f.Tasks[i]
		if t.Stage == StageSplit {
			continue
		}
		if t.Stage != StageDone && t.Stage != StageSkipped {
			return false
		}
	}
	return len(f.Tasks) > 0
}

// ValidateTaskGraph checks that dependencies reference existing issues and
// that the dependency graph is acyclic.
func (f *Feature) ValidateTaskGraph() error {
	byIssue := make(map[int]*Task, len(f.Tasks))
	for i := range f.Tasks {
		t := &f.Tasks[i]
		if t.IssueNumber < 1 {
			return fmt.Errorf("feature %s: issue number %d < 1", f.FeatureID, t.IssueNumber)
		}
		if _, dup := byIssue[t.IssueNumber]; dup {
			return fmt.Errorf("feature %s: duplicate issue %d", f.FeatureID, t.IssueNumber)
		}
		byIssue[t.IssueNumber] = t
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[int]int, len(f.Tasks))
	var visit func(issue int) error
	visit = func(issue int) error {
		switch color[issue] {
		case grey:
			return fmt.Errorf("feature %s: dependency cycle through issue %d", f.FeatureID, issue)
		case black:
			return nil
		}
		color[issue] = grey
		t := byIssue[issue]
		if t != nil {
			for _, dep := range t.Dependencies {
				if _, ok := byIssue[dep]; !ok {
					return fmt.Errorf("feature %s: issue %d depends on unknown issue %d", f.FeatureID, issue, dep)
				}
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[issue] = black
		return nil
	}
	for issue := range byIssue {
		if err := visit(issue); err != nil {
			return err
		}
	}
	return nil
}

// BugPhase is a node in the bug state machine.
type BugPhase string

const (
	BugReported      BugPhase = "reported"
	BugReproducing   BugPhase = "reproducing"
	BugInvestigating BugPhase = "investigating"
	BugPlanned       BugPhase = "planned"
	BugFixing        BugPhase = "fixing"
	BugVerifying     BugPhase = "verifying"
	BugFixed         BugPhase = "fixed"
	BugBlocked       BugPhase = "blocked"
)

// bugDAG maps each bug phase to its legal successors.
var bugDAG = map[BugPhase][]BugPhase{
	BugReported:      {BugReproducing, BugBlocked},
	BugReproducing:   {BugInvestigating, BugBlocked},
	BugInvestigating: {BugPlanned, BugBlocked},
	BugPlanned:       {BugFixing, BugBlocked},
	BugFixing:        {BugVerifying, BugBlocked},
	BugVerifying:     {BugFixed, BugFixing, BugBlocked},
	BugFixed:         {},
	BugBlocked:       {BugReported, BugReproducing, BugInvestigating, BugPlanned, BugFixing, BugVerifying},
}

// CanTransitionBug reports whether to is a legal successor of from.
func CanTransitionBug(from, to BugPhase) bool {
	for _, next := range bugDAG[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Bug is a defect moving through reproduce, root-cause, plan, fix, verify.
type Bug struct {
	BugID         string    `json:"bug_id"`
	Description   string    `json:"description"`
	Phase         BugPhase  `json:"phase"`
	Evidence      string    `json:"evidence,omitempty"`
	AffectedFiles []string  `json:"affected_files,omitempty"`
	RootCause     string    `json:"root_cause,omitempty"`
	FixPlan       []string  `json:"fix_plan,omitempty"`
	CostUSD       float64   `json:"cost_usd"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SessionStatus is the lifecycle status of a (feature, issue) session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionCompleted   SessionStatus = "completed"
	SessionInterrupted SessionStatus = "interrupted"
	SessionPaused      SessionStatus = "paused"
	SessionAborted     SessionStatus = "aborted"
)

// Session is a persisted execution context for one (feature, issue) pair,
// resumable across restarts. At most one active session per pair, enforced
// by the exclusive lock file.
type Session struct {
	SessionID      string        `json:"session_id"`
	FeatureID      string        `json:"feature_id"`
	IssueNumber    int           `json:"issue_number"`
	StartedAt      time.Time     `json:"started_at"`
	Status         SessionStatus `json:"status"`
	LastCheckpoint string        `json:"last_checkpoint,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Trigger is a named condition that causes a checkpoint to be created.
type Trigger string

const (
	TriggerCostSingle       Trigger = "COST_SINGLE"
	TriggerCostCumulative   Trigger = "COST_CUMULATIVE"
	TriggerTime             Trigger = "TIME"
	TriggerApprovalRequired Trigger = "APPROVAL_REQUIRED"
	TriggerHighRisk         Trigger = "HIGH_RISK"
	TriggerScopeChange      Trigger = "SCOPE_CHANGE"
	TriggerUXChange         Trigger = "UX_CHANGE"
	TriggerErrorSpike       Trigger = "ERROR_SPIKE"
	TriggerBlocker          Trigger = "BLOCKER"
	TriggerHiccup           Trigger = "HICCUP"
	TriggerEndOfSession     Trigger = "END_OF_SESSION"
)

// triggerSeverity orders triggers for surfacing when several fire at once.
// Higher is more severe.
var triggerSeverity = map[Trigger]int{
	TriggerEndOfSession:     1,
	TriggerUXChange:         2,
	TriggerScopeChange:      3,
	TriggerApprovalRequired: 4,
	TriggerTime:             5,
	TriggerCostSingle:       6,
	TriggerCostCumulative:   7,
	TriggerErrorSpike:       8,
	TriggerBlocker:          9,
	TriggerHighRisk:         10,
	TriggerHiccup:           11,
}

// Severity returns the surfacing priority of a trigger.
func (t Trigger) Severity() int { return triggerSeverity[t] }

// CheckpointStatus is the lifecycle status of a checkpoint.
type CheckpointStatus string

const (
	CheckpointPending    CheckpointStatus = "pending"
	CheckpointApproved   CheckpointStatus = "approved"
	CheckpointRejected   CheckpointStatus = "rejected"
	CheckpointSuperseded CheckpointStatus = "superseded"
)

// Tradeoffs lists pros and cons for a checkpoint option.
type Tradeoffs struct {
	Pros []string `json:"pros,omitempty"`
	Cons []string `json:"cons,omitempty"`
}

// CheckpointOption is one choice offered to the human.
type CheckpointOption struct {
	ID              string    `json:"id"`
	Label           string    `json:"label"`
	Description     string    `json:"description"`
	Tradeoffs       Tradeoffs `json:"tradeoffs"`
	CostEstimateUSD float64   `json:"cost_estimate_usd,omitempty"`
	TimeEstimate    string    `json:"time_estimate,omitempty"`
	IsRecommended   bool      `json:"is_recommended"`
	Rationale       string    `json:"rationale,omitempty"`
}

// RiskAssessment is the weighted factor breakdown behind a HIGH_RISK call.
type RiskAssessment struct {
	Score          float64            `json:"score"`
	Factors        map[string]float64 `json:"factors"`
	Recommendation string             `json:"recommendation"` // proceed, checkpoint, block
}

// SimilarDecision is a past human decision retrieved for context.
type SimilarDecision struct {
	Trigger    Trigger   `json:"trigger"`
	Approved   bool      `json:"approved"`
	Summary    string    `json:"summary"`
	DecidedAt  time.Time `json:"decided_at"`
	Similarity float64   `json:"similarity,omitempty"`
}

// Checkpoint is a persisted point at which execution pauses for a human
// decision. A paused session has exactly one linked checkpoint in pending.
type Checkpoint struct {
	CheckpointID     string             `json:"checkpoint_id"`
	Trigger          Trigger            `json:"trigger"`
	OtherTriggers    []Trigger          `json:"other_triggers,omitempty"`
	SessionID        string             `json:"session_id,omitempty"`
	Context          string             `json:"context"`
	Question         string             `json:"question"`
	Options          []CheckpointOption `json:"options"`
	Status           CheckpointStatus   `json:"status"`
	CreatedAt        time.Time          `json:"created_at"`
	ResolvedAt       *time.Time         `json:"resolved_at,omitempty"`
	ResolvedOption   string             `json:"resolved_option,omitempty"`
	ResolutionNotes  string             `json:"resolution_notes,omitempty"`
	RiskAssessment   *RiskAssessment    `json:"risk_assessment,omitempty"`
	SimilarDecisions []SimilarDecision  `json:"similar_decisions,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// GoalStatus is the lifecycle status of an autopilot goal.
type GoalStatus string

const (
	GoalPending   GoalStatus = "pending"
	GoalRunning   GoalStatus = "running"
	GoalCompleted GoalStatus = "completed"
	GoalBlocked   GoalStatus = "blocked"
	GoalSkipped   GoalStatus = "skipped"
	GoalFailed    GoalStatus = "failed"
)

// Goal is the smallest unit the autopilot dispatches. A goal may link to a
// feature issue, a bug, or a spec pipeline; goals without any link are
// manual no-ops.
type Goal struct {
	ID               string     `json:"id"`
	Description      string     `json:"description"`
	LinkedFeatureID  string     `json:"linked_feature_id,omitempty"`
	LinkedIssue      int        `json:"linked_issue,omitempty"`
	LinkedBugID      string     `json:"linked_bug_id,omitempty"`
	SpecPipeline     bool       `json:"spec_pipeline,omitempty"`
	EstimatedCostUSD float64    `json:"estimated_cost_usd,omitempty"`
	DependsOn        []string   `json:"depends_on,omitempty"`
	Status           GoalStatus `json:"status,omitempty"`
}

// AutopilotStatus is the lifecycle status of an autopilot session.
type AutopilotStatus string

const (
	AutopilotRunning   AutopilotStatus = "running"
	AutopilotCompleted AutopilotStatus = "completed"
	AutopilotPaused    AutopilotStatus = "paused"
	AutopilotAborted   AutopilotStatus = "aborted"
)

// AutopilotSession drives a list of goals under budget and time limits.
type AutopilotSession struct {
	SessionID            string          `json:"session_id"`
	Goals                []Goal          `json:"goals"`
	CurrentGoalIndex     int             `json:"current_goal_index"`
	BudgetUSD            float64         `json:"budget_usd"`
	DurationLimitSeconds int             `json:"duration_limit_seconds"`
	StopTrigger          Trigger         `json:"stop_trigger,omitempty"`
	Status               AutopilotStatus `json:"status"`
	CostSpentUSD         float64         `json:"cost_spent_usd"`
	DurationSeconds      float64         `json:"duration_seconds"`
	Checkpoints          []string        `json:"checkpoints,omitempty"`
	SkipCounts           map[string]int  `json:"skip_counts,omitempty"` // goal id -> times skipped (continue-on-block)
	ErrorStreak          int             `json:"error_streak"`
	DryRun               bool            `json:"dry_run,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	LastPersistedAt      time.Time       `json:"last_persisted_at"`
}

// CampaignState is the lifecycle state of a campaign.
type CampaignState string

const (
	CampaignPlanning  CampaignState = "planning"
	CampaignActive    CampaignState = "active"
	CampaignPaused    CampaignState = "paused"
	CampaignCompleted CampaignState = "completed"
	CampaignFailed    CampaignState = "failed"
)

// Milestone is a named deliverable within a campaign.
type Milestone struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	TargetDay       int      `json:"target_day"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	DependsOn       []string `json:"depends_on,omitempty"`
	Done            bool     `json:"done"`
}

// DayPlan holds the goals for one campaign day. Executed means the day
// ran to completion; Succeeded additionally means every goal completed.
type DayPlan struct {
	Day         int    `json:"day"`
	MilestoneID string `json:"milestone_id,omitempty"`
	Goals       []Goal `json:"goals"`
	Executed    bool   `json:"executed"`
	Succeeded   bool   `json:"succeeded"`
}

// Campaign is a multi-day plan of goals decomposed into milestones and
// day plans. spent_usd never exceeds total_budget_usd.
type Campaign struct {
	CampaignID           string        `json:"campaign_id"`
	Goal                 string        `json:"goal"`
	Milestones           []Milestone   `json:"milestones"`
	DayPlans             []DayPlan     `json:"day_plans"`
	State                CampaignState `json:"state"`
	CurrentDay           int           `json:"current_day"`
	TotalBudgetUSD       float64       `json:"total_budget_usd"`
	DailyBudgetUSD       float64       `json:"daily_budget_usd"`
	SpentUSD             float64       `json:"spent_usd"`
	OriginalDurationDays int           `json:"original_duration_days"`
	ReplanningThreshold  float64       `json:"replanning_threshold"`
	ReplanCount          int           `json:"replan_count"`
	LastRevision         string        `json:"last_revision_summary,omitempty"`
	PausedSessionID      string        `json:"paused_session_id,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// DayPlan returns the plan for the given day, or nil when no plan
// covers it.
func (c *Campaign) DayPlan(day int) *DayPlan {
	for i := range c.DayPlans {
		if c.DayPlans[i].Day == day {
			return &c.DayPlans[i]
		}
	}
	return nil
}

// DayBudget returns the execution budget for the current day:
// min(daily_budget, total - spent), floored at zero.
func (c *Campaign) DayBudget() float64 {
	remaining := c.TotalBudgetUSD - c.SpentUSD
	if remaining < 0 {
		remaining = 0
	}
	if c.DailyBudgetUSD < remaining {
		return c.DailyBudgetUSD
	}
	return remaining
}

// MilestonesDone counts completed milestones.
func (c *Campaign) MilestonesDone() int {
	n := 0
	for _, m := range c.Milestones {
		if m.Done {
			n++
		}
	}
	return n
}
