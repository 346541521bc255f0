// Package checkpoint detects when a human decision is required, composes
// the question, persists it, and exposes the approval surface. Resolution
// feeds the preference learner and the feedback incorporator.
package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"steward/internal/agent"
	"steward/internal/config"
	"steward/internal/logging"
	"steward/internal/memory"
	"steward/internal/preference"
	"steward/internal/state"
)

// CreateRequest carries everything known about the condition that fired.
type CreateRequest struct {
	Triggers  []state.Trigger
	SessionID string
	EntityID  string // feature or bug id for the event log
	Context   string
	Question  string
	Options   []state.CheckpointOption
	Risk      *state.RiskAssessment
}

// Manager owns checkpoint lifecycle and the approval surface.
type Manager struct {
	store    *state.Store
	detector *Detector
	learner  *preference.Learner
	episodes *memory.Store
	feedback *Incorporator
}

// NewManager wires the checkpoint system. learner and episodes may be nil.
func NewManager(store *state.Store, cfg config.KernelConfig, learner *preference.Learner, episodes *memory.Store, feedback *Incorporator) *Manager {
	return &Manager{
		store:    store,
		detector: NewDetector(cfg),
		learner:  learner,
		episodes: episodes,
		feedback: feedback,
	}
}

// Detector exposes the trigger detector for pre-flight and post-check use.
func (m *Manager) Detector() *Detector { return m.detector }

// Create composes and persists a pending checkpoint from the fired
// triggers. The highest-severity trigger is surfaced; the rest are
// recorded in OtherTriggers.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*state.Checkpoint, error) {
	if len(req.Triggers) == 0 {
		return nil, fmt.Errorf("checkpoint requires at least one trigger")
	}
	primary := req.Triggers[0]
	for _, t := range req.Triggers[1:] {
		if t.Severity() > primary.Severity() {
			primary = t
		}
	}
	var others []state.Trigger
	for _, t := range req.Triggers {
		if t != primary {
			others = append(others, t)
		}
	}

	cp := &state.Checkpoint{
		CheckpointID:   uuid.NewString(),
		Trigger:        primary,
		OtherTriggers:  others,
		SessionID:      req.SessionID,
		Context:        req.Context,
		Question:       req.Question,
		Options:        req.Options,
		Status:         state.CheckpointPending,
		CreatedAt:      time.Now().UTC(),
		RiskAssessment: req.Risk,
	}
	if cp.Question == "" {
		cp.Question = defaultQuestion(primary)
	}
	if len(cp.Options) == 0 {
		cp.Options = defaultOptions(primary)
	}
	m.recommend(ctx, cp)
	m.attachSimilarDecisions(ctx, cp)

	if err := m.store.SaveCheckpoint(cp); err != nil {
		return nil, err
	}
	if req.EntityID != "" {
		m.store.AppendEvent(req.EntityID, "checkpoint", state.EventCheckpointCreated, map[string]interface{}{
			"checkpoint_id": cp.CheckpointID,
			"trigger":       string(primary),
			"session_id":    req.SessionID,
		})
	}
	logging.Checkpoint("created %s (%s): %s", cp.CheckpointID, primary, cp.Question)
	return cp, nil
}

// recommend marks the recommended option using risk and the learned
// approval tendency for this trigger.
func (m *Manager) recommend(_ context.Context, cp *state.Checkpoint) {
	if len(cp.Options) == 0 {
		return
	}
	idx := 0
	rationale := "default choice"

	if cp.RiskAssessment != nil && cp.RiskAssessment.Recommendation == "block" {
		idx = safestOption(cp.Options)
		rationale = fmt.Sprintf("risk score %.2f recommends holding", cp.RiskAssessment.Score)
	} else if m.learner != nil {
		if rate, n := m.learner.ApprovalRate(cp.Trigger); n >= 3 {
			if rate >= 0.5 {
				idx = 0
				rationale = fmt.Sprintf("similar decisions approved %.0f%% of the time (%d signals)", rate*100, n)
			} else {
				idx = safestOption(cp.Options)
				rationale = fmt.Sprintf("similar decisions rejected %.0f%% of the time (%d signals)", (1-rate)*100, n)
			}
		}
	}
	for i := range cp.Options {
		cp.Options[i].IsRecommended = i == idx
		if i == idx {
			cp.Options[i].Rationale = rationale
		}
	}
}

// attachSimilarDecisions pulls past human decisions and episode history
// relevant to this question.
func (m *Manager) attachSimilarDecisions(ctx context.Context, cp *state.Checkpoint) {
	if m.learner != nil {
		for _, sd := range m.learner.SimilarDecisions(cp.Question, cp.Trigger, 3) {
			cp.SimilarDecisions = append(cp.SimilarDecisions, state.SimilarDecision{
				Trigger:    sd.Decision.Trigger,
				Approved:   sd.Decision.ChosenOption != "abort",
				Summary:    sd.Decision.Question,
				DecidedAt:  sd.Decision.Timestamp,
				Similarity: sd.Similarity,
			})
		}
	}
	if m.episodes != nil && len(cp.SimilarDecisions) < 3 {
		if scored, err := m.episodes.Retrieve(ctx, cp.Question, 2, false); err == nil {
			for _, s := range scored {
				cp.SimilarDecisions = append(cp.SimilarDecisions, state.SimilarDecision{
					Trigger:    cp.Trigger,
					Approved:   s.Episode.Outcome.Success,
					Summary:    s.Episode.Goal,
					DecidedAt:  s.Episode.Timestamp,
					Similarity: s.Similarity,
				})
			}
		}
	}
}

// ListPending returns pending checkpoints, newest first.
func (m *Manager) ListPending() ([]*state.Checkpoint, error) {
	return m.store.ListCheckpoints(func(cp *state.Checkpoint) bool {
		return cp.Status == state.CheckpointPending
	})
}

// Get loads one checkpoint by id.
func (m *Manager) Get(id string) (*state.Checkpoint, error) {
	return m.store.LoadCheckpoint(id)
}

// Resolve applies a human decision. Resolving twice with the same option
// is a no-op; resolving with a different option is an error.
func (m *Manager) Resolve(id, optionID, notes string) (*state.Checkpoint, error) {
	cp, err := m.store.LoadCheckpoint(id)
	if err != nil {
		return nil, err
	}
	if cp.Status != state.CheckpointPending {
		if cp.ResolvedOption == optionID {
			return cp, nil
		}
		return nil, fmt.Errorf("checkpoint %s already resolved with option %q", id, cp.ResolvedOption)
	}

	var chosen *state.CheckpointOption
	for i := range cp.Options {
		if cp.Options[i].ID == optionID {
			chosen = &cp.Options[i]
			break
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("checkpoint %s has no option %q", id, optionID)
	}

	now := time.Now().UTC()
	cp.Status = state.CheckpointApproved
	if isRejection(optionID) {
		cp.Status = state.CheckpointRejected
	}
	cp.ResolvedAt = &now
	cp.ResolvedOption = optionID
	cp.ResolutionNotes = notes
	if err := m.store.SaveCheckpoint(cp); err != nil {
		return nil, err
	}

	if m.learner != nil {
		approved := cp.Status == state.CheckpointApproved
		if err := m.learner.Record(preference.Signal{Trigger: cp.Trigger, Approved: approved, Context: cp.Question}); err != nil {
			logging.Checkpoint("preference signal not recorded: %v", err)
		}
		if err := m.learner.RecordDecision(preference.Decision{
			CheckpointID: cp.CheckpointID,
			Trigger:      cp.Trigger,
			Question:     cp.Question,
			ChosenOption: optionID,
			Notes:        notes,
		}); err != nil {
			logging.Checkpoint("decision not recorded: %v", err)
		}
	}
	if m.feedback != nil && notes != "" {
		m.feedback.Add(Feedback{
			Source:    cp.CheckpointID,
			Text:      notes,
			AppliesTo: applicability(cp),
			ExpiresAt: now.Add(defaultFeedbackTTL),
		})
	}
	logging.Checkpoint("resolved %s with %q", cp.CheckpointID, optionID)
	return cp, nil
}

func isRejection(optionID string) bool {
	switch strings.ToLower(optionID) {
	case "abort", "reject", "cancel", "stop":
		return true
	}
	return false
}

// applicability marks which roles resolution notes should reach.
func applicability(cp *state.Checkpoint) []string {
	switch cp.Trigger {
	case state.TriggerApprovalRequired:
		return []string{string(agent.RoleSpecAuthor), string(agent.RoleFixPlanner)}
	case state.TriggerUXChange, state.TriggerScopeChange:
		return []string{string(agent.RoleCoder), string(agent.RolePlanner)}
	default:
		return nil // applies everywhere
	}
}

func defaultQuestion(t state.Trigger) string {
	switch t {
	case state.TriggerCostSingle:
		return "The next unit exceeds the single-unit cost threshold. Proceed?"
	case state.TriggerCostCumulative:
		return "Session spending is at its budget limit. Continue?"
	case state.TriggerTime:
		return "The session has reached its time limit. Continue?"
	case state.TriggerApprovalRequired:
		return "An artifact is ready for sign-off. Approve it?"
	case state.TriggerHighRisk:
		return "The next unit scores as high risk. Proceed anyway?"
	case state.TriggerScopeChange:
		return "A milestone or architectural boundary was reached. Continue with the current plan?"
	case state.TriggerUXChange:
		return "An externally visible surface is about to change. Proceed?"
	case state.TriggerErrorSpike:
		return "Several consecutive failures occurred. Keep going?"
	case state.TriggerBlocker:
		return "A dependency is missing and no alternative was found. How should this proceed?"
	case state.TriggerHiccup:
		return "An unexpected fatal error was not retried. How should this proceed?"
	default:
		return "The session finished. Review the results?"
	}
}

func defaultOptions(t state.Trigger) []state.CheckpointOption {
	proceed := state.CheckpointOption{
		ID: "proceed", Label: "Proceed",
		Description: "Continue with the current plan.",
		Tradeoffs:   state.Tradeoffs{Pros: []string{"no lost momentum"}, Cons: []string{"accepts the flagged condition"}},
	}
	reduced := state.CheckpointOption{
		ID: "proceed-with-reduced", Label: "Proceed with reduced scope",
		Description: "Continue, trimming the unit to fit the constraint.",
		Tradeoffs:   state.Tradeoffs{Pros: []string{"stays within limits"}, Cons: []string{"delivers less than planned"}},
	}
	abort := state.CheckpointOption{
		ID: "abort", Label: "Stop here",
		Description: "Halt the run and leave state as-is.",
		Tradeoffs:   state.Tradeoffs{Pros: []string{"nothing further at risk"}, Cons: []string{"work remains unfinished"}},
	}
	switch t {
	case state.TriggerCostSingle, state.TriggerCostCumulative, state.TriggerTime:
		return []state.CheckpointOption{proceed, reduced, abort}
	case state.TriggerApprovalRequired:
		approve := state.CheckpointOption{
			ID: "approve", Label: "Approve",
			Description: "Accept the artifact and continue.",
			Tradeoffs:   state.Tradeoffs{Pros: []string{"unblocks the pipeline"}, Cons: []string{"locks in the current draft"}},
		}
		revise := state.CheckpointOption{
			ID: "revise", Label: "Request changes",
			Description: "Send the artifact back with notes.",
			Tradeoffs:   state.Tradeoffs{Pros: []string{"quality control"}, Cons: []string{"extra round-trip cost"}},
		}
		return []state.CheckpointOption{approve, revise, abort}
	default:
		return []state.CheckpointOption{proceed, abort}
	}
}

// safestOption prefers an explicit abort/revise option when present.
func safestOption(options []state.CheckpointOption) int {
	for i := range options {
		if isRejection(options[i].ID) || options[i].ID == "revise" {
			return i
		}
	}
	return len(options) - 1
}
