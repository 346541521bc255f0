// Package feature drives a feature from PRD to implemented code through
// the phase machine: spec authoring, critique, approval, issue creation,
// and the per-task implementation cycle.
package feature

import (
	"fmt"
	"time"

	"steward/internal/agent"
	"steward/internal/checkpoint"
	"steward/internal/config"
	"steward/internal/contract"
	"steward/internal/gate"
	"steward/internal/logging"
	"steward/internal/memory"
	"steward/internal/recovery"
	"steward/internal/state"
	"steward/internal/validation"
)

// Orchestrator wires the feature pipeline together. All state mutations
// go through the store; the orchestrator holds no entity state itself.
type Orchestrator struct {
	store       *state.Store
	invoker     agent.Invoker
	contracts   *contract.Registry
	gate        *gate.Gate
	recovery    *recovery.Manager
	validator   *validation.Validator
	checkpoints *checkpoint.Manager
	feedback    *checkpoint.Incorporator
	episodes    *memory.Store
	cfg         config.KernelConfig
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store       *state.Store
	Invoker     agent.Invoker
	Contracts   *contract.Registry
	Gate        *gate.Gate
	Recovery    *recovery.Manager
	Validator   *validation.Validator
	Checkpoints *checkpoint.Manager
	Feedback    *checkpoint.Incorporator
	Episodes    *memory.Store
	Config      config.KernelConfig
}

// New builds a feature orchestrator.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		store:       d.Store,
		invoker:     d.Invoker,
		contracts:   d.Contracts,
		gate:        d.Gate,
		recovery:    d.Recovery,
		validator:   d.Validator,
		checkpoints: d.Checkpoints,
		feedback:    d.Feedback,
		episodes:    d.Episodes,
		cfg:         d.Config,
	}
}

// CreateFeature registers a new feature in PRD_READY.
func (o *Orchestrator) CreateFeature(featureID, prd string) (*state.Feature, error) {
	if _, err := o.store.LoadFeature(featureID); err == nil {
		return nil, fmt.Errorf("feature %s already exists", featureID)
	} else if !state.IsNotFound(err) {
		return nil, err
	}
	f := &state.Feature{
		FeatureID: featureID,
		PRD:       prd,
		Phase:     state.PhasePRDReady,
		NextIssue: 1,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.SaveFeature(f); err != nil {
		return nil, err
	}
	logging.Feature("created feature %s", featureID)
	return f, nil
}

// advance transitions the feature's phase, enforcing the DAG, and
// persists it.
func (o *Orchestrator) advance(f *state.Feature, to state.FeaturePhase) error {
	if !state.CanTransition(f.Phase, to) {
		return fmt.Errorf("feature %s: illegal transition %s -> %s", f.FeatureID, f.Phase, to)
	}
	from := f.Phase
	f.Phase = to
	if err := o.store.SaveFeature(f); err != nil {
		f.Phase = from
		return err
	}
	o.store.AppendEvent(f.FeatureID, "feature", state.EventPhaseAdvanced, map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
	logging.Feature("%s: %s -> %s", f.FeatureID, from, to)
	return nil
}

// block moves the feature to BLOCKED and records why.
func (o *Orchestrator) block(f *state.Feature, reason string) error {
	if f.Phase == state.PhaseBlocked {
		return nil
	}
	f.Phase = state.PhaseBlocked
	if err := o.store.SaveFeature(f); err != nil {
		return err
	}
	o.store.AppendEvent(f.FeatureID, "feature", state.EventEntityBlocked, map[string]interface{}{
		"reason": reason,
	})
	logging.FeatureError("%s blocked: %s", f.FeatureID, reason)
	return nil
}

// Unblock returns a BLOCKED feature to the given phase on operator action.
func (o *Orchestrator) Unblock(featureID string, to state.FeaturePhase) (*state.Feature, error) {
	f, err := o.store.LoadFeature(featureID)
	if err != nil {
		return nil, err
	}
	if f.Phase != state.PhaseBlocked {
		return nil, fmt.Errorf("feature %s is not blocked (phase %s)", featureID, f.Phase)
	}
	if err := o.advance(f, to); err != nil {
		return nil, err
	}
	return f, nil
}
