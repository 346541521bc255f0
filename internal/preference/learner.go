// Package preference learns operator tendencies from checkpoint
// resolutions. Signals are an append-only JSONL stream; weights move only
// on sufficient evidence and by bounded steps, and every change is logged
// with its rationale.
package preference

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"steward/internal/embedding"
	"steward/internal/logging"
	"steward/internal/state"
)

const (
	// minSignals is the evidence floor below which a trigger's weight
	// never moves.
	minSignals = 10
	// maxWeightStep caps a single rolling-window adjustment at 20%.
	maxWeightStep = 0.20
	// weightWindow is the rolling window for the step cap.
	weightWindow = 7 * 24 * time.Hour
)

// Signal is one observed approval or rejection for a trigger.
type Signal struct {
	Trigger   state.Trigger `json:"trigger"`
	Approved  bool          `json:"approved"`
	Timestamp time.Time     `json:"timestamp"`
	Context   string        `json:"context,omitempty"`
}

// Decision is a resolved checkpoint kept for similarity lookup.
type Decision struct {
	CheckpointID string        `json:"checkpoint_id"`
	Trigger      state.Trigger `json:"trigger"`
	Question     string        `json:"question"`
	ChosenOption string        `json:"chosen_option"`
	Notes        string        `json:"notes,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// SimilarDecision pairs a past decision with its similarity to a query.
type SimilarDecision struct {
	Decision   Decision
	Similarity float64
}

// weightRecord tracks the learned weight for one trigger plus the window
// anchor used to enforce the step cap.
type weightRecord struct {
	Weight      float64   `json:"weight"`
	WindowStart time.Time `json:"window_start"`
	WindowBase  float64   `json:"window_base"`
}

// Learner owns the preference streams under <root>/preferences and the
// decision log at <root>/decisions.jsonl.
type Learner struct {
	mu      sync.Mutex
	root    string
	engine  embedding.Engine
	signals []Signal
	decisions []Decision
	decisionVecs [][]float32
	weights map[state.Trigger]*weightRecord
}

// Open loads signals, decisions and learned weights from the state root.
// Truncated trailing lines from an interrupted append are tolerated.
func Open(root string, engine embedding.Engine) (*Learner, error) {
	l := &Learner{
		root:    root,
		engine:  engine,
		weights: make(map[state.Trigger]*weightRecord),
	}
	if err := os.MkdirAll(filepath.Join(root, "preferences"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create preferences dir: %w", err)
	}
	if err := readJSONL(l.signalsPath(), func(line []byte) error {
		var sig Signal
		if err := json.Unmarshal(line, &sig); err != nil {
			return err
		}
		l.signals = append(l.signals, sig)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := readJSONL(l.decisionsPath(), func(line []byte) error {
		var d Decision
		if err := json.Unmarshal(line, &d); err != nil {
			return err
		}
		l.decisions = append(l.decisions, d)
		return nil
	}); err != nil {
		return nil, err
	}
	if data, err := os.ReadFile(l.weightsPath()); err == nil {
		if err := json.Unmarshal(data, &l.weights); err != nil {
			logging.Preference("weights file unreadable, starting fresh: %v", err)
			l.weights = make(map[state.Trigger]*weightRecord)
		}
	}
	if engine != nil {
		for i := range l.decisions {
			vec, err := engine.Embed(context.Background(), l.decisions[i].Question)
			if err != nil {
				vec = nil
			}
			l.decisionVecs = append(l.decisionVecs, embedding.Fit(vec, engine.Dimensions()))
		}
	}
	logging.Preference("learner opened: %d signals, %d decisions", len(l.signals), len(l.decisions))
	return l, nil
}

func (l *Learner) signalsPath() string   { return filepath.Join(l.root, "preferences", "signals.jsonl") }
func (l *Learner) decisionsPath() string { return filepath.Join(l.root, "decisions.jsonl") }
func (l *Learner) weightsPath() string   { return filepath.Join(l.root, "preferences", "weights.json") }

// Record appends a signal and runs the bounded weight update for its
// trigger.
func (l *Learner) Record(sig Signal) error {
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := appendJSONL(l.signalsPath(), sig); err != nil {
		return err
	}
	l.signals = append(l.signals, sig)
	l.updateWeightLocked(sig.Trigger, sig.Timestamp)
	return nil
}

// RecordDecision appends a resolved checkpoint to the decision log and
// indexes it for similarity lookup.
func (l *Learner) RecordDecision(d Decision) error {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := appendJSONL(l.decisionsPath(), d); err != nil {
		return err
	}
	l.decisions = append(l.decisions, d)
	if l.engine != nil {
		vec, err := l.engine.Embed(context.Background(), d.Question)
		if err != nil {
			vec = nil
		}
		l.decisionVecs = append(l.decisionVecs, embedding.Fit(vec, l.engine.Dimensions()))
	}
	return nil
}

// ApprovalRate returns the fraction of approved signals for a trigger and
// the sample size. A trigger with no signals reports (0, 0).
func (l *Learner) ApprovalRate(trigger state.Trigger) (float64, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var approved, total int
	for i := range l.signals {
		if l.signals[i].Trigger != trigger {
			continue
		}
		total++
		if l.signals[i].Approved {
			approved++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(approved) / float64(total), total
}

// Weight returns the learned weight for a trigger, defaulting to 1.0.
func (l *Learner) Weight(trigger state.Trigger) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.weights[trigger]; ok {
		return rec.Weight
	}
	return 1.0
}

// updateWeightLocked nudges the trigger weight toward its approval rate.
// Triggers with fewer than minSignals signals never move, and movement
// within one rolling window is capped at maxWeightStep of the window base.
func (l *Learner) updateWeightLocked(trigger state.Trigger, now time.Time) {
	var approved, total int
	for i := range l.signals {
		if l.signals[i].Trigger == trigger {
			total++
			if l.signals[i].Approved {
				approved++
			}
		}
	}
	if total < minSignals {
		return
	}
	rate := float64(approved) / float64(total)

	rec, ok := l.weights[trigger]
	if !ok {
		rec = &weightRecord{Weight: 1.0, WindowStart: now, WindowBase: 1.0}
		l.weights[trigger] = rec
	}
	if now.Sub(rec.WindowStart) > weightWindow {
		rec.WindowStart = now
		rec.WindowBase = rec.Weight
	}

	// Target: weight 0.5..1.5 centered on an even approval split.
	target := 0.5 + rate
	lo := rec.WindowBase * (1 - maxWeightStep)
	hi := rec.WindowBase * (1 + maxWeightStep)
	next := target
	if next < lo {
		next = lo
	}
	if next > hi {
		next = hi
	}
	if next == rec.Weight {
		return
	}
	logging.Preference("weight %s: %.3f -> %.3f (approval %.0f%% over %d signals, window base %.3f)",
		trigger, rec.Weight, next, rate*100, total, rec.WindowBase)
	rec.Weight = next
	l.persistWeightsLocked()
}

func (l *Learner) persistWeightsLocked() {
	data, err := json.MarshalIndent(l.weights, "", "  ")
	if err != nil {
		return
	}
	tmp := l.weightsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logging.Preference("weights write failed: %v", err)
		return
	}
	if err := os.Rename(tmp, l.weightsPath()); err != nil {
		logging.Preference("weights rename failed: %v", err)
	}
}

// SimilarDecisions returns up to k past decisions ranked by content
// similarity to the query. Without an embedding engine it returns the
// most recent decisions for the same trigger.
func (l *Learner) SimilarDecisions(query string, trigger state.Trigger, k int) []SimilarDecision {
	l.mu.Lock()
	defer l.mu.Unlock()

	if k <= 0 {
		k = 3
	}
	var out []SimilarDecision
	if l.engine == nil {
		for i := len(l.decisions) - 1; i >= 0 && len(out) < k; i-- {
			if l.decisions[i].Trigger == trigger {
				out = append(out, SimilarDecision{Decision: l.decisions[i]})
			}
		}
		return out
	}

	qvec, err := l.engine.Embed(context.Background(), query)
	if err != nil {
		return nil
	}
	qvec = embedding.Fit(qvec, l.engine.Dimensions())
	for i := range l.decisions {
		if l.decisionVecs[i] == nil {
			continue
		}
		sim, err := embedding.CosineSimilarity(qvec, l.decisionVecs[i])
		if err != nil {
			continue
		}
		out = append(out, SimilarDecision{Decision: l.decisions[i], Similarity: sim})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func readJSONL(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			// Interrupted append leaves at most one bad trailing line.
			break
		}
	}
	return scanner.Err()
}

func appendJSONL(path string, v interface{}) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}
