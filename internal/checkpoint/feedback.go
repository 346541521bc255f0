package checkpoint

import (
	"path/filepath"
	"sync"
	"time"

	"steward/internal/agent"
	"steward/internal/logging"
)

// defaultFeedbackTTL bounds how long resolution notes keep steering
// prompts.
const defaultFeedbackTTL = 7 * 24 * time.Hour

// Feedback is one piece of operator guidance captured from a checkpoint
// resolution. AppliesTo limits it to specific roles; empty applies to all.
type Feedback struct {
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	AppliesTo []string  `json:"applies_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Incorporator persists feedback and injects the active entries into
// agent inputs. Expiry is enforced at read time: expired entries stay in
// the file but never reach a prompt.
type Incorporator struct {
	mu      sync.Mutex
	path    string
	entries []Feedback
}

// NewIncorporator loads feedback from <root>/feedback.jsonl.
func NewIncorporator(root string) (*Incorporator, error) {
	inc := &Incorporator{path: filepath.Join(root, "feedback.jsonl")}
	if err := readJSONLFile(inc.path, func(fb Feedback) {
		inc.entries = append(inc.entries, fb)
	}); err != nil {
		return nil, err
	}
	return inc, nil
}

// Add persists one feedback entry.
func (inc *Incorporator) Add(fb Feedback) {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = time.Now().UTC()
	}
	inc.mu.Lock()
	defer inc.mu.Unlock()
	if err := appendJSONLFile(inc.path, fb); err != nil {
		logging.Checkpoint("feedback not persisted: %v", err)
		return
	}
	inc.entries = append(inc.entries, fb)
}

// Active returns unexpired feedback applicable to the role.
func (inc *Incorporator) Active(role agent.Role, now time.Time) []Feedback {
	inc.mu.Lock()
	defer inc.mu.Unlock()

	var out []Feedback
	for _, fb := range inc.entries {
		if !fb.ExpiresAt.IsZero() && now.After(fb.ExpiresAt) {
			continue
		}
		if len(fb.AppliesTo) > 0 && !contains(fb.AppliesTo, string(role)) {
			continue
		}
		out = append(out, fb)
	}
	return out
}

// Apply injects active feedback into an agent input under
// "operator_feedback". The input is returned unchanged when nothing
// applies.
func (inc *Incorporator) Apply(role agent.Role, in agent.Input) agent.Input {
	active := inc.Active(role, time.Now().UTC())
	if len(active) == 0 {
		return in
	}
	texts := make([]string, len(active))
	for i, fb := range active {
		texts[i] = fb.Text
	}
	out := in.Clone()
	out["operator_feedback"] = texts
	return out
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
