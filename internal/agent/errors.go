package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// ErrorKind classifies a failure for recovery routing. Kinds, not types:
// the same Go error value can carry different kinds depending on source.
type ErrorKind string

const (
	KindTransient  ErrorKind = "transient"  // network, timeout, rate-limit -> Level 1
	KindSystematic ErrorKind = "systematic" // wrong approach, undefined reference -> Level 2
	KindAmbiguity  ErrorKind = "ambiguity"  // unclear spec, multiple interpretations -> Level 3
	KindFatal      ErrorKind = "fatal"      // security, destructive, veto -> Level 4 / checkpoint
	KindContract   ErrorKind = "contract"   // schema mismatch -> no retry, abort unit
)

// Error is the classified failure returned from an agent invocation.
type Error struct {
	Kind    ErrorKind
	Role    Role
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s agent %s: %s: %v", e.Kind, e.Role, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s agent %s: %s", e.Kind, e.Role, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// NewError builds a classified agent error.
func NewError(kind ErrorKind, role Role, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Role: role, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, role Role, msg string, err error) *Error {
	return &Error{Kind: kind, Role: role, Message: msg, Wrapped: err}
}

// ContractViolation reports a schema mismatch at the agent boundary.
// It indicates a code bug, not a runtime condition to retry.
type ContractViolation struct {
	Role       Role
	Direction  string // "input" or "output"
	Missing    []string
	Extra      []string
	TypeErrors map[string]string // key -> expected type description
}

func (e *ContractViolation) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "contract violation: role=%s direction=%s", e.Role, e.Direction)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, " missing=%v", e.Missing)
	}
	if len(e.Extra) > 0 {
		fmt.Fprintf(&b, " extra=%v", e.Extra)
	}
	if len(e.TypeErrors) > 0 {
		fmt.Fprintf(&b, " type_errors=%v", e.TypeErrors)
	}
	return b.String()
}

// PersistenceError reports an atomic-write failure in the state store.
// It aborts the whole process loop to preserve invariants.
type PersistenceError struct {
	Path string
	Op   string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// LockHeld reports exclusive lock contention on a (feature, issue) pair.
// The caller may retry after a cleanup scan.
type LockHeld struct {
	FeatureID string
	Issue     int
	HolderPID int
	Host      string
}

func (e *LockHeld) Error() string {
	return fmt.Sprintf("lock held: %s#%d by pid %d on %s", e.FeatureID, e.Issue, e.HolderPID, e.Host)
}

// transientMarkers and friends are the plain-text heuristics used when a
// raw error carries no classification of its own.
var (
	transientMarkers = []string{
		"timeout", "timed out", "rate limit", "rate-limit", "429",
		"connection refused", "connection reset", "temporarily unavailable",
		"network", "eof", "overloaded", "503", "502",
	}
	systematicMarkers = []string{
		"undefined reference", "missing dependency", "unsatisfied import",
		"wrong approach", "approach mismatch", "does not exist",
		"no such file", "unresolved", "compile error",
	}
	ambiguityMarkers = []string{
		"ambiguous", "unclear", "multiple interpretations", "underspecified",
		"clarification needed", "which of",
	}
	fatalMarkers = []string{
		"security", "destructive", "permission denied", "forbidden",
		"veto", "unsafe",
	}
)

// Classify assigns an ErrorKind to an arbitrary error. Typed errors win;
// otherwise classification falls back to message heuristics, defaulting
// to systematic (a retry with the same context is unlikely to help).
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Kind
	}
	var cv *ContractViolation
	if errors.As(err, &cv) {
		return KindContract
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return KindFatal
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return KindFatal
		}
	}
	for _, m := range ambiguityMarkers {
		if strings.Contains(msg, m) {
			return KindAmbiguity
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return KindTransient
		}
	}
	for _, m := range systematicMarkers {
		if strings.Contains(msg, m) {
			return KindSystematic
		}
	}

	return KindSystematic
}
