package search

import (
	"errors"
	"fmt"
	"time"

	"github.com/isometry/ldap-loadgen/internal/ldap"
)

// Options are the per-invocation search parameters.
type Options struct {
	Base      string
	Filter    string
	Attribute string // selects randomized-filter mode when set
	NoAttrs   bool   // request attribute types only
	SizeLimit int

	Loops      int
	OuterLoops int
	Retries    int
	Delay      time.Duration

	Force  int      // >= 1 logs every ignored error, not just the first
	Ignore []uint16 // result codes that do not end an operation

	ID   int    // prefix for diagnostic lines
	Seed uint64 // 0 picks a random seed
}

// DefaultAttributes are requested by fixed-filter searches.
var DefaultAttributes = []string{"cn", "sn"}

// Phase is a step of the per-operation state machine.
type Phase int

const (
	PhaseNoConnection Phase = iota
	PhaseConnecting
	PhaseAuthenticating
	PhaseSearching
	PhaseRetry
	PhaseSuccess
	PhaseFatal
)

func (p Phase) String() string {
	switch p {
	case PhaseNoConnection:
		return "no_connection"
	case PhaseConnecting:
		return "connecting"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseSearching:
		return "searching"
	case PhaseRetry:
		return "retry"
	case PhaseSuccess:
		return "success"
	case PhaseFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Handle carries an open session between fixed-filter searches.
// The zero value holds no session.
type Handle struct {
	sess *ldap.Session
}

// Close releases the session, if any.
func (h *Handle) Close() error {
	if h == nil || h.sess == nil {
		return nil
	}
	err := h.sess.Close()
	h.sess = nil
	return err
}

// FatalError ends the whole run: setup failures, exhausted bind retries and
// a randomized search that found nothing to sample.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err ends the run.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

var (
	// ErrOperationFailed marks an operation aborted by an unmatched search error.
	ErrOperationFailed = errors.New("search operation failed")

	// ErrNoValues is returned when a randomized search has nothing to sample.
	ErrNoValues = errors.New("initial search returned no values")
)
