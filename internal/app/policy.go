package app

import (
	"errors"

	"github.com/dkeye/Cowrite/internal/domain"
)

var (
	// ErrDisconnected is reported when a live peer link drops.
	ErrDisconnected = errors.New("peer disconnected")
	// ErrTimeout is reported when a bounded wait runs out.
	ErrTimeout = errors.New("timed out")
)

type FailureAction int

const (
	// RetryLater repeats the same step after a short pause.
	RetryLater FailureAction = iota
	// Reconnect abandons the attempt and starts over from discovery.
	Reconnect
	// Terminal stops the orchestrator in the error state.
	Terminal
)

func (a FailureAction) String() string {
	switch a {
	case RetryLater:
		return "retry-later"
	case Reconnect:
		return "reconnect"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

type Policy interface {
	OnFailure(err error) FailureAction
}

type SimplePolicy struct{}

// OnFailure classifies err. Errors without a directory reason are network or
// decoding trouble and are retried silently.
func (SimplePolicy) OnFailure(err error) FailureAction {
	if errors.Is(err, ErrDisconnected) || errors.Is(err, ErrTimeout) {
		return Reconnect
	}
	reason, ok := domain.ReasonOf(err)
	if !ok {
		return RetryLater
	}
	switch reason {
	case domain.ReasonBusy, domain.ReasonRateLimited:
		return RetryLater
	case domain.ReasonNotFound:
		return Reconnect
	default:
		return Terminal
	}
}
