package domain

import "errors"

// Reason is the machine-readable failure tag carried on the wire.
type Reason string

const (
	ReasonNotFound    Reason = "not-found"
	ReasonNotHost     Reason = "not-host"
	ReasonNameTaken   Reason = "name-taken"
	ReasonBusy        Reason = "busy"
	ReasonBadRequest  Reason = "bad-request"
	ReasonRateLimited Reason = "rate-limited"
)

// DirectoryError is the tagged failure every directory operation returns.
type DirectoryError struct {
	Reason Reason
	Detail string
}

func (e *DirectoryError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Detail
}

// Is matches on reason only, so wrapped errors with a detail still
// satisfy errors.Is against the sentinels below.
func (e *DirectoryError) Is(target error) bool {
	var t *DirectoryError
	if !errors.As(target, &t) {
		return false
	}
	return t.Reason == e.Reason
}

var (
	ErrNotFound    = &DirectoryError{Reason: ReasonNotFound}
	ErrNotHost     = &DirectoryError{Reason: ReasonNotHost}
	ErrNameTaken   = &DirectoryError{Reason: ReasonNameTaken}
	ErrBusy        = &DirectoryError{Reason: ReasonBusy}
	ErrBadRequest  = &DirectoryError{Reason: ReasonBadRequest}
	ErrRateLimited = &DirectoryError{Reason: ReasonRateLimited}
)

func NewDirectoryError(reason Reason, detail string) *DirectoryError {
	return &DirectoryError{Reason: reason, Detail: detail}
}

// ReasonOf extracts the tag from err, if it carries one.
func ReasonOf(err error) (Reason, bool) {
	var de *DirectoryError
	if errors.As(err, &de) {
		return de.Reason, true
	}
	return "", false
}
