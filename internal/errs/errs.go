// Package errs defines the error taxonomy shared by the relay.
//
// FetchError and PushError describe a single failed outbound call. CycleError
// wraps the first of them that aborted a check cycle, so callers can decide
// reporting once instead of per call site.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrStateNotFound      = errors.New("state not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// FetchError is returned by the metric source when a count cannot be read.
type FetchError struct {
	QueryID    string
	StatusCode int    // zero for transport failures
	Body       string // response excerpt, if any
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: unexpected status %d: %s", e.QueryID, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.QueryID, e.Err)
	default:
		return fmt.Sprintf("fetch %s: failed", e.QueryID)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// PushError is returned by the state sink when an upsert or message fails.
type PushError struct {
	Target     string // state key or "message"
	StatusCode int
	Code       string // Matrix errcode, when the body carried one
	Body       string
	Err        error
}

func (e *PushError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Code != "":
		return fmt.Sprintf("push %s: %s (%d): %s", e.Target, e.Code, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("push %s: unexpected status %d: %s", e.Target, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("push %s: %v", e.Target, e.Err)
	default:
		return fmt.Sprintf("push %s: failed", e.Target)
	}
}

func (e *PushError) Unwrap() error { return e.Err }

// Stage names the cycle step that failed.
type Stage string

const (
	StageFetch Stage = "fetch"
	StagePush  Stage = "push"
)

// CycleError reports why a check cycle did not complete.
type CycleError struct {
	Stage Stage
	Err   error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("check cycle failed at %s: %v", e.Stage, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }
