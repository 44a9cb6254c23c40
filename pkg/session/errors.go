package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotApproved is returned when a task reaches execution without an
	// approval on record.
	ErrNotApproved = errors.New("task is not approved")
	// ErrScanFailed wraps scanner failures and timeouts.
	ErrScanFailed = errors.New("scan failed")
)

// ResumePoint is the last state that was durably recorded for a session.
type ResumePoint struct {
	SessionID string `json:"session_id"`
	Cursor    int    `json:"cursor"`
	RuleID    string `json:"rule_id,omitempty"`
	LastStep  string `json:"last_step"`
}

func (r ResumePoint) String() string {
	s := fmt.Sprintf("session %s, finding #%d", r.SessionID, r.Cursor+1)
	if r.RuleID != "" {
		s += " (" + r.RuleID + ")"
	}
	return s + ", last step: " + r.LastStep
}

// FatalError stops a session. It names where the session can be resumed.
type FatalError struct {
	Cause  error
	Resume ResumePoint
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%v (resume from %s)", e.Cause, e.Resume)
}

func (e *FatalError) Unwrap() error { return e.Cause }
