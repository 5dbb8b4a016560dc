package models

import "time"

// AuthOutcome is the terminal state of a gate decision
type AuthOutcome string

const (
	OutcomeSuccess       AuthOutcome = "SUCCESS"
	OutcomeFailure       AuthOutcome = "FAILURE"
	OutcomeAllowed       AuthOutcome = "ALLOWED"
	OutcomeIPBlocked     AuthOutcome = "IP_BLOCKED"
	OutcomeUserLocked    AuthOutcome = "USER_LOCKED"
	OutcomeRateLimited   AuthOutcome = "RATE_LIMITED"
	OutcomeUpstreamError AuthOutcome = "UPSTREAM_ERROR"
)

// Rejection reports whether the outcome was decided before any credential check
func (o AuthOutcome) Rejection() bool {
	switch o {
	case OutcomeIPBlocked, OutcomeUserLocked, OutcomeRateLimited:
		return true
	}
	return false
}

// Identity is what the external credential verifier returns on success
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// AuthResult is returned by the gate for every evaluated request
type AuthResult struct {
	Outcome           AuthOutcome   `json:"outcome"`
	Identity          *Identity     `json:"identity,omitempty"`
	RetryAfter        time.Duration `json:"-"`
	FailureCount      int           `json:"failure_count,omitempty"`
	AttemptsRemaining int           `json:"attempts_remaining,omitempty"`
	LockApplied       bool          `json:"lock_applied,omitempty"`
}

// RetryAfterSeconds is the remaining-time hint rounded up to whole seconds
func (r *AuthResult) RetryAfterSeconds() int64 {
	return RemainingSeconds(r.RetryAfter)
}
