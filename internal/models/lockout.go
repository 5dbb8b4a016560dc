package models

import (
	"math"
	"time"
)

// SubjectKind separates lockout state for usernames and IP addresses
type SubjectKind string

const (
	SubjectKindUser SubjectKind = "user"
	SubjectKindIP   SubjectKind = "ip"
)

func (k SubjectKind) Valid() bool {
	return k == SubjectKindUser || k == SubjectKindIP
}

// LockoutEntry is an active or expired lock on a subject.
// ExpiresAt is always after StartTime.
type LockoutEntry struct {
	Subject            string      `json:"subject" db:"subject"`
	SubjectKind        SubjectKind `json:"subject_kind" db:"subject_kind"`
	StartTime          time.Time   `json:"start_time" db:"start_time"`
	ExpiresAt          time.Time   `json:"expires_at" db:"expires_at"`
	AttemptCountAtLock int         `json:"attempt_count_at_lock" db:"attempt_count_at_lock"`
	Tier               int         `json:"tier" db:"tier"`
}

// Active reports whether the lock is still in force at now
func (e *LockoutEntry) Active(now time.Time) bool {
	return e != nil && now.Before(e.ExpiresAt)
}

// Remaining returns the time left on the lock, zero once expired
func (e *LockoutEntry) Remaining(now time.Time) time.Duration {
	if !e.Active(now) {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

// Duration is the full length the lock was applied for
func (e *LockoutEntry) Duration() time.Duration {
	return e.ExpiresAt.Sub(e.StartTime)
}

// FailureCounter tracks consecutive failures for a subject between locks
type FailureCounter struct {
	Count       int            `json:"count"`
	LastAttempt time.Time      `json:"last_attempt"`
	IPHistogram map[string]int `json:"ip_histogram,omitempty"`
}

// LockoutDecision is the result of recording a failure
type LockoutDecision struct {
	Subject      string
	SubjectKind  SubjectKind
	FailureCount int
	Locked       bool
	NewlyLocked  bool
	Entry        *LockoutEntry
}

// RemainingSeconds rounds a remaining duration up to whole seconds
func RemainingSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
