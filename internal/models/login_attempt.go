package models

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus is the recorded outcome of a gate decision
type AttemptStatus string

const (
	AttemptStatusSuccess AttemptStatus = "success"
	AttemptStatusFailed  AttemptStatus = "failed"
	AttemptStatusBlocked AttemptStatus = "blocked"
)

func (s AttemptStatus) Valid() bool {
	switch s {
	case AttemptStatusSuccess, AttemptStatusFailed, AttemptStatusBlocked:
		return true
	}
	return false
}

// AttemptKind is the flow an attempt belongs to
type AttemptKind string

const (
	AttemptKindLogin         AttemptKind = "login"
	AttemptKindRegistration  AttemptKind = "registration"
	AttemptKindLostPassword  AttemptKind = "lost_password"
	AttemptKindPasswordReset AttemptKind = "password_reset"
)

func (k AttemptKind) Valid() bool {
	switch k {
	case AttemptKindLogin, AttemptKindRegistration, AttemptKindLostPassword, AttemptKindPasswordReset:
		return true
	}
	return false
}

// AttemptRecord is a single immutable ledger row
type AttemptRecord struct {
	ID        uuid.UUID     `json:"id" db:"id"`
	Username  *string       `json:"username,omitempty" db:"username"`
	IPAddress string        `json:"ip_address" db:"ip_address"`
	Status    AttemptStatus `json:"status" db:"status"`
	Kind      AttemptKind   `json:"kind" db:"kind"`
	UserAgent string        `json:"user_agent,omitempty" db:"user_agent"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// AttemptFilter narrows ledger queries. Nil fields match everything.
type AttemptFilter struct {
	Username  *string
	IPAddress *string
	Status    *AttemptStatus
	Kind      *AttemptKind
	Since     *time.Time
	Until     *time.Time
}

// Matches reports whether r satisfies every set field of the filter.
// Since is inclusive and Until is exclusive.
func (f AttemptFilter) Matches(r *AttemptRecord) bool {
	if f.Username != nil && (r.Username == nil || *r.Username != *f.Username) {
		return false
	}
	if f.IPAddress != nil && r.IPAddress != *f.IPAddress {
		return false
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.Kind != nil && r.Kind != *f.Kind {
		return false
	}
	if f.Since != nil && r.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !r.CreatedAt.Before(*f.Until) {
		return false
	}
	return true
}

// AttemptStats aggregates ledger rows created since a point in time
type AttemptStats struct {
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Blocked    int64 `json:"blocked"`
	UniqueIPs  int64 `json:"unique_ips"`
}
