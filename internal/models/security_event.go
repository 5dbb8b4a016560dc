package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Security event types
const (
	EventTypeLockoutApplied    = "lockout_applied"
	EventTypeLockoutCleared    = "lockout_cleared"
	EventTypeIPBlocked         = "ip_blocked"
	EventTypeIPUnblocked       = "ip_unblocked"
	EventTypeRateLimitExceeded = "rate_limit_exceeded"
	EventTypeUpstreamError     = "upstream_error"
	EventTypePasswordReset     = "password_reset"
	EventTypeWhitelistChanged  = "whitelist_changed"
	EventTypeBlacklistChanged  = "blacklist_changed"
)

// SecurityEvent is an audit record of a protection decision or admin action
type SecurityEvent struct {
	ID        uuid.UUID     `json:"id" db:"id"`
	EventType string        `json:"event_type" db:"event_type"`
	Username  *string       `json:"username,omitempty" db:"username"`
	IPAddress *string       `json:"ip_address,omitempty" db:"ip_address"`
	Metadata  EventMetadata `json:"metadata" db:"metadata"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// SecurityEventFilter narrows event queries
type SecurityEventFilter struct {
	EventType *string
	Username  *string
	IPAddress *string
	Since     *time.Time
}

// EventMetadata holds additional context for security events
type EventMetadata map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (em *EventMetadata) Scan(value interface{}) error {
	if value == nil {
		*em = make(EventMetadata)
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case map[string]interface{}:
		*em = EventMetadata(v)
		return nil
	default:
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*em = EventMetadata(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (em EventMetadata) Value() (driver.Value, error) {
	if em == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(em))
}

// NewLockoutMetadata describes an applied lock
func NewLockoutMetadata(entry *LockoutEntry) EventMetadata {
	return EventMetadata{
		"subject_kind":     string(entry.SubjectKind),
		"duration_seconds": RemainingSeconds(entry.Duration()),
		"expires_at":       entry.ExpiresAt.UTC().Format(time.RFC3339),
		"tier":             entry.Tier,
		"attempt_count":    entry.AttemptCountAtLock,
	}
}
