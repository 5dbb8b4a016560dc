package models

import "time"

// ReputationEntry holds static list membership and dynamic block state for one IP
type ReputationEntry struct {
	IPAddress      string        `json:"ip_address" db:"ip_address"`
	Whitelisted    bool          `json:"whitelisted" db:"whitelisted"`
	Blacklisted    bool          `json:"blacklisted" db:"blacklisted"`
	DynamicBlock   *LockoutEntry `json:"dynamic_block,omitempty"`
	LastSeen       time.Time     `json:"last_seen" db:"last_seen"`
	TotalAttempts  int64         `json:"total_attempts" db:"total_attempts"`
	FailedAttempts int64         `json:"failed_attempts" db:"failed_attempts"`
}

// IsBlocked applies whitelist dominance over the blacklist and dynamic block
func (e *ReputationEntry) IsBlocked(now time.Time) bool {
	if e == nil || e.Whitelisted {
		return false
	}
	return e.Blacklisted || e.DynamicBlock.Active(now)
}

// Clone returns a deep copy safe to hand outside the store
func (e *ReputationEntry) Clone() *ReputationEntry {
	c := *e
	if e.DynamicBlock != nil {
		block := *e.DynamicBlock
		c.DynamicBlock = &block
	}
	return &c
}
