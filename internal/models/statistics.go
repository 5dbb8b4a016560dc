package models

// Statistics summarises recent protection activity for reporting
type Statistics struct {
	FailedToday        int64 `json:"failed_today"`
	Successful24h      int64 `json:"successful_24h"`
	Blocked24h         int64 `json:"blocked_24h"`
	UniqueIPs24h       int64 `json:"unique_ips_24h"`
	ActiveUserLockouts int   `json:"active_user_lockouts"`
	ActiveIPLockouts   int   `json:"active_ip_lockouts"`
	DynamicIPBlocks    int   `json:"dynamic_ip_blocks"`
	BlacklistedIPs     int   `json:"blacklisted_ips"`
	WhitelistedIPs     int   `json:"whitelisted_ips"`
}
