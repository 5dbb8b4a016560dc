package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/imbrick/attributes-login-access/internal/auth"
	"github.com/imbrick/attributes-login-access/internal/background"
	"github.com/imbrick/attributes-login-access/internal/models"
	pkghttp "github.com/imbrick/attributes-login-access/pkg/http"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// AdminServiceInterface defines the reporting and unlock contract.
type AdminServiceInterface interface {
	ListAttempts(ctx context.Context, filter models.AttemptFilter, limit, offset int) ([]*models.AttemptRecord, error)
	ListActiveLockouts(kind models.SubjectKind) []*models.LockoutEntry
	ListBlockedIPs() []*models.ReputationEntry
	Unlock(ctx context.Context, subject string, kind models.SubjectKind) (bool, error)
	GetStatistics(ctx context.Context) (*models.Statistics, error)
	SetWhitelisted(ctx context.Context, ip string, listed bool) error
	SetBlacklisted(ctx context.Context, ip string, listed bool) error
	ClearIPBlock(ctx context.Context, ip string) (bool, error)
	ListEvents(ctx context.Context, filter models.SecurityEventFilter, limit, offset int) ([]*models.SecurityEvent, error)
}

// Sweeper runs one maintenance pass on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) *background.SweepReport
}

// AdminHandler handles admin HTTP requests.
type AdminHandler struct {
	service AdminServiceInterface
	sweeper Sweeper
	logger  *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(service AdminServiceInterface, sweeper Sweeper, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{service: service, sweeper: sweeper, logger: logger}
}

// UnlockRequest identifies a subject to unlock
type UnlockRequest struct {
	Subject string `json:"subject" validate:"required,max=254"`
	Kind    string `json:"kind" validate:"required,subject_kind"`
}

// UnlockResponse reports whether a lock was removed
type UnlockResponse struct {
	Subject  string `json:"subject"`
	Kind     string `json:"kind"`
	Unlocked bool   `json:"unlocked"`
}

// ListResponse wraps paged results
type ListResponse struct {
	Items  interface{} `json:"items"`
	Count  int         `json:"count"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}

// ListAttempts handles GET /admin/attempts
// Optional query params: username, ip, status, kind, since, until (RFC3339), limit, offset.
func (h *AdminHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter models.AttemptFilter

	if v := q.Get("username"); v != "" {
		username := strings.ToLower(strings.TrimSpace(v))
		filter.Username = &username
	}
	if v := q.Get("ip"); v != "" {
		filter.IPAddress = &v
	}
	if v := q.Get("status"); v != "" {
		status := models.AttemptStatus(v)
		if !status.Valid() {
			pkghttp.WriteBadRequest(w, "status must be one of: success failed blocked")
			return
		}
		filter.Status = &status
	}
	if v := q.Get("kind"); v != "" {
		kind := models.AttemptKind(v)
		if !kind.Valid() {
			pkghttp.WriteBadRequest(w, "kind must be one of: login registration lost_password password_reset")
			return
		}
		filter.Kind = &kind
	}

	var ok bool
	if filter.Since, ok = parseTimeParam(w, q.Get("since"), "since"); !ok {
		return
	}
	if filter.Until, ok = parseTimeParam(w, q.Get("until"), "until"); !ok {
		return
	}

	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}

	attempts, err := h.service.ListAttempts(r.Context(), filter, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, ListResponse{Items: attempts, Count: len(attempts), Limit: limit, Offset: offset})
}

// ListLockouts handles GET /admin/lockouts?kind=user|ip
func (h *AdminHandler) ListLockouts(w http.ResponseWriter, r *http.Request) {
	kind := models.SubjectKind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		pkghttp.WriteBadRequest(w, "kind must be one of: user ip")
		return
	}

	lockouts := h.service.ListActiveLockouts(kind)
	pkghttp.WriteJSON(w, http.StatusOK, ListResponse{Items: lockouts, Count: len(lockouts)})
}

// ListBlockedIPs handles GET /admin/blocked-ips
func (h *AdminHandler) ListBlockedIPs(w http.ResponseWriter, r *http.Request) {
	blocked := h.service.ListBlockedIPs()
	pkghttp.WriteJSON(w, http.StatusOK, ListResponse{Items: blocked, Count: len(blocked)})
}

// Unlock handles POST /admin/unlock
func (h *AdminHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	unlocked, err := h.service.Unlock(r.Context(), req.Subject, models.SubjectKind(req.Kind))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.logger.Info("admin unlock",
		slog.String("admin", adminSubject(r)),
		slog.String("kind", req.Kind),
		slog.Bool("unlocked", unlocked),
	)

	pkghttp.WriteJSON(w, http.StatusOK, UnlockResponse{Subject: req.Subject, Kind: req.Kind, Unlocked: unlocked})
}

// GetStatistics handles GET /admin/statistics
func (h *AdminHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetStatistics(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, stats)
}

// ListEvents handles GET /admin/events
// Optional query params: type, username, ip, since (RFC3339), limit, offset.
func (h *AdminHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter models.SecurityEventFilter

	if v := q.Get("type"); v != "" {
		filter.EventType = &v
	}
	if v := q.Get("username"); v != "" {
		filter.Username = &v
	}
	if v := q.Get("ip"); v != "" {
		filter.IPAddress = &v
	}

	var ok bool
	if filter.Since, ok = parseTimeParam(w, q.Get("since"), "since"); !ok {
		return
	}

	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}

	events, err := h.service.ListEvents(r.Context(), filter, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, ListResponse{Items: events, Count: len(events), Limit: limit, Offset: offset})
}

// AddToWhitelist handles PUT /admin/ip/whitelist/{ip}
func (h *AdminHandler) AddToWhitelist(w http.ResponseWriter, r *http.Request) {
	h.setListed(w, r, h.service.SetWhitelisted, true)
}

// RemoveFromWhitelist handles DELETE /admin/ip/whitelist/{ip}
func (h *AdminHandler) RemoveFromWhitelist(w http.ResponseWriter, r *http.Request) {
	h.setListed(w, r, h.service.SetWhitelisted, false)
}

// AddToBlacklist handles PUT /admin/ip/blacklist/{ip}
func (h *AdminHandler) AddToBlacklist(w http.ResponseWriter, r *http.Request) {
	h.setListed(w, r, h.service.SetBlacklisted, true)
}

// RemoveFromBlacklist handles DELETE /admin/ip/blacklist/{ip}
func (h *AdminHandler) RemoveFromBlacklist(w http.ResponseWriter, r *http.Request) {
	h.setListed(w, r, h.service.SetBlacklisted, false)
}

func (h *AdminHandler) setListed(w http.ResponseWriter, r *http.Request, set func(context.Context, string, bool) error, listed bool) {
	ip := chi.URLParam(r, "ip")
	if err := set(r.Context(), ip, listed); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearIPBlock handles DELETE /admin/ip/blocks/{ip}
func (h *AdminHandler) ClearIPBlock(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.service.ClearIPBlock(r.Context(), chi.URLParam(r, "ip"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !cleared {
		pkghttp.WriteNotFound(w, "No active block for this address")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sweep handles POST /admin/sweep
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	report := h.sweeper.RunOnce(r.Context())
	status := http.StatusOK
	if report.Skipped {
		status = http.StatusConflict
	}
	pkghttp.WriteJSON(w, status, report)
}

func parsePage(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit = defaultPageSize
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			pkghttp.WriteBadRequest(w, "limit must be a positive integer")
			return 0, 0, false
		}
		limit = min(n, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			pkghttp.WriteBadRequest(w, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

func parseTimeParam(w http.ResponseWriter, v, name string) (*time.Time, bool) {
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		pkghttp.WriteBadRequest(w, name+" must be an RFC3339 timestamp")
		return nil, false
	}
	return &t, true
}

func adminSubject(r *http.Request) string {
	if claims := auth.GetClaimsFromContext(r); claims != nil {
		return claims.Subject
	}
	return ""
}
