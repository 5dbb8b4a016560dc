package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/imbrick/attributes-login-access/internal/auth"
	"github.com/imbrick/attributes-login-access/internal/models"
	"github.com/imbrick/attributes-login-access/internal/services"
	pkghttp "github.com/imbrick/attributes-login-access/pkg/http"
)

// GateServiceInterface defines the protection gate contract
type GateServiceInterface interface {
	Authenticate(ctx context.Context, req services.AuthRequest) (*models.AuthResult, error)
	Admit(ctx context.Context, req services.AttemptRequest) (*models.AuthResult, error)
	RecordOutcome(ctx context.Context, req services.AttemptRequest, success bool) error
}

// AuthHandler exposes the gate to the login front end
type AuthHandler struct {
	gate     GateServiceInterface
	ipConfig *pkghttp.IPConfig
	timing   *auth.TimingDelay
	logger   *slog.Logger
}

// NewAuthHandler creates a new AuthHandler. timing may be nil.
func NewAuthHandler(gate GateServiceInterface, ipConfig *pkghttp.IPConfig, timing *auth.TimingDelay, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		gate:     gate,
		ipConfig: ipConfig,
		timing:   timing,
		logger:   logger,
	}
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
}

// GuardRequest asks whether a non-login attempt may proceed
type GuardRequest struct {
	Kind     string `json:"kind" validate:"required,attempt_kind,ne=login"`
	Username string `json:"username" validate:"max=254"`
}

// OutcomeRequest reports how a non-login attempt ended
type OutcomeRequest struct {
	Kind     string `json:"kind" validate:"required,attempt_kind,ne=login"`
	Username string `json:"username" validate:"max=254"`
	Success  bool   `json:"success"`
}

// LoginResponse is returned for a successful login
type LoginResponse struct {
	Outcome  models.AuthOutcome `json:"outcome"`
	Identity *models.Identity   `json:"identity"`
}

// FailureResponse is returned for wrong credentials
type FailureResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	AttemptsRemaining int    `json:"attempts_remaining,omitempty"`
	LockApplied       bool   `json:"lock_applied,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req LoginRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.gate.Authenticate(r.Context(), services.AuthRequest{
		Username:  req.Username,
		Secret:    req.Password,
		IPAddress: pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		writeServiceError(w, err)
		return
	}

	// Every non-success answer takes at least the configured minimum time
	h.timing.WaitFrom(r.Context(), start, result.Outcome == models.OutcomeSuccess)

	switch result.Outcome {
	case models.OutcomeSuccess:
		pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{Outcome: result.Outcome, Identity: result.Identity})
	case models.OutcomeFailure:
		resp := FailureResponse{
			Error:             "invalid_credentials",
			Message:           "Authentication failed",
			AttemptsRemaining: result.AttemptsRemaining,
			LockApplied:       result.LockApplied,
		}
		if result.LockApplied {
			resp.RetryAfterSeconds = result.RetryAfterSeconds()
			w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfterSeconds, 10))
		}
		pkghttp.WriteJSON(w, http.StatusUnauthorized, resp)
	default:
		writeRejection(w, result)
	}
}

// Guard handles POST /auth/guard
func (h *AuthHandler) Guard(w http.ResponseWriter, r *http.Request) {
	var req GuardRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.gate.Admit(r.Context(), services.AttemptRequest{
		Kind:      models.AttemptKind(req.Kind),
		Username:  req.Username,
		IPAddress: pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		writeServiceError(w, err)
		return
	}

	if result.Outcome == models.OutcomeAllowed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeRejection(w, result)
}

// Outcome handles POST /auth/outcome
func (h *AuthHandler) Outcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	err := h.gate.RecordOutcome(r.Context(), services.AttemptRequest{
		Kind:      models.AttemptKind(req.Kind),
		Username:  req.Username,
		IPAddress: pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent: r.UserAgent(),
	}, req.Success)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeRejection maps a restriction or upstream outcome onto its status code
func writeRejection(w http.ResponseWriter, result *models.AuthResult) {
	retry := result.RetryAfterSeconds()

	switch result.Outcome {
	case models.OutcomeIPBlocked:
		pkghttp.WriteRetryAfter(w, http.StatusForbidden, "ip_blocked", "Access from this address is blocked", retry)
	case models.OutcomeUserLocked:
		pkghttp.WriteLocked(w, "Account temporarily locked", retry)
	case models.OutcomeRateLimited:
		pkghttp.WriteTooManyRequests(w, "Too many attempts. Please try again later.", retry)
	case models.OutcomeUpstreamError:
		pkghttp.WriteBadGateway(w, "Identity provider unavailable")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
