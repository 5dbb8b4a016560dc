package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/imbrick/attributes-login-access/internal/auth"
	"github.com/imbrick/attributes-login-access/internal/background"
	"github.com/imbrick/attributes-login-access/internal/models"
	"github.com/imbrick/attributes-login-access/internal/services"
	pkghttp "github.com/imbrick/attributes-login-access/pkg/http"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithAdminContext adds operator claims to the request context
func WithAdminContext(req *http.Request, subject string) *http.Request {
	claims := &auth.AdminClaims{Role: auth.RoleAdmin}
	claims.Subject = subject
	ctx := context.WithValue(req.Context(), auth.ClaimsContextKey, claims)
	return req.WithContext(ctx)
}

// WithURLParam sets a chi route parameter on the request
func WithURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockGateService implements GateServiceInterface for testing
type MockGateService struct {
	AuthenticateFunc  func(ctx context.Context, req services.AuthRequest) (*models.AuthResult, error)
	AdmitFunc         func(ctx context.Context, req services.AttemptRequest) (*models.AuthResult, error)
	RecordOutcomeFunc func(ctx context.Context, req services.AttemptRequest, success bool) error
}

func (m *MockGateService) Authenticate(ctx context.Context, req services.AuthRequest) (*models.AuthResult, error) {
	if m.AuthenticateFunc == nil {
		return &models.AuthResult{Outcome: models.OutcomeFailure}, nil
	}
	return m.AuthenticateFunc(ctx, req)
}

func (m *MockGateService) Admit(ctx context.Context, req services.AttemptRequest) (*models.AuthResult, error) {
	if m.AdmitFunc == nil {
		return &models.AuthResult{Outcome: models.OutcomeAllowed}, nil
	}
	return m.AdmitFunc(ctx, req)
}

func (m *MockGateService) RecordOutcome(ctx context.Context, req services.AttemptRequest, success bool) error {
	if m.RecordOutcomeFunc == nil {
		return nil
	}
	return m.RecordOutcomeFunc(ctx, req, success)
}

// MockAdminService implements AdminServiceInterface for testing
type MockAdminService struct {
	ListAttemptsFunc       func(ctx context.Context, filter models.AttemptFilter, limit, offset int) ([]*models.AttemptRecord, error)
	ListActiveLockoutsFunc func(kind models.SubjectKind) []*models.LockoutEntry
	ListBlockedIPsFunc     func() []*models.ReputationEntry
	UnlockFunc             func(ctx context.Context, subject string, kind models.SubjectKind) (bool, error)
	GetStatisticsFunc      func(ctx context.Context) (*models.Statistics, error)
	SetWhitelistedFunc     func(ctx context.Context, ip string, listed bool) error
	SetBlacklistedFunc     func(ctx context.Context, ip string, listed bool) error
	ClearIPBlockFunc       func(ctx context.Context, ip string) (bool, error)
	ListEventsFunc         func(ctx context.Context, filter models.SecurityEventFilter, limit, offset int) ([]*models.SecurityEvent, error)
}

func (m *MockAdminService) ListAttempts(ctx context.Context, filter models.AttemptFilter, limit, offset int) ([]*models.AttemptRecord, error) {
	if m.ListAttemptsFunc == nil {
		return []*models.AttemptRecord{}, nil
	}
	return m.ListAttemptsFunc(ctx, filter, limit, offset)
}

func (m *MockAdminService) ListActiveLockouts(kind models.SubjectKind) []*models.LockoutEntry {
	if m.ListActiveLockoutsFunc == nil {
		return []*models.LockoutEntry{}
	}
	return m.ListActiveLockoutsFunc(kind)
}

func (m *MockAdminService) ListBlockedIPs() []*models.ReputationEntry {
	if m.ListBlockedIPsFunc == nil {
		return []*models.ReputationEntry{}
	}
	return m.ListBlockedIPsFunc()
}

func (m *MockAdminService) Unlock(ctx context.Context, subject string, kind models.SubjectKind) (bool, error) {
	if m.UnlockFunc == nil {
		return false, nil
	}
	return m.UnlockFunc(ctx, subject, kind)
}

func (m *MockAdminService) GetStatistics(ctx context.Context) (*models.Statistics, error) {
	if m.GetStatisticsFunc == nil {
		return &models.Statistics{}, nil
	}
	return m.GetStatisticsFunc(ctx)
}

func (m *MockAdminService) SetWhitelisted(ctx context.Context, ip string, listed bool) error {
	if m.SetWhitelistedFunc == nil {
		return nil
	}
	return m.SetWhitelistedFunc(ctx, ip, listed)
}

func (m *MockAdminService) SetBlacklisted(ctx context.Context, ip string, listed bool) error {
	if m.SetBlacklistedFunc == nil {
		return nil
	}
	return m.SetBlacklistedFunc(ctx, ip, listed)
}

func (m *MockAdminService) ClearIPBlock(ctx context.Context, ip string) (bool, error) {
	if m.ClearIPBlockFunc == nil {
		return false, nil
	}
	return m.ClearIPBlockFunc(ctx, ip)
}

func (m *MockAdminService) ListEvents(ctx context.Context, filter models.SecurityEventFilter, limit, offset int) ([]*models.SecurityEvent, error) {
	if m.ListEventsFunc == nil {
		return []*models.SecurityEvent{}, nil
	}
	return m.ListEventsFunc(ctx, filter, limit, offset)
}

// MockSweeper implements Sweeper for testing
type MockSweeper struct {
	RunOnceFunc func(ctx context.Context) *background.SweepReport
}

func (m *MockSweeper) RunOnce(ctx context.Context) *background.SweepReport {
	if m.RunOnceFunc == nil {
		return &background.SweepReport{}
	}
	return m.RunOnceFunc(ctx)
}
