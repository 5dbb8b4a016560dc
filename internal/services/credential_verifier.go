package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/imbrick/attributes-login-access/internal/models"
)

// CredentialVerifier checks a secret against the external identity system.
// models.ErrInvalidCredentials means the credentials were wrong; any other
// error means the check could not be made.
type CredentialVerifier interface {
	Verify(ctx context.Context, username, secret string) (*models.Identity, error)
}

// CredentialVerifierFunc adapts a function to CredentialVerifier
type CredentialVerifierFunc func(ctx context.Context, username, secret string) (*models.Identity, error)

func (f CredentialVerifierFunc) Verify(ctx context.Context, username, secret string) (*models.Identity, error) {
	return f(ctx, username, secret)
}

// HTTPCredentialVerifier posts credentials as JSON to an identity endpoint.
// 200 carries the identity, 401 and 403 reject the credentials, anything else
// is an upstream failure.
type HTTPCredentialVerifier struct {
	client *http.Client
	url    string
	logger *slog.Logger
}

type verifyRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func NewHTTPCredentialVerifier(url string, timeout time.Duration, logger *slog.Logger) *HTTPCredentialVerifier {
	return &HTTPCredentialVerifier{
		client: &http.Client{Timeout: timeout},
		url:    url,
		logger: logger,
	}
}

func (v *HTTPCredentialVerifier) Verify(ctx context.Context, username, secret string) (*models.Identity, error) {
	payload, err := json.Marshal(verifyRequest{Username: username, Password: secret})
	if err != nil {
		return nil, fmt.Errorf("failed to encode verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build verify request: %v", models.ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var identity models.Identity
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&identity); err != nil {
			return nil, fmt.Errorf("%w: malformed identity response: %v", models.ErrUpstream, err)
		}
		if identity.Username == "" {
			identity.Username = username
		}
		return &identity, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil, models.ErrInvalidCredentials
	default:
		v.logger.Warn("identity provider returned unexpected status",
			slog.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: identity provider returned status %d", models.ErrUpstream, resp.StatusCode)
	}
}

// isCredentialRejection separates a wrong secret from an infrastructure failure
func isCredentialRejection(err error) bool {
	return errors.Is(err, models.ErrInvalidCredentials)
}
