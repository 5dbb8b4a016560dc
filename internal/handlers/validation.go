package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/imbrick/attributes-login-access/internal/models"
	pkghttp "github.com/imbrick/attributes-login-access/pkg/http"
)

// maxBodyBytes bounds every JSON request body
const maxBodyBytes = 16 << 10

// ValidationErrorResponse represents a validation error with field-level details
type ValidationErrorResponse struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Global validator instance (reused across all handlers)
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("attempt_kind", func(fl validator.FieldLevel) bool {
		return models.AttemptKind(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("subject_kind", func(fl validator.FieldLevel) bool {
		return models.SubjectKind(fl.Field().String()).Valid()
	})
	return v
}

// ValidateRequest validates a request struct and reports every failing field
func ValidateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("validation failed: %w", err)
	}

	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, fmt.Sprintf("%s: %s", strings.ToLower(fe.Field()), formatValidationError(fe)))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(parts, "; "))
}

// formatValidationError converts a validator FieldError to a user-friendly message
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "max":
		return fmt.Sprintf("must have a maximum of %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "attempt_kind":
		return "must be one of: login registration lost_password password_reset"
	case "subject_kind":
		return "must be one of: user ip"
	case "ip":
		return "must be a valid IP address"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// decodeAndValidate reads a JSON body into req and validates it, writing a
// 400 response on failure.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := pkghttp.DecodeJSON(w, r, req, maxBodyBytes); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return false
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// writeServiceError maps service errors onto HTTP responses
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidAddress):
		pkghttp.WriteBadRequest(w, "Invalid IP address")
	case errors.Is(err, models.ErrInvalidSubject), errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "Invalid request")
	case errors.Is(err, models.ErrStorage):
		pkghttp.WriteError(w, http.StatusServiceUnavailable, "storage_unavailable", "Storage is temporarily unavailable")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
