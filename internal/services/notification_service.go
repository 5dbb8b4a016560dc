package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/imbrick/attributes-login-access/internal/models"
	"github.com/imbrick/attributes-login-access/pkg/logger"
	"golang.org/x/time/rate"
)

type NotificationConfig struct {
	Enabled       bool
	AdminEmail    string
	SiteName      string
	RatePerMinute int
}

// NotificationService turns lockout events into messages for the site admin
// and, when the username is an email address, the account owner. Delivery is
// throttled so a lockout storm cannot flood the sink.
type NotificationService struct {
	sink     NotificationSink
	config   NotificationConfig
	limiter  *rate.Limiter
	validate *validator.Validate
	logger   *slog.Logger
}

func NewNotificationService(sink NotificationSink, config NotificationConfig, logger *slog.Logger) *NotificationService {
	perMinute := config.RatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}

	return &NotificationService{
		sink:     sink,
		config:   config,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
		validate: validator.New(),
		logger:   logger,
	}
}

// HandleEvent implements EventHandler
func (s *NotificationService) HandleEvent(ctx context.Context, ev models.SecurityEvent) {
	if !s.config.Enabled || ev.EventType != models.EventTypeLockoutApplied {
		return
	}
	if kind, _ := ev.Metadata["subject_kind"].(string); kind != string(models.SubjectKindUser) || ev.Username == nil {
		return
	}

	username := *ev.Username
	ip := ""
	if ev.IPAddress != nil {
		ip = *ev.IPAddress
	}
	expires, _ := ev.Metadata["expires_at"].(string)

	if s.config.AdminEmail != "" {
		subject := fmt.Sprintf("[%s] Account locked: %s", s.config.SiteName, username)
		body := s.adminBody(username, ip, expires, ev.Metadata)
		s.send(ctx, s.config.AdminEmail, subject, body)
	}

	if s.validate.Var(username, "required,email") == nil {
		subject := fmt.Sprintf("[%s] Your account has been temporarily locked", s.config.SiteName)
		body := s.userBody(expires)
		s.send(ctx, username, subject, body)
	}
}

func (s *NotificationService) send(ctx context.Context, recipient, subject, body string) {
	if !s.limiter.Allow() {
		s.logger.Warn("notification throttled",
			slog.String("recipient", logger.SanitizedEmail(recipient)),
		)
		return
	}

	if err := s.sink.Send(ctx, recipient, subject, body); err != nil {
		s.logger.Error("failed to deliver notification",
			slog.String("recipient", logger.SanitizedEmail(recipient)),
			slog.Any("error", err),
		)
	}
}

func (s *NotificationService) adminBody(username, ip, expires string, meta models.EventMetadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A user account on %s has been locked after repeated failed login attempts.\n\n", s.config.SiteName)
	fmt.Fprintf(&b, "Username: %s\n", username)
	if ip != "" {
		fmt.Fprintf(&b, "IP address: %s\n", ip)
	}
	if attempts, ok := meta["attempt_count"]; ok {
		fmt.Fprintf(&b, "Failed attempts: %v\n", attempts)
	}
	if duration, ok := meta["duration_seconds"]; ok {
		fmt.Fprintf(&b, "Lock duration: %vs\n", duration)
	}
	if expires != "" {
		fmt.Fprintf(&b, "Locked until: %s\n", expires)
	}
	return b.String()
}

func (s *NotificationService) userBody(expires string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your account on %s has been temporarily locked after several failed login attempts.\n\n", s.config.SiteName)
	if expires != "" {
		fmt.Fprintf(&b, "You can try again after %s.\n", expires)
	}
	b.WriteString("If this was not you, consider resetting your password once the lock ends.\n")
	return b.String()
}
