package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/imbrick/attributes-login-access/pkg/logger"
)

// NotificationSink delivers a plain text message to one recipient
type NotificationSink interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// sesSender is the subset of the SES client used for delivery
type sesSender interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESNotificationSink sends notifications using AWS SES
type SESNotificationSink struct {
	client      sesSender
	fromAddress string
	logger      *slog.Logger
}

// NewSESNotificationSink loads the default AWS credential chain for region
func NewSESNotificationSink(ctx context.Context, region, fromAddress string, logger *slog.Logger) (*SESNotificationSink, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SESNotificationSink{
		client:      ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

func (s *SESNotificationSink) Send(ctx context.Context, recipient, subject, body string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send notification via SES",
			slog.String("recipient", logger.SanitizedEmail(recipient)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("notification sent",
		slog.String("recipient", logger.SanitizedEmail(recipient)),
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}

// LogNotificationSink writes notifications to the log instead of delivering
// them. Used when no mail transport is configured.
type LogNotificationSink struct {
	logger *slog.Logger
}

func NewLogNotificationSink(logger *slog.Logger) *LogNotificationSink {
	return &LogNotificationSink{logger: logger}
}

func (s *LogNotificationSink) Send(_ context.Context, recipient, subject, _ string) error {
	s.logger.Info("notification suppressed (no mail transport)",
		slog.String("recipient", logger.SanitizedEmail(recipient)),
		slog.String("subject", subject))
	return nil
}
