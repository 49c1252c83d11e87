package newsletter

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/raybit/mailmate/internal/config"
	"github.com/raybit/mailmate/internal/pkg/logger"
)

// Sender delivers one rendered newsletter to one recipient.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// NewSender builds the configured delivery backend. The log sender is the
// default so a bare local config never sends real mail.
func NewSender(ctx context.Context, cfg config.NewsletterConfig) (Sender, error) {
	switch cfg.Provider {
	case "", "log":
		return &LogSender{}, nil
	case "ses":
		return NewSESSender(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown newsletter provider %q", cfg.Provider)
	}
}

// SESSender delivers through AWS SES using the SDK v2.
type SESSender struct {
	client *sesv2.Client
	from   string
}

func NewSESSender(ctx context.Context, cfg config.NewsletterConfig) (*SESSender, error) {
	region := cfg.SESRegion
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &SESSender{
		client: sesv2.NewFromConfig(awsCfg),
		from:   fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromEmail),
	}, nil
}

func (s *SESSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(htmlBody), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("SES send to %s: %w", logger.RedactEmail(to), err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	logger.Debug("newsletter: SES delivery accepted", "to", to, "sesMessageId", messageID)
	return nil
}

// LogSender logs instead of delivering. Used in local and test runs.
type LogSender struct{}

func (s *LogSender) Send(_ context.Context, to, subject, _ string) error {
	logger.Info("newsletter: would send (log provider)", "to", to, "subject", subject)
	return nil
}
