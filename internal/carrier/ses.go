package carrier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/cadencehq/cadence/internal/apperr"
	"github.com/cadencehq/cadence/internal/config"
)

// SES sends email through the AWS SES v2 API.
type SES struct {
	client   *sesv2.Client
	fromName string
	from     string
}

// NewSES creates an SES carrier. Static credentials from config take
// precedence; otherwise the default chain applies.
func NewSES(ctx context.Context, cfg config.EmailConfig) (*SES, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &SES{
		client:   sesv2.NewFromConfig(awsCfg),
		fromName: cfg.FromName,
		from:     cfg.FromEmail,
	}, nil
}

// Send delivers one email and returns the SES message id.
func (s *SES) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	from := msg.From
	if from == "" {
		from = s.from
	}
	fromName := msg.FromName
	if fromName == "" {
		fromName = s.fromName
	}

	body := &types.Body{}
	if msg.TextBody != "" {
		body.Text = &types.Content{Data: aws.String(msg.TextBody)}
	}
	if msg.HTMLBody != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTMLBody)}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", fromName, from)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject)},
				Body:    body,
			},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	output, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifySESError(err)
	}

	log.Printf("[SES] Accepted message for lead %s (id: %s)", msg.LeadID, aws.ToString(output.MessageId))
	return &SendResult{ExternalID: aws.ToString(output.MessageId), AcceptedAt: time.Now()}, nil
}

func classifySESError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "SendingPausedException", "InternalServiceErrorException":
			return apperr.Wrap(apperr.CodeCarrierTransient, "ses send failed", err)
		case "MessageRejected", "AccountSuspendedException", "BadRequestException", "NotFoundException":
			return apperr.Wrap(apperr.CodeCarrierPermanent, "ses send rejected", err)
		}
	}
	return apperr.Wrap(apperr.CodeCarrierTransient, "ses send failed", err)
}
