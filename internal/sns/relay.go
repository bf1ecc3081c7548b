package sns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/koperasi/internal/notify"
)

// PublishAPI is the slice of the SNS client the relay uses.
type PublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Config struct {
	Region string
	// Endpoint overrides the service endpoint, e.g. for LocalStack.
	Endpoint string
	SenderID string
}

// SMSRelay delivers notification messages as SMS through AWS SNS. It is the
// fallback provider when WhatsApp is unavailable.
type SMSRelay struct {
	client   PublishAPI
	senderID string
	logger   *zap.Logger
}

func NewSMSRelay(ctx context.Context, cfg Config, logger *zap.Logger) (*SMSRelay, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSMSRelayWithClient(client, cfg.SenderID, logger), nil
}

func NewSMSRelayWithClient(client PublishAPI, senderID string, logger *zap.Logger) *SMSRelay {
	return &SMSRelay{client: client, senderID: senderID, logger: logger}
}

func (r *SMSRelay) Name() string { return "sns" }

// Deliver publishes msg as a transactional SMS to the E.164 form of the
// recipient.
func (r *SMSRelay) Deliver(ctx context.Context, msg notify.Message) error {
	if msg.Recipient == "" {
		return errors.New("sms recipient is empty")
	}
	if msg.Body == "" {
		return errors.New("sms message is empty")
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if r.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(r.senderID),
		}
	}

	result, err := r.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(e164(msg.Recipient)),
		Message:           aws.String(msg.Body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	r.logger.Info("SMS sent via SNS",
		zap.String("kind", string(msg.Kind)),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func e164(phone string) string {
	if strings.HasPrefix(phone, "+") {
		return phone
	}
	return "+" + phone
}
