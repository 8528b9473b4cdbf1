package sns

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/hub-otp/internal/domain"
)

// PublishAPI is the subset of the SNS client used for SMS delivery.
type PublishAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Channel sends OTP codes as transactional SMS via AWS SNS.
type Channel struct {
	client   PublishAPI
	senderID string
}

func New(client PublishAPI, senderID string) *Channel {
	return &Channel{client: client, senderID: senderID}
}

// NewFromConfig builds a Channel from a loaded AWS config.
func NewFromConfig(cfg aws.Config, senderID string) *Channel {
	return New(sns.NewFromConfig(cfg), senderID)
}

func (s *Channel) Name() string { return "sms" }

// Send publishes message to +identity.
func (s *Channel) Send(ctx context.Context, identity, message string) (domain.Receipt, error) {
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(s.senderID)}
	}
	out, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String("+" + identity),
		Message:           aws.String(message),
		MessageAttributes: attrs,
	})
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("sns publish: %w", err)
	}
	return domain.Receipt{ProviderMessageID: aws.ToString(out.MessageId)}, nil
}
