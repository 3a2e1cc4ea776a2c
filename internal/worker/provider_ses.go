package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/service/sending"
)

// SESAPI is the part of the SES v2 client the email provider uses.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESDefaults are used for provider rows that do not carry their own
// region or credentials.
type SESDefaults struct {
	Region    string
	AccessKey string
	SecretKey string
}

// SESProvider sends email through AWS SES v2.
type SESProvider struct {
	client           SESAPI
	from             string
	configurationSet string
}

// NewSESProvider wraps an SES client. from is used when a message has no
// sender of its own.
func NewSESProvider(client SESAPI, from, configurationSet string) *SESProvider {
	return &SESProvider{client: client, from: from, configurationSet: configurationSet}
}

// SESFactory builds SES providers from provider rows. Row data keys:
// region, access_key, secret_key, from, configuration_set.
func SESFactory(defaults SESDefaults) sending.Factory {
	return func(p *domain.Provider) (sending.Provider, error) {
		region := firstNonEmpty(p.Data["region"], defaults.Region, "us-east-1")
		accessKey := firstNonEmpty(p.Data["access_key"], defaults.AccessKey)
		secretKey := firstNonEmpty(p.Data["secret_key"], defaults.SecretKey)

		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
		if accessKey != "" && secretKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
		}
		cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		logger.Info("ses provider initialized", "provider_id", p.ID, "region", region)
		return NewSESProvider(sesv2.NewFromConfig(cfg), p.Data["from"], p.Data["configuration_set"]), nil
	}
}

// Send delivers one email.
func (s *SESProvider) Send(ctx context.Context, msg *sending.Message) (*sending.Result, error) {
	from := firstNonEmpty(msg.From, s.from)
	if from == "" {
		return nil, sending.Permanent(errors.New("ses: no from address"))
	}

	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(strconv.FormatInt(msg.Key.CampaignID, 10))},
			{Name: aws.String("user_id"), Value: aws.String(strconv.FormatInt(msg.Key.UserID, 10))},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifySESError(err)
	}
	return &sending.Result{MessageID: aws.ToString(out.MessageId)}, nil
}

// classifySESError marks rejections and account problems permanent. Quota
// errors and anything unrecognised stay retryable.
func classifySESError(err error) error {
	var (
		rejected     *types.MessageRejected
		unverified   *types.MailFromDomainNotVerifiedException
		suspended    *types.AccountSuspendedException
		paused       *types.SendingPausedException
		badRequest   *types.BadRequestException
		notFound     *types.NotFoundException
		tooMany      *types.TooManyRequestsException
		limitReached *types.LimitExceededException
	)
	switch {
	case errors.As(err, &tooMany), errors.As(err, &limitReached):
		return sending.Temporary(fmt.Errorf("ses: %w", err))
	case errors.As(err, &rejected), errors.As(err, &unverified), errors.As(err, &suspended),
		errors.As(err, &paused), errors.As(err, &badRequest), errors.As(err, &notFound):
		return sending.Permanent(fmt.Errorf("ses: %w", err))
	}
	return sending.Temporary(fmt.Errorf("ses: %w", err))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
