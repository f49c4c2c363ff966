package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
)

// CloudMailer submits through the managed cloud email service, one API call
// per recipient. Templates are fully rendered locally since the service does
// no substitution for raw sends.
type CloudMailer struct {
	reporter Reporter
	logger   *slog.Logger

	// newClient is overridable in tests.
	newClient func(region, access, secret string) sesClient
}

type sesClient interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, opts ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// NewCloudMailer creates the cloud mailer adapter.
func NewCloudMailer(reporter Reporter) *CloudMailer {
	return &CloudMailer{
		reporter: reporter,
		logger:   slog.Default().With("component", "provider-cloudmailer"),
		newClient: func(region, access, secret string) sesClient {
			return sesv2.New(sesv2.Options{
				Region:      region,
				Credentials: credentials.NewStaticCredentialsProvider(access, secret, ""),
			})
		},
	}
}

func (c *CloudMailer) Kind() model.ProviderKind {
	return model.ProviderCloudMailer
}

func (c *CloudMailer) Send(ctx context.Context, task *Task) error {
	region := task.Settings["region"]
	access := task.Settings["access"]
	secret := task.Settings["secret"]
	if region == "" || access == "" || secret == "" {
		return fmt.Errorf("provider: cloudmailer settings incomplete")
	}
	client := c.newClient(region, access, secret)

	var firstErr error
	for i := range task.Recipients {
		rcpt := &task.Recipients[i]
		resolve := task.systemResolver(rcpt, randomSuffix(8))
		html := RenderForRecipient(task.HTML, rcpt.Fields, resolve)
		subject := RenderForRecipient(task.Subject, rcpt.Fields, resolve)

		in := &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(task.Params.From),
			Destination:      &types.Destination{ToAddresses: []string{rcpt.Email}},
			Content: &types.EmailContent{
				Simple: &types.Message{
					Subject: &types.Content{Data: aws.String(subject)},
					Body: &types.Body{
						Html: &types.Content{Data: aws.String(html)},
					},
				},
			},
		}
		if task.Params.ReplyTo != "" {
			in.ReplyToAddresses = []string{task.Params.ReplyTo}
		}

		if _, err := client.SendEmail(ctx, in); err != nil {
			c.logger.Warn("send failed", "email", rcpt.Email, "error", err)
			_ = c.reporter.RecordFailure(ctx, task.record(rcpt), err.Error())
			if firstErr == nil {
				firstErr = fmt.Errorf("provider: cloudmailer send: %w", err)
			}
			continue
		}
		if err := c.reporter.RecordSend(ctx, task.record(rcpt)); err != nil {
			c.logger.Warn("record send failed", "error", err)
		}
	}
	return firstErr
}
