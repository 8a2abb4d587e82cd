package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	"diet-report/internal/models"
	"diet-report/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

type sesAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, opts ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// Email mails the retrieval link through SES.
type Email struct {
	client    sesAPI
	sender    string
	publicURL string
	logger    *logger.Logger
}

func NewEmail(cfg aws.Config, sender, publicURL string, log *logger.Logger) *Email {
	return &Email{
		client:    ses.NewFromConfig(cfg),
		sender:    sender,
		publicURL: publicURL,
		logger:    log.Named("email"),
	}
}

func (e *Email) Name() string { return "email" }

func (e *Email) ReportReady(ctx context.Context, r *models.Report, p models.Profile) error {
	to := strings.TrimSpace(p.Email)
	if to == "" {
		return nil
	}
	link := Link(e.publicURL, r.AccessToken)
	text := readyText(p.Name, link, r.ExpiresAt)
	htmlBody := "<p>" + strings.ReplaceAll(html.EscapeString(text), "\n", "<br>") + "</p>" +
		`<p><a href="` + html.EscapeString(link) + `">Open your report</a></p>`

	input := &ses.SendEmailInput{
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String("Your nutrition report is ready"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(text),
				},
				Html: &types.Content{
					Data: aws.String(htmlBody),
				},
			},
		},
		Source: aws.String(e.sender),
	}

	if _, err := e.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("email send failed: %w", err)
	}
	e.logger.Infow("Report link mailed", "report", r.ID)
	return nil
}
