// Package notify composes and sends the report-ready completion email.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/thesayf/deployai-sub003/internal/config"
	"github.com/thesayf/deployai-sub003/internal/model"
	"github.com/thesayf/deployai-sub003/pkg/resend"
)

// Notifier delivers the completion notification for a finished report.
type Notifier interface {
	SendReportReady(ctx context.Context, contact model.Contact, reportID string) (string, error)
}

var htmlBody = template.Must(template.New("report_ready").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #1a1a1a;">
<p>Hi {{.Name}},</p>
<p>Your AI readiness report is ready. It covers the problems we identified in
your responses, the tools we researched for them, and a prioritized
implementation plan.</p>
<p><a href="{{.Link}}" style="display:inline-block;padding:10px 18px;background:#1d4ed8;color:#ffffff;text-decoration:none;border-radius:6px;">View your report</a></p>
<p>If the button does not work, open this link:<br>{{.Link}}</p>
</body>
</html>
`))

// NopNotifier stands in when email delivery is not configured. It fails
// every send so reports keep email_sent_at unset and stay visible to the
// resend command once delivery is configured.
type NopNotifier struct{}

// SendReportReady always reports delivery as unavailable.
func (NopNotifier) SendReportReady(_ context.Context, _ model.Contact, reportID string) (string, error) {
	zap.L().Warn("email delivery disabled, notification not sent", zap.String("report_id", reportID))
	return "", eris.New("notify: email delivery disabled")
}

// EmailNotifier sends the completion email through the Resend API.
type EmailNotifier struct {
	client  resend.Client
	from    string
	replyTo string
	baseURL string
	titler  cases.Caser
}

// NewEmailNotifier creates a notifier. appBaseURL is the public site the
// report link points at.
func NewEmailNotifier(client resend.Client, cfg config.ResendConfig, appBaseURL string) *EmailNotifier {
	return &EmailNotifier{
		client:  client,
		from:    cfg.From,
		replyTo: cfg.ReplyTo,
		baseURL: strings.TrimRight(appBaseURL, "/"),
		titler:  cases.Title(language.English),
	}
}

// SendReportReady sends the completion email and returns the provider message
// ID. The caller decides whether a failure is fatal; it never is for the
// pipeline itself.
func (n *EmailNotifier) SendReportReady(ctx context.Context, contact model.Contact, reportID string) (string, error) {
	if contact.Email == "" {
		return "", eris.Errorf("notify: contact for report %s has no email", reportID)
	}

	name := n.greetingName(contact)
	link := fmt.Sprintf("%s/report/%s", n.baseURL, reportID)

	var buf bytes.Buffer
	if err := htmlBody.Execute(&buf, struct {
		Name string
		Link string
	}{Name: name, Link: link}); err != nil {
		return "", eris.Wrap(err, "notify: render email")
	}

	text := fmt.Sprintf(
		"Hi %s,\n\nYour AI readiness report is ready.\n\nView it here: %s\n",
		name, link,
	)

	resp, err := n.client.SendEmail(ctx, resend.SendEmailRequest{
		From:    n.from,
		To:      []string{contact.Email},
		Subject: "Your AI readiness report is ready",
		HTML:    buf.String(),
		Text:    text,
		ReplyTo: n.replyTo,
	})
	if err != nil {
		return "", eris.Wrapf(err, "notify: send report %s", reportID)
	}

	zap.L().Info("completion email sent",
		zap.String("report_id", reportID),
		zap.String("message_id", resp.ID),
	)
	return resp.ID, nil
}

// greetingName title-cases the contact's first name, falling back to "there"
// so the salutation never reads empty.
func (n *EmailNotifier) greetingName(contact model.Contact) string {
	name := strings.TrimSpace(contact.FirstName)
	if name == "" {
		return "there"
	}
	return n.titler.String(strings.ToLower(name))
}
