// Package email sends moderation notices over SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	EnableTLS bool
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config   Config
	server   string
	auth     smtp.Auth
	sendMail sendFunc
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends a multipart email with a plain text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	if len(to) == 0 {
		return fmt.Errorf("email has no recipients")
	}

	boundary := "boundary-community-board"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.sendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// ModerationNoticeData feeds the moderation notice template.
type ModerationNoticeData struct {
	AppName      string
	UserName     string
	Action       string
	ContentLabel string
	ContentTitle string
	Reason       string
}

// SendModerationNotice tells an author that moderators acted on their content.
func (s *Service) SendModerationNotice(to string, data ModerationNoticeData) error {
	if data.AppName == "" {
		data.AppName = "Community Board"
	}
	subject := fmt.Sprintf("Your %s was moderated", data.ContentLabel)
	html, err := renderTemplate(moderationNoticeTemplate, data)
	if err != nil {
		return fmt.Errorf("render moderation template: %w", err)
	}
	text := fmt.Sprintf("Hi %s,\n\nA moderator applied the action %q to your %s %q.\nReason: %s\n",
		data.UserName, data.Action, data.ContentLabel, data.ContentTitle, data.Reason)

	return s.SendHTMLEmail([]string{to}, subject, text, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const moderationNoticeTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}} moderation notice</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .reason { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.UserName}},</p>

    <p>A moderator applied the action <strong>{{.Action}}</strong> to your {{.ContentLabel}} "{{.ContentTitle}}".</p>

    <div class="reason">
        <strong>Reason:</strong> {{.Reason}}
    </div>

    <div class="footer">
        <p>If you believe this was a mistake, reply to this email to reach the moderation team.</p>
    </div>
</body>
</html>`
