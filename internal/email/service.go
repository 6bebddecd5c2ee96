// Package email sends account and discussion notifications over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	AppName  string
}

// Service sends mail through one SMTP relay. The send function is swapped in
// tests.
type Service struct {
	config Config
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(config Config) *Service {
	if config.AppName == "" {
		config.AppName = "Q&A"
	}
	return &Service{config: config, send: smtp.SendMail}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// Message is one outgoing HTML mail with a plain-text fallback.
type Message struct {
	To      []string
	Subject string
	HTML    string
	Text    string
}

func (s *Service) Send(msg Message) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(msg.To) == 0 {
		return errors.New("email has no recipients")
	}
	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}
	return s.send(s.config.Host+":"+s.config.Port, auth, s.config.From, msg.To, s.build(msg))
}

func (s *Service) build(msg Message) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	text := msg.Text
	if text == "" {
		text = "Please view this email in an HTML-capable email client."
	}
	const boundary = "qaforum-alternative"

	var b bytes.Buffer
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n\r\n", boundary, text)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n\r\n", boundary, msg.HTML)
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return b.Bytes()
}

// ReplyData feeds the reply notification template.
type ReplyData struct {
	AppName       string
	RecipientName string
	ReplierName   string
	Excerpt       string
	ThreadURL     string
}

// SendReplyNotification tells the author of a question or reply that someone
// answered them.
func (s *Service) SendReplyNotification(to string, data ReplyData) error {
	data.AppName = s.config.AppName
	html, err := render(replyTemplate, data)
	if err != nil {
		return fmt.Errorf("render reply template: %w", err)
	}
	return s.Send(Message{
		To:      []string{to},
		Subject: fmt.Sprintf("%s replied to you", data.ReplierName),
		HTML:    html,
		Text:    fmt.Sprintf("%s replied: %s\n\n%s", data.ReplierName, data.Excerpt, data.ThreadURL),
	})
}

type linkData struct {
	AppName  string
	UserName string
	URL      string
}

func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	html, err := render(verificationTemplate, linkData{AppName: s.config.AppName, UserName: userName, URL: verificationURL})
	if err != nil {
		return fmt.Errorf("render verification template: %w", err)
	}
	return s.Send(Message{
		To:      []string{to},
		Subject: fmt.Sprintf("Verify your %s account", s.config.AppName),
		HTML:    html,
		Text:    "Verify your email address: " + verificationURL,
	})
}

func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	html, err := render(passwordResetTemplate, linkData{AppName: s.config.AppName, UserName: userName, URL: resetURL})
	if err != nil {
		return fmt.Errorf("render password reset template: %w", err)
	}
	return s.Send(Message{
		To:      []string{to},
		Subject: fmt.Sprintf("Reset your %s password", s.config.AppName),
		HTML:    html,
		Text:    "Reset your password: " + resetURL,
	})
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const layoutStyle = `body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .quote { border-left: 3px solid #ddd; padding-left: 12px; color: #555; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }`

var replyTemplate = template.Must(template.New("reply").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><style>` + layoutStyle + `</style></head>
<body>
    <p>Hi {{.RecipientName}},</p>
    <p><strong>{{.ReplierName}}</strong> replied in a discussion you are part of:</p>
    <p class="quote">{{.Excerpt}}</p>
    <p><a href="{{.ThreadURL}}" class="button">View the discussion</a></p>
    <div class="footer"><p>You received this because you posted on {{.AppName}}.</p></div>
</body>
</html>`))

var verificationTemplate = template.Must(template.New("verify").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><style>` + layoutStyle + `</style></head>
<body>
    <h2>Welcome, {{.UserName}}!</h2>
    <p>Please verify your email address to start asking questions on {{.AppName}}.</p>
    <p><a href="{{.URL}}" class="button">Verify Email Address</a></p>
    <p>This link expires in 24 hours.</p>
</body>
</html>`))

var passwordResetTemplate = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><style>` + layoutStyle + `</style></head>
<body>
    <p>Hi {{.UserName}},</p>
    <p>We received a request to reset your {{.AppName}} password.</p>
    <p><a href="{{.URL}}" class="button">Reset Password</a></p>
    <p>This link expires in 1 hour. If you did not ask for it, ignore this email.</p>
</body>
</html>`))
