// Package notification renders and delivers the transactional emails of the
// appeal service: account verification, password reset, and the patient and
// provider invitations sent from an appeal.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Template IDs
// ---------------------------------------------------------------------------

const (
	TemplateVerifyEmail        = "verify-email"
	TemplatePasswordReset      = "password-reset"
	TemplatePatientSignup      = "patient-signup-invitation"
	TemplatePatientDraftReady  = "patient-draft-ready"
	TemplateProfessionalInvite = "professional-signup-invitation"
)

// ---------------------------------------------------------------------------
// Sender interface
// ---------------------------------------------------------------------------

// EmailSender delivers a rendered email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template is a subject/body pair with {{key}} placeholders.
type Template struct {
	ID      string
	Subject string
	Body    string
}

type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, t := range builtIn {
		t := t
		e.templates[t.ID] = &t
	}
	return e
}

var builtIn = []Template{
	{
		ID:      TemplateVerifyEmail,
		Subject: "Verify your Fight Paperwork account",
		Body: "Welcome to Fight Paperwork.\n\n" +
			"Please confirm your email address by visiting:\n{{verify_link}}\n\n" +
			"This link expires in {{expires_in}}.",
	},
	{
		ID:      TemplatePasswordReset,
		Subject: "Reset your Fight Paperwork password",
		Body: "We received a request to reset your password.\n\n" +
			"Use this link to choose a new one:\n{{reset_link}}\n\n" +
			"If you did not ask for this you can ignore this email.",
	},
	{
		ID:      TemplatePatientSignup,
		Subject: "Your provider started an insurance appeal for you",
		Body: "{{from_line}}started an appeal of your insurance denial on Fight Paperwork.\n\n" +
			"Create your free account to review it:\n{{signup_link}}\n\n" +
			"Questions? Call the practice at {{practice_number}}.",
	},
	{
		ID:      TemplatePatientDraftReady,
		Subject: "A draft appeal is ready for you",
		Body: "{{from_line}}prepared a draft appeal for your insurance denial.\n\n" +
			"Log in to review and finish it:\n{{login_link}}\n\n" +
			"Questions? Call the practice at {{practice_number}}.",
	},
	{
		ID:      TemplateProfessionalInvite,
		Subject: "{{professional_name}} invited you to collaborate on an appeal",
		Body: "{{professional_name}} invited you to help with an insurance appeal on Fight Paperwork.\n\n" +
			"Sign up here:\n{{signup_link}}\n\n" +
			"Practice phone: {{practice_number}}.",
	},
}

var leftoverPlaceholder = regexp.MustCompile(`\{\{[a-z_]+\}\}`)

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render substitutes data into the template. Placeholders without data are
// removed.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	subject = leftoverPlaceholder.ReplaceAllString(subject, "")
	body = leftoverPlaceholder.ReplaceAllString(body, "")
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

// Notifier renders a template and hands the result to an EmailSender.
type Notifier struct {
	sender EmailSender
	tpl    *TemplateEngine
	logger zerolog.Logger
}

func NewNotifier(sender EmailSender, tpl *TemplateEngine, logger zerolog.Logger) *Notifier {
	return &Notifier{sender: sender, tpl: tpl, logger: logger}
}

func (n *Notifier) Send(ctx context.Context, templateID, to string, data map[string]string) error {
	if to == "" {
		return errors.New("notification: recipient is required")
	}
	subject, body, err := n.tpl.Render(templateID, data)
	if err != nil {
		return err
	}
	if err := n.sender.SendEmail(ctx, to, subject, body); err != nil {
		n.logger.Error().Err(err).Str("template", templateID).Msg("email delivery failed")
		return fmt.Errorf("send %s email: %w", templateID, err)
	}
	n.logger.Info().Str("template", templateID).Msg("email sent")
	return nil
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

// SMTPSender delivers plain-text mail through an SMTP relay without auth,
// the usual setup for a local relay or sidecar.
type SMTPSender struct {
	Addr    string
	From    string
	Timeout time.Duration
}

func (s *SMTPSender) SendEmail(ctx context.Context, to, subject, body string) error {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", s.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	host, _, _ := net.SplitHostPort(s.Addr)
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if err := c.Mail(s.From); err != nil {
		return fmt.Errorf("smtp MAIL: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp RCPT: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(formatMessage(s.From, to, subject, body)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return c.Quit()
}

func formatMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + strings.ReplaceAll(subject, "\n", " ") + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// LogSender logs emails instead of sending them. Development only; bodies
// carry tokens and are logged at debug level.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.Logger.Info().Str("to", to).Str("subject", subject).Msg("email (not sent)")
	s.Logger.Debug().Str("body", body).Msg("email body")
	return nil
}

// ---------------------------------------------------------------------------
// Mock Sender (test double)
// ---------------------------------------------------------------------------

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
}

func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New("mock email failure")
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}
