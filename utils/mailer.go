package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"cadence/config"
)

// Email is a single outbound delivery request. MessageID is the caller's
// correlation id; when empty the mailer generates one.
type Email struct {
	To        string
	Subject   string
	Body      string
	MessageID string
}

// Mailer is the delivery service boundary. Send returns the message id used
// for tracking and reply correlation, or an error when the send is rejected
// or times out.
type Mailer interface {
	Send(email Email) (string, error)
}

// SMTPMailer delivers through the configured SMTP relay via gomail.
type SMTPMailer struct {
	cfg     config.SMTPConfig
	timeout time.Duration
}

func NewSMTPMailer(cfg config.SMTPConfig, timeout time.Duration) *SMTPMailer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPMailer{cfg: cfg, timeout: timeout}
}

// Send delivers the email under a bounded timeout. A timed-out send is
// reported as a failure even if the relay later accepts it; the enrollment
// lease prevents a duplicate fire on the same due item.
func (sm *SMTPMailer) Send(email Email) (string, error) {
	if err := checkmail.ValidateFormat(email.To); err != nil {
		return "", fmt.Errorf("invalid recipient address %q: %w", email.To, err)
	}

	messageID := email.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(sm.cfg.FromEmail, sm.cfg.FromName))
	m.SetHeader("To", email.To)
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", formatMessageID(messageID, sm.cfg.FromEmail))
	m.SetBody("text/html", email.Body)

	dialer := gomail.NewDialer(sm.cfg.Host, sm.cfg.Port, sm.cfg.Username, sm.cfg.Password)

	errCh := make(chan error, 1)
	go func() {
		errCh <- dialer.DialAndSend(m)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("smtp send failed: %w", err)
		}
		return messageID, nil
	case <-time.After(sm.timeout):
		return "", fmt.Errorf("smtp send timed out after %s", sm.timeout)
	}
}

// formatMessageID builds an RFC 5322 style message id scoped to the
// sender's domain so inbound replies can be matched back.
func formatMessageID(id, fromEmail string) string {
	domain := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at != -1 && at < len(fromEmail)-1 {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", id, domain)
}

// ParseMessageID extracts the correlation id from an RFC 5322 message id
// header value like "<id@domain>".
func ParseMessageID(header string) string {
	id := strings.TrimSpace(header)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	if at := strings.LastIndex(id, "@"); at != -1 {
		id = id[:at]
	}
	return id
}
