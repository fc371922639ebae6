package channel

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"

	"leadflow/config"
	"leadflow/utils"
)

// EmailSender sends campaign email over the configured SMTP account. Open
// tracking is injected into every message so the pixel route can report the
// read stage.
type EmailSender struct {
	cfg     config.SMTPConfig
	baseURL string
}

func NewEmailSender(cfg config.SMTPConfig, baseURL string) *EmailSender {
	return &EmailSender{cfg: cfg, baseURL: baseURL}
}

func (s *EmailSender) Send(ctx context.Context, msg Message) (string, error) {
	if s.cfg.Host == "" {
		return "", Permanent(fmt.Errorf("email channel is not configured"))
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.cfg.FromEmail, s.cfg.FromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", msg.MessageID, s.fromDomain()))

	body := utils.InjectOpenTracking(msg.Body, s.baseURL, msg.MessageID)
	m.SetBody("text/html", body)

	dialer := gomail.NewDialer(s.cfg.Host, s.cfg.Port, s.cfg.Username, s.cfg.Password)

	// gomail has no context support, so run the dial-and-send in a
	// goroutine and let ctx abandon it.
	done := make(chan error, 1)
	go func() {
		done <- dialer.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return "", Transient(ctx.Err())
	case err := <-done:
		if err != nil {
			return "", classifySMTPError(err)
		}
	}
	return msg.MessageID, nil
}

func (s *EmailSender) fromDomain() string {
	if at := strings.LastIndex(s.cfg.FromEmail, "@"); at != -1 {
		return s.cfg.FromEmail[at+1:]
	}
	return "localhost"
}

// classifySMTPError sorts SMTP failures into the retry taxonomy. Hard
// rejection codes and malformed addresses are permanent, everything else
// (connection refused, greylisting, 4xx) gets retried.
func classifySMTPError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"550", "551", "553", // mailbox unavailable / user not local / bad mailbox name
		"no such user",
		"invalid address",
		"invalid recipient",
	} {
		if strings.Contains(msg, marker) {
			return Permanent(err)
		}
	}
	return Transient(err)
}
