package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
)

// Sender delivers a prepared message.
type Sender interface {
	Send(ctx context.Context, msg *mail.Msg) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
}

// SMTPSender dials per message; e-mail jobs are sporadic enough that a
// persistent connection is not worth keeping.
type SMTPSender struct {
	cfg SMTPConfig
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

func (s *SMTPSender) Send(ctx context.Context, msg *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	if s.cfg.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// EmailSend sends a plain-text message described by the payload
// {"to","subject","body"} and returns its Message-ID.
type EmailSend struct {
	from   string
	sender Sender
}

func NewEmailSend(from string, sender Sender) *EmailSend {
	return &EmailSend{from: from, sender: sender}
}

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type emailResult struct {
	MessageID string `json:"messageId"`
}

func (h *EmailSend) Handle(ctx context.Context, task Task) Result {
	var p emailPayload
	if len(task.Payload) > 0 {
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return Failf("decode payload: %v", err)
		}
	}
	if p.To == "" || p.Subject == "" || p.Body == "" {
		return Failf("payload must include to, subject, and body")
	}

	m := mail.NewMsg()
	if err := m.From(h.from); err != nil {
		return Failf("set from: %v", err)
	}
	if err := m.To(p.To); err != nil {
		return Failf("set to: %v", err)
	}
	// no header injection through the subject
	m.Subject(strings.NewReplacer("\r", "", "\n", "").Replace(p.Subject))
	m.SetBodyString(mail.TypeTextPlain, p.Body)

	// Re-deliveries of the same job reuse the Message-ID.
	id := task.JobID.String() + "@" + domainOf(h.from)
	m.SetMessageIDWithValue(id)

	if err := h.sender.Send(ctx, m); err != nil {
		return Fail(err)
	}
	return OK(emailResult{MessageID: "<" + id + ">"})
}

func domainOf(addr string) string {
	addr = strings.TrimSuffix(strings.TrimSpace(addr), ">")
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
