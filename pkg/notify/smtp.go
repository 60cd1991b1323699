package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wneessen/go-mail"
)

const defaultSendTimeout = 15 * time.Second

// SMTPConfig holds mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	UseTLS   bool
	Timeout  time.Duration
}

// SMTP sends multipart plain text and HTML mail through one server.
type SMTP struct {
	cfg    SMTPConfig
	logger *slog.Logger
	// send is swapped in tests.
	send func(ctx context.Context, msg *mail.Msg) error
}

// NewSMTP validates cfg and returns a notifier. The connection is opened per
// message.
func NewSMTP(cfg SMTPConfig, logger *slog.Logger) (*SMTP, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSendTimeout
	}
	if logger == nil {
		logger = slog.Default().With("component", "notify")
	}
	s := &SMTP{cfg: cfg, logger: logger}
	s.send = s.dialAndSend
	return s, nil
}

// clientOptions picks the transport security from the port: 587 upgrades
// with STARTTLS, 465 speaks TLS from the first byte, and any other port uses
// implicit TLS only when UseTLS is set.
func (s *SMTP) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTimeout(s.cfg.Timeout),
	}
	switch {
	case s.cfg.Port == 587:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case s.cfg.Port == 465, s.cfg.UseTLS:
		opts = append(opts, mail.WithSSL())
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if s.cfg.User != "" && s.cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.User),
			mail.WithPassword(s.cfg.Password),
		)
	}
	return opts
}

func (s *SMTP) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	client, err := mail.NewClient(s.cfg.Host, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

func (s *SMTP) newMsg(to, subject string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("from %q: %w", s.cfg.From, err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("to %q: %w", to, err)
	}
	msg.Subject(subject)
	return msg, nil
}

func (s *SMTP) NotifyApproval(ctx context.Context, to, model, apiKey, gatewayURL string) bool {
	msg, err := s.newMsg(to, fmt.Sprintf("API Key Approved for %s", model))
	if err == nil {
		data := approvalData{Model: model, APIKey: apiKey, GatewayURL: gatewayURL}
		if err = msg.SetBodyTextTemplate(approvalText, data); err == nil {
			err = msg.AddAlternativeHTMLTemplate(approvalHTML, data)
		}
	}
	return s.deliver(ctx, msg, err, "approval", to, model)
}

func (s *SMTP) NotifyDenial(ctx context.Context, to, model, reason string) bool {
	msg, err := s.newMsg(to, fmt.Sprintf("API Key Request Denied for %s", model))
	if err == nil {
		data := denialData{Model: model, Reason: reason}
		if err = msg.SetBodyTextTemplate(denialText, data); err == nil {
			err = msg.AddAlternativeHTMLTemplate(denialHTML, data)
		}
	}
	return s.deliver(ctx, msg, err, "denial", to, model)
}

func (s *SMTP) NotifyReview(ctx context.Context, to, subject, body string) bool {
	msg, err := s.newMsg(to, subject)
	if err == nil {
		msg.SetBodyString(mail.TypeTextPlain, body)
	}
	return s.deliver(ctx, msg, err, "review", to, "")
}

func (s *SMTP) deliver(ctx context.Context, msg *mail.Msg, buildErr error, kind, to, model string) bool {
	if buildErr == nil {
		buildErr = s.send(ctx, msg)
	}
	if buildErr != nil {
		s.logger.ErrorContext(ctx, "send email failed", "kind", kind, "to", to, "model", model, "error", buildErr)
		return false
	}
	s.logger.InfoContext(ctx, "email sent", "kind", kind, "to", to, "model", model)
	return true
}
