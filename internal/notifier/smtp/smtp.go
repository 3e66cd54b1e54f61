// Package smtp delivers digests by email.
package smtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"tgdigest/internal/model"
	"tgdigest/internal/notifier"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLS is one of "starttls" (default), "tls" or "none".
	TLS     string
	Timeout time.Duration
}

// Transport sends one message per call over a fresh connection.
type Transport struct {
	cfg Config
}

func New(cfg Config) (*Transport, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is empty")
	}
	if strings.TrimSpace(cfg.From) == "" {
		cfg.From = cfg.Username
	}
	if cfg.Port == 0 {
		cfg.Port = 587
		if strings.EqualFold(cfg.TLS, "tls") {
			cfg.Port = 465
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Transport{cfg: cfg}, nil
}

func (t *Transport) Name() string { return "smtp" }

func (t *Transport) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(t.cfg.Port),
		mail.WithTimeout(t.cfg.Timeout),
	}
	switch strings.ToLower(strings.TrimSpace(t.cfg.TLS)) {
	case "tls":
		opts = append(opts, mail.WithSSLPort(false))
	case "none":
		opts = append(opts, mail.WithTLSPortPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	}
	if t.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(t.cfg.Username),
			mail.WithPassword(t.cfg.Password),
		)
	}
	return mail.NewClient(t.cfg.Host, opts...)
}

// Message builds the MIME message for m.
func (t *Transport) Message(recipient string, m notifier.Mail) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(t.cfg.From); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if err := msg.To(recipient); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	msg.Subject(m.Subject)
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, m.Text)
	if m.HTML != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, m.HTML)
	}
	return msg, nil
}

func (t *Transport) Send(ctx context.Context, recipient string, m notifier.Mail) error {
	msg, err := t.Message(recipient, m)
	if err != nil {
		return model.NewPermanent(err)
	}
	c, err := t.client()
	if err != nil {
		return model.NewPermanent(err)
	}
	return Classify(c.DialAndSendWithContext(ctx, msg))
}

// Classify maps a delivery error onto transient or permanent. SMTP 5xx
// replies and authentication failures are permanent; 4xx replies,
// network errors and timeouts are transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var tp *textproto.Error
	if errors.As(err, &tp) {
		if tp.Code >= 500 {
			return model.NewPermanent(err)
		}
		return model.NewTransient(err)
	}
	var se *mail.SendError
	if errors.As(err, &se) {
		if se.IsTemp() {
			return model.NewTransient(err)
		}
		if se.Reason == mail.ErrSMTPMailFrom || se.Reason == mail.ErrSMTPRcptTo {
			return model.NewPermanent(err)
		}
		return model.NewTransient(err)
	}
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.NewTransient(err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "auth") {
		return model.NewPermanent(err)
	}
	return model.NewTransient(err)
}
