package notifier

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
)

// Email is a rendered multipart message.
type Email struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
}

// Mailer delivers an email. Send returns nil only once the relay accepted the message.
type Mailer interface {
	Send(ctx context.Context, e Email) error
	Name() string
}

// SMTPConfig holds relay settings for SMTPMailer.
// TLSConfig overrides certificate verification for the relay; nil uses system roots.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	FromName  string
	Timeout   time.Duration
	TLSConfig *tls.Config
}

// SMTPMailer sends through an authenticated relay using STARTTLS (or implicit TLS on 465).
type SMTPMailer struct {
	cfg SMTPConfig
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Username == "" {
		cfg.Username = cfg.From
	}
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) Name() string { return "smtp" }

func (m *SMTPMailer) client() (*mail.Client, error) {
	var opts []mail.Option
	if m.cfg.Port == 465 {
		opts = append(opts, mail.WithSSLPort(false))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	}
	if m.cfg.TLSConfig != nil {
		opts = append(opts, mail.WithTLSConfig(m.cfg.TLSConfig))
	}
	// The explicit port goes last so the TLS helpers cannot replace it.
	opts = append(opts,
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.cfg.Username),
		mail.WithPassword(m.cfg.Password),
		mail.WithTimeout(m.cfg.Timeout),
		mail.WithPort(m.cfg.Port),
	)
	c, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return c, nil
}

func (m *SMTPMailer) message(e Email) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.FromFormat(m.cfg.FromName, m.cfg.From); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := msg.AddToFormat(e.ToName, e.To); err != nil {
		return nil, fmt.Errorf("to address: %w", err)
	}
	msg.Subject(e.Subject)
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, e.Text)
	if e.HTML != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, e.HTML)
	}
	return msg, nil
}

func (m *SMTPMailer) Send(ctx context.Context, e Email) error {
	msg, err := m.message(e)
	if err != nil {
		return err
	}
	c, err := m.client()
	if err != nil {
		return err
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", e.To, err)
	}
	return nil
}

// DryRunMailer logs messages instead of sending them.
type DryRunMailer struct {
	log zerolog.Logger
}

func NewDryRunMailer(log zerolog.Logger) *DryRunMailer {
	return &DryRunMailer{log: log.With().Str("component", "mailer").Logger()}
}

func (m *DryRunMailer) Name() string { return "dry-run" }

func (m *DryRunMailer) Send(_ context.Context, e Email) error {
	m.log.Info().
		Str("to", e.To).
		Str("subject", e.Subject).
		Msg("dry run, email not sent:\n" + e.Text)
	return nil
}

// SendWithRetry sends an email with exponential backoff retry.
func SendWithRetry(ctx context.Context, m Mailer, e Email, maxRetries int, log zerolog.Logger) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		err := m.Send(ctx, e)
		if err == nil {
			return nil
		}
		lastErr = err
		if i == maxRetries {
			break
		}
		backoff := time.Duration(1<<uint(i)) * time.Second
		log.Warn().Err(err).
			Int("attempt", i+1).
			Int("of", maxRetries+1).
			Dur("retry_in", backoff).
			Str("subject", e.Subject).
			Msg("email send failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("all %d attempts exhausted: %w", maxRetries+1, lastErr)
}
