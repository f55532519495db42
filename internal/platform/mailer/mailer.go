package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/keymarket/api/internal/platform/config"
)

// ErrCircuitOpen is returned while the SMTP breaker rejects sends.
var ErrCircuitOpen = errors.New("mailer: smtp circuit open")

// Message is one outbound email.
type Message struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers email.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type deliverFunc func(ctx context.Context, msg *mail.Msg) error

// SMTPSender sends through an SMTP relay behind a circuit breaker so a dead relay
// fails fast instead of tying up background workers.
type SMTPSender struct {
	from     string
	fromName string
	deliver  deliverFunc
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewSMTPSender builds a sender from cfg. The SMTP connection is opened per send.
func NewSMTPSender(cfg config.MailConfig, logger *zap.Logger) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("mailer: host is required")
	}
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(tlsPolicy(cfg.TLSPolicy)),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(cfg.Timeout))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("mailer: create smtp client: %w", err)
	}
	return newSender(cfg.From, cfg.FromName, func(ctx context.Context, msg *mail.Msg) error {
		return client.DialAndSendWithContext(ctx, msg)
	}, logger), nil
}

func newSender(from, fromName string, deliver deliverFunc, logger *zap.Logger) *SMTPSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SMTPSender{from: from, fromName: fromName, deliver: deliver, logger: logger}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("mailer: circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return s
}

// Send builds a multipart message and delivers it.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return errors.New("mailer: recipient is required")
	}

	m := mail.NewMsg()
	if err := m.FromFormat(s.fromName, s.from); err != nil {
		return fmt.Errorf("mailer: from address: %w", err)
	}
	if err := m.AddToFormat(msg.ToName, msg.To); err != nil {
		return fmt.Errorf("mailer: to address: %w", err)
	}
	m.Subject(msg.Subject)
	if msg.HTML != "" {
		m.SetBodyString(mail.TypeTextHTML, msg.HTML)
		if msg.Text != "" {
			m.AddAlternativeString(mail.TypeTextPlain, msg.Text)
		}
	} else {
		m.SetBodyString(mail.TypeTextPlain, msg.Text)
	}

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.deliver(ctx, m)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	if err != nil {
		return fmt.Errorf("mailer: send: %w", err)
	}
	return nil
}

// LogSender records messages instead of sending them; used when mail is disabled.
type LogSender struct {
	Logger *zap.Logger
}

// Send implements Sender.
func (s LogSender) Send(_ context.Context, msg Message) error {
	if s.Logger != nil {
		s.Logger.Info("mailer: delivery disabled, message dropped",
			zap.String("to", msg.To),
			zap.String("subject", msg.Subject))
	}
	return nil
}

func tlsPolicy(raw string) mail.TLSPolicy {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "opportunistic":
		return mail.TLSOpportunistic
	case "none", "notls":
		return mail.NoTLS
	default:
		return mail.TLSMandatory
	}
}
