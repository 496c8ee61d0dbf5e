package mail

import (
	"context"
	"fmt"
	"time"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/apistudio/server/internal/config"
)

// Mailer sends the transactional messages the auth flows depend on.
type Mailer interface {
	// TestConnection dials the SMTP server and returns an error when it
	// is unreachable or rejects authentication. Bootstrap refuses to
	// proceed when this fails, so OTPs are never created undeliverably.
	TestConnection(ctx context.Context) error
	SendOTP(ctx context.Context, to, otp, purpose string) error
	SendInvitation(ctx context.Context, to, role, otp string, expiresAt time.Time) error
	SendPasswordResetConfirmation(ctx context.Context, to string) error
}

const (
	sendTimeout = 15 * time.Second
	maxRetries  = 2
)

// SMTPMailer is the production Mailer.
type SMTPMailer struct {
	cfg    config.SMTPConfig
	logger *zap.Logger
}

func NewSMTPMailer(cfg config.SMTPConfig, logger *zap.Logger) *SMTPMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPMailer{cfg: cfg, logger: logger}
}

func (m *SMTPMailer) client() (*gomail.Client, error) {
	opts := []gomail.Option{
		gomail.WithPort(m.cfg.Port),
		gomail.WithTimeout(sendTimeout),
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.cfg.Username),
			gomail.WithPassword(m.cfg.Password),
		)
	}
	if m.cfg.UseTLS {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSMandatory))
	} else {
		opts = append(opts, gomail.WithTLSPolicy(gomail.TLSOpportunistic))
	}
	return gomail.NewClient(m.cfg.Host, opts...)
}

func (m *SMTPMailer) TestConnection(ctx context.Context) error {
	client, err := m.client()
	if err != nil {
		return err
	}
	if err := client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	return client.Close()
}

func (m *SMTPMailer) send(ctx context.Context, to, subject, body string) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return err
	}
	if err := msg.To(to); err != nil {
		return err
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		client, err := m.client()
		if err != nil {
			return err
		}
		if err := client.DialAndSendWithContext(ctx, msg); err != nil {
			lastErr = err
			m.logger.Warn("mail send failed",
				zap.String("subject", subject),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		return nil
	}
	return fmt.Errorf("send mail after %d attempts: %w", maxRetries+1, lastErr)
}

func (m *SMTPMailer) SendOTP(ctx context.Context, to, otp, purpose string) error {
	subject, intro := otpCopy(purpose)
	body := fmt.Sprintf(
		"%s\n\nYour verification code is: %s\n\nThis code expires in 10 minutes. If you did not request it, ignore this email.\n",
		intro, otp,
	)
	return m.send(ctx, to, subject, body)
}

func (m *SMTPMailer) SendInvitation(ctx context.Context, to, role, otp string, expiresAt time.Time) error {
	body := fmt.Sprintf(
		"You have been invited to API Studio as %s.\n\nYour invitation code is: %s\n\nThe invitation expires at %s.\n",
		role, otp, expiresAt.UTC().Format(time.RFC1123),
	)
	return m.send(ctx, to, "You have been invited to API Studio", body)
}

func (m *SMTPMailer) SendPasswordResetConfirmation(ctx context.Context, to string) error {
	body := "Your API Studio password was just changed.\n\nIf this was not you, contact your administrator immediately.\n"
	return m.send(ctx, to, "Your password was changed", body)
}

func otpCopy(purpose string) (subject, intro string) {
	switch purpose {
	case "bootstrap":
		return "API Studio admin setup code", "You are setting up the first administrator account."
	case "forgot_password":
		return "API Studio password reset code", "A password reset was requested for your account."
	default:
		return "API Studio verification code", "A verification code was requested for your account."
	}
}
