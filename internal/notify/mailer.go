package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"voicemeter/internal/billing"
	"voicemeter/internal/logging"
	"voicemeter/internal/money"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

const lowBalanceSubject = "Low balance alert: please recharge your account"

type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	// From is the envelope sender; FromName only decorates the header.
	From        string
	FromName    string
	MaxRetries  int
	RechargeURL string
	Currency    string
	Threshold   int64
}

func (c Config) configured() bool {
	return c.Host != "" && c.From != ""
}

// Transport hands a finished RFC 5322 message to a mail server.
type Transport interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// SMTPTransport sends through net/smtp, authenticating only when credentials are set.
type SMTPTransport struct {
	addr string
	host string
	auth smtp.Auth
}

func NewSMTPTransport(cfg Config) *SMTPTransport {
	var auth smtp.Auth
	if cfg.User != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
	}
	return &SMTPTransport{addr: fmt.Sprintf("%s:%s", cfg.Host, cfg.Port), host: cfg.Host, auth: auth}
}

func (t *SMTPTransport) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.auth != nil {
		return smtp.SendMail(t.addr, t.auth, from, to, msg)
	}
	c, err := smtp.Dial(t.addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = c.Close() }()
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to: %w", err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return c.Quit()
}

var lowBalanceTemplate = template.Must(template.New("low_balance").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #222;">
  <h2>Your balance is running low</h2>
  <p>Hi {{.Name}},</p>
  <p>Your current balance is <strong>{{.Balance}} {{.Currency}}</strong>, below the {{.Threshold}} {{.Currency}} needed to keep placing calls.</p>
  <p>New calls will be refused once your balance runs out.</p>
  <p><a href="{{.RechargeURL}}" style="background:#2563eb;color:#fff;padding:10px 18px;border-radius:4px;text-decoration:none;">Recharge now</a></p>
</body>
</html>
`))

type lowBalanceData struct {
	Name        string
	Balance     string
	Threshold   string
	Currency    string
	RechargeURL string
}

// Mailer delivers low-balance alerts, retrying transient SMTP failures.
type Mailer struct {
	cfg       Config
	transport Transport
	executor  failsafe.Executor[any]
	logger    logging.Logger
}

func NewMailer(cfg Config, transport Transport, logger logging.Logger) *Mailer {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if transport == nil {
		transport = NewSMTPTransport(cfg)
	}
	if logger == nil {
		logger = logging.NewLogger("error")
	}
	policy := retrypolicy.NewBuilder[any]().
		WithBackoff(500*time.Millisecond, 10*time.Second).
		WithMaxRetries(cfg.MaxRetries).
		HandleIf(func(_ any, err error) bool { return err != nil && !permanent(err) }).
		Build()
	return &Mailer{cfg: cfg, transport: transport, executor: failsafe.With[any](policy), logger: logger}
}

// SendLowBalanceAlert renders and sends the alert. Permanent SMTP rejections
// come back as delivery_rejected; everything else that outlives the retries is transient.
func (m *Mailer) SendLowBalanceAlert(ctx context.Context, email, name string, balance int64) error {
	if !m.cfg.configured() {
		return billing.NewError(billing.KindDeliveryRejected, "mail transport not configured", nil)
	}
	email = sanitizeHeader(strings.TrimSpace(email))
	if email == "" {
		return billing.NewError(billing.KindDeliveryRejected, "recipient has no email address", nil)
	}
	if name == "" {
		name = email
	}
	msg, err := m.compose(email, name, balance)
	if err != nil {
		return billing.NewError(billing.KindInternal, "render alert", err)
	}

	var lastErr error
	attempts := 0
	err = m.executor.WithContext(ctx).Run(func() error {
		attempts++
		lastErr = m.transport.Send(ctx, m.cfg.From, []string{email}, msg)
		return lastErr
	})
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}
	m.logger.WithFields(logging.Fields{"to": email, "attempts": attempts, "error": lastErr}).Warn("low balance email failed")
	if permanent(lastErr) {
		return billing.NewError(billing.KindDeliveryRejected, "mail server rejected the alert", lastErr)
	}
	return billing.NewError(billing.KindTransient, "mail server unavailable", lastErr)
}

func (m *Mailer) compose(to, name string, balance int64) ([]byte, error) {
	var body bytes.Buffer
	err := lowBalanceTemplate.Execute(&body, lowBalanceData{
		Name:        name,
		Balance:     money.FormatMinor(balance),
		Threshold:   money.FormatMinor(m.cfg.Threshold),
		Currency:    m.cfg.Currency,
		RechargeURL: m.cfg.RechargeURL,
	})
	if err != nil {
		return nil, err
	}
	from := m.cfg.From
	if strings.TrimSpace(m.cfg.FromName) != "" {
		from = fmt.Sprintf("%s <%s>", m.cfg.FromName, m.cfg.From)
	}
	headers := []string{
		"From: " + sanitizeHeader(from),
		"To: " + to,
		"Subject: " + lowBalanceSubject,
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
		"",
		body.String(),
	}
	return []byte(strings.Join(headers, "\r\n")), nil
}

// permanent reports SMTP replies that will not succeed on retry: auth
// failures and 5xx rejections.
func permanent(err error) bool {
	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return false
	}
	return tpErr.Code >= 500
}

func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}
