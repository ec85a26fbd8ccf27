// Package notify delivers transactional mail: login codes and donation
// receipts.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/R3E-Network/fundraiser/internal/app/domain/campaign"
	"github.com/R3E-Network/fundraiser/internal/app/domain/donation"
	"github.com/R3E-Network/fundraiser/internal/app/metrics"
	"github.com/R3E-Network/fundraiser/pkg/logger"
)

// Message kinds, used as the metrics label.
const (
	KindOTP     = "otp"
	KindReceipt = "receipt"
)

// Message is a plain-text mail.
type Message struct {
	Kind    string
	To      string
	Subject string
	Body    string
}

// Notifier sends messages.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier writes messages to the log instead of sending them. It is used
// when no SMTP host is configured.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	n.log.ForContext(ctx).WithFields(map[string]interface{}{
		"kind":    msg.Kind,
		"to":      msg.To,
		"subject": msg.Subject,
	}).Info("mail not sent: no smtp host configured")
	metrics.RecordMail(msg.Kind, nil)
	return nil
}

// SMTPConfig holds relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPNotifier sends mail through an SMTP relay using PLAIN auth when
// credentials are set.
type SMTPNotifier struct {
	cfg      SMTPConfig
	log      *logger.Logger
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPNotifier(cfg SMTPConfig, log *logger.Logger) *SMTPNotifier {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPNotifier{cfg: cfg, log: log, sendMail: smtp.SendMail}
}

func (n *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	done := make(chan error, 1)
	go func() {
		done <- n.sendMail(addr, auth, n.cfg.From, []string{msg.To}, render(n.cfg.From, msg))
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	metrics.RecordMail(msg.Kind, err)
	if err != nil {
		return fmt.Errorf("send %s mail to %s: %w", msg.Kind, msg.To, err)
	}
	n.log.WithField("kind", msg.Kind).Debug("mail sent")
	return nil
}

func render(from string, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// New picks the SMTP notifier when a host is configured.
func New(cfg SMTPConfig, log *logger.Logger) Notifier {
	if strings.TrimSpace(cfg.Host) == "" {
		return NewLogNotifier(log)
	}
	return NewSMTPNotifier(cfg, log)
}

// OTPMessage builds the login code mail.
func OTPMessage(to, code string, ttl time.Duration) Message {
	return Message{
		Kind:    KindOTP,
		To:      to,
		Subject: "Your login code",
		Body: fmt.Sprintf("Your login code is %s.\nIt expires in %d minutes. If you did not ask for it, ignore this mail.\n",
			code, int(ttl.Minutes())),
	}
}

// ReceiptMessage builds the donation receipt mail.
func ReceiptMessage(d donation.Donation, c campaign.Campaign) Message {
	name := "friend"
	if d.Donor != nil && strings.TrimSpace(d.Donor.FirstName) != "" {
		name = strings.TrimSpace(d.Donor.FirstName)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", name)
	fmt.Fprintf(&b, "Thank you for donating %s to %q.\n\n", formatAmount(d.Amount), c.Title)
	fmt.Fprintf(&b, "Transaction: %s\n", d.TransactionID)
	fmt.Fprintf(&b, "Wallet: %s\n", d.WalletAddress)
	fmt.Fprintf(&b, "Date: %s\n", d.CreatedAt.UTC().Format(time.RFC1123))
	b.WriteString("\nThe donation will show as verified once the transaction is confirmed.\n")
	return Message{
		Kind:    KindReceipt,
		To:      d.EmailReceipt,
		Subject: "Donation receipt: " + c.Title,
		Body:    b.String(),
	}
}

func formatAmount(v float64) string {
	s := fmt.Sprintf("%.8f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
