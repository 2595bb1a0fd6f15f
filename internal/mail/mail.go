// Package mail delivers contact-form messages to the portal administrator.
package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	gomail "github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/fruitsalade/docportal/internal/logging"
	"github.com/fruitsalade/docportal/internal/metrics"
	"github.com/fruitsalade/docportal/internal/retry"
)

// ErrEmptyMessage is returned for a blank contact message.
var ErrEmptyMessage = errors.New("message is empty")

// MaxMessageLength bounds the contact message, in characters.
const MaxMessageLength = 10000

// Contact is a message submitted by a logged-in user.
type Contact struct {
	VAT     string
	Email   string
	Message string
}

// Sender delivers a composed RFC 5322 message.
type Sender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// Notifier composes contact messages and hands them to a Sender.
type Notifier struct {
	sender    Sender
	envelope  string
	recipient string
	retry     retry.Config
	now       func() time.Time
}

// NewNotifier creates a notifier. envelope is the SMTP MAIL FROM address,
// usually the authenticated SMTP user; recipient receives every message.
func NewNotifier(sender Sender, envelope, recipient string) *Notifier {
	return &Notifier{
		sender:    sender,
		envelope:  envelope,
		recipient: recipient,
		retry:     retry.DefaultConfig(),
		now:       time.Now,
	}
}

// Send composes and delivers c, retrying transient SMTP failures.
func (n *Notifier) Send(ctx context.Context, c Contact) error {
	if strings.TrimSpace(c.Message) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(c.Message) > MaxMessageLength {
		return fmt.Errorf("message exceeds %d characters", MaxMessageLength)
	}

	from := c.Email
	if from == "" {
		from = n.envelope
	}
	msg, err := Compose(from, n.recipient, c, n.now())
	if err != nil {
		return err
	}

	envelope := n.envelope
	if envelope == "" {
		envelope = from
	}

	err = retry.Do(ctx, n.retry, func(attempt int) error {
		err := n.sender.Send(ctx, envelope, []string{n.recipient}, msg)
		if err != nil && retry.IsTransient(err) {
			logging.Warn("contact mail attempt failed",
				zap.Int("attempt", attempt),
				zap.String("vat", c.VAT),
				zap.Error(err))
		}
		return err
	})
	metrics.RecordContactMessage(err == nil)
	if err != nil {
		logging.Error("contact mail failed", zap.String("vat", c.VAT), zap.Error(err))
		return fmt.Errorf("send contact message: %w", err)
	}

	logging.Info("contact mail sent", zap.String("vat", c.VAT))
	return nil
}

// Compose renders a plain-text UTF-8 message with subject "webapp - <vat>".
func Compose(from, to string, c Contact, date time.Time) ([]byte, error) {
	var h gomail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*gomail.Address{{Address: from}})
	h.SetAddressList("To", []*gomail.Address{{Address: to}})
	if c.Email != "" {
		h.SetAddressList("Reply-To", []*gomail.Address{{Address: c.Email}})
	}
	h.SetSubject("webapp - " + c.VAT)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := gomail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("compose message: %w", err)
	}
	if _, err := io.WriteString(w, Body(c)); err != nil {
		return nil, fmt.Errorf("compose message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compose message: %w", err)
	}
	return buf.Bytes(), nil
}

// Body is the text part of a contact message.
func Body(c Contact) string {
	return fmt.Sprintf("ΑΦΜ: %s\nEmail: %s\n\nMessage:\n%s", c.VAT, c.Email, c.Message)
}
