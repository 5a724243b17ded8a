// Package notify sends submission receipts to applicants over Twilio SMS.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/SocialSupport/internal/models"
	"github.com/BTreeMap/SocialSupport/internal/validate"
)

// ReceiptMessageID is the catalog entry used for the receipt text.
const ReceiptMessageID = "app.receipt"

// ErrNoRecipient is returned when the submitted data carries no usable phone number.
var ErrNoRecipient = errors.New("no valid phone number to notify")

// Sender delivers a text message to a phone number in E.164 form.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Translator renders catalog messages with template data.
type Translator interface {
	TData(lang, messageID string, data map[string]interface{}) string
}

// Opts holds configuration options for the Twilio SMS client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Option defines a configuration option for the Twilio SMS client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending number.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// TwilioSender wraps the Twilio REST API for SMS.
type TwilioSender struct {
	client     *twilio.RestClient
	fromNumber string
}

// NewTwilioSender creates a sender, falling back to TWILIO_* environment variables for unset
// options.
func NewTwilioSender(opts ...Option) (*TwilioSender, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("TwilioSender.NewTwilioSender: config loaded",
		"account_sid_set", cfg.AccountSID != "",
		"auth_token_set", cfg.AuthToken != "",
		"from_number_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)
	return &TwilioSender{client: client, fromNumber: cfg.FromNumber}, nil
}

// SendMessage sends an SMS through the Twilio API.
func (s *TwilioSender) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.fromNumber)
	params.SetBody(body)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		slog.Error("TwilioSender.SendMessage: send failed", "error", err)
		return fmt.Errorf("failed to send message: %w", err)
	}
	slog.Debug("TwilioSender.SendMessage: message sent")
	return nil
}

// SMSNotifier sends a localized receipt to the applicant's phone after a submission.
type SMSNotifier struct {
	sender Sender
	tr     Translator
}

// NewSMSNotifier creates a notifier sending through sender.
func NewSMSNotifier(sender Sender, tr Translator) *SMSNotifier {
	return &SMSNotifier{sender: sender, tr: tr}
}

// SubmissionReceived sends the receipt for entry to the phone number in data.
func (n *SMSNotifier) SubmissionReceived(ctx context.Context, lang string, data models.FormData, entry models.HistoryEntry) error {
	to, err := Recipient(data)
	if err != nil {
		return err
	}
	body := n.tr.TData(lang, ReceiptMessageID, map[string]interface{}{
		"Date": receiptDate(entry.SubmittedAt),
		"ID":   entry.ID,
	})
	if err := n.sender.SendMessage(ctx, to, body); err != nil {
		return fmt.Errorf("failed to send receipt %s: %w", entry.ID, err)
	}
	slog.Info("SMSNotifier.SubmissionReceived: receipt sent", "id", entry.ID, "lang", lang)
	return nil
}

// Recipient returns the applicant's phone number in E.164 form, reading local numbers in the
// selected country.
func Recipient(data models.FormData) (string, error) {
	normalized := validate.NormalizePhoneForValidation(data.String("phone"), data.String("countryCode"))
	if normalized == "" {
		return "", ErrNoRecipient
	}
	num, err := phonenumbers.Parse(normalized, "")
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", ErrNoRecipient
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

func receiptDate(submittedAt string) string {
	at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(submittedAt))
	if err != nil {
		return submittedAt
	}
	return at.UTC().Format("2006-01-02")
}

// MockSender records messages instead of sending them.
type MockSender struct {
	SentMessages []SentMessage
	Err          error
}

// SentMessage is a message captured by MockSender.
type SentMessage struct {
	To   string
	Body string
}

// NewMockSender creates an empty MockSender.
func NewMockSender() *MockSender {
	return &MockSender{SentMessages: []SentMessage{}}
}

func (m *MockSender) SendMessage(ctx context.Context, to string, body string) error {
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}
