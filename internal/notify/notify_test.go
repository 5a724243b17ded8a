package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/SocialSupport/internal/i18n"
	"github.com/BTreeMap/SocialSupport/internal/models"
)

func newTranslator(t *testing.T) *i18n.Translator {
	t.Helper()
	tr, err := i18n.New()
	if err != nil {
		t.Fatalf("i18n.New: %v", err)
	}
	return tr
}

func TestRecipient(t *testing.T) {
	tests := []struct {
		name    string
		phone   string
		country string
		want    string
		wantErr bool
	}{
		{"local UAE mobile", "50 123 4567", "AE", "+971501234567", false},
		{"local Egypt mobile", "100 123 4567", "EG", "+201001234567", false},
		{"international", "+966 50 123 4567", "AE", "+966501234567", false},
		{"blank", "", "AE", "", true},
		{"too short", "123", "AE", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := models.FormData{"phone": models.String(tt.phone), "countryCode": models.String(tt.country)}
			got, err := Recipient(data)
			if tt.wantErr {
				if !errors.Is(err, ErrNoRecipient) {
					t.Errorf("expected ErrNoRecipient, got %q, %v", got, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Recipient() = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestSubmissionReceived(t *testing.T) {
	sender := NewMockSender()
	n := NewSMSNotifier(sender, newTranslator(t))
	at := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	data := models.FormData{"phone": models.String("50 123 4567"), "countryCode": models.String("AE")}
	entry := models.NewHistoryEntry(at, data)

	if err := n.SubmissionReceived(context.Background(), "en", data, entry); err != nil {
		t.Fatalf("SubmissionReceived: %v", err)
	}
	if len(sender.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sender.SentMessages))
	}
	msg := sender.SentMessages[0]
	if msg.To != "+971501234567" {
		t.Errorf("unexpected recipient %q", msg.To)
	}
	if !strings.Contains(msg.Body, "2025-03-01") || !strings.Contains(msg.Body, entry.ID) {
		t.Errorf("receipt should carry the date and reference, got %q", msg.Body)
	}
}

func TestSubmissionReceivedArabic(t *testing.T) {
	sender := NewMockSender()
	tr := newTranslator(t)
	n := NewSMSNotifier(sender, tr)
	data := models.FormData{"phone": models.String("+971501234567")}
	entry := models.NewHistoryEntry(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), data)

	if err := n.SubmissionReceived(context.Background(), "ar", data, entry); err != nil {
		t.Fatalf("SubmissionReceived: %v", err)
	}
	want := tr.TData("ar", ReceiptMessageID, map[string]interface{}{"Date": "2025-03-01", "ID": entry.ID})
	if got := sender.SentMessages[0].Body; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSubmissionReceivedFailures(t *testing.T) {
	ctx := context.Background()
	tr := newTranslator(t)
	entry := models.HistoryEntry{ID: "1", SubmittedAt: "not a time"}

	sender := NewMockSender()
	if err := NewSMSNotifier(sender, tr).SubmissionReceived(ctx, "en", models.FormData{}, entry); !errors.Is(err, ErrNoRecipient) {
		t.Errorf("expected ErrNoRecipient, got %v", err)
	}
	if len(sender.SentMessages) != 0 {
		t.Error("nothing should be sent without a recipient")
	}

	failing := &MockSender{Err: errors.New("twilio down")}
	data := models.FormData{"phone": models.String("+971501234567")}
	err := NewSMSNotifier(failing, tr).SubmissionReceived(ctx, "en", data, entry)
	if err == nil || !strings.Contains(err.Error(), "twilio down") {
		t.Errorf("expected the sender error, got %v", err)
	}
}

func TestNewTwilioSender(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewTwilioSender(); err == nil {
		t.Error("expected an error without credentials")
	}
	if _, err := NewTwilioSender(WithAccountSID("AC123"), WithAuthToken("secret")); err == nil {
		t.Error("expected an error without a from number")
	}

	t.Setenv("TWILIO_FROM_NUMBER", "+15005550006")
	s, err := NewTwilioSender(WithAccountSID("AC123"), WithAuthToken("secret"))
	if err != nil {
		t.Fatalf("NewTwilioSender: %v", err)
	}
	if s.fromNumber != "+15005550006" {
		t.Errorf("from number should fall back to the environment, got %q", s.fromNumber)
	}
}
