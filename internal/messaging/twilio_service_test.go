package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/CarValue/internal/models"
	"github.com/BTreeMap/CarValue/internal/twiliowhatsapp"
)

func TestTwilioService_ImplementsService(t *testing.T) {
	var _ Service = (*TwilioService)(nil)
}

func TestTwilioService_Canonicalize(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"whatsapp:+15551234567", "15551234567", false},
		{"+1 (555) 123-4567", "15551234567", false},
		{"15551234567", "15551234567", false},
		{"", "", true},
		{"whatsapp:", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := svc.ValidateAndCanonicalizeRecipient(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q: expected error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%q: got %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.SendMessage(context.Background(), "whatsapp:+15551234567", "Enter the model:"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "15551234567" || sent[0].Body != "Enter the model:" {
		t.Fatalf("unexpected sends: %+v", sent)
	}
	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusSent || r.To != "15551234567" {
			t.Errorf("unexpected receipt: %+v", r)
		}
	default:
		t.Error("expected a receipt")
	}

	mock.SendErr = errors.New("rate limited")
	if err := svc.SendMessage(context.Background(), "15551234567", "x"); err == nil {
		t.Error("expected client error to propagate")
	}
}

func TestTwilioService_Webhooks(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	if err := svc.RegisterWebhook(context.Background(), "https://carvalue.example.com/"); err != nil {
		t.Fatalf("RegisterWebhook: %v", err)
	}
	if err := svc.UnregisterWebhook(context.Background()); err != nil {
		t.Fatalf("UnregisterWebhook: %v", err)
	}
	got := mock.Webhooks()
	if len(got) != 2 || got[0] != "https://carvalue.example.com/webhook" || got[1] != "" {
		t.Errorf("webhook URLs = %q", got)
	}

	if err := svc.RegisterWebhook(context.Background(), ""); err == nil {
		t.Error("expected error for empty base URL")
	}
}

func TestTwilioService_Stop(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if _, ok := <-svc.Responses(); ok {
		t.Error("responses channel should be closed")
	}
	if err := svc.SendMessage(context.Background(), "15551234567", "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}
