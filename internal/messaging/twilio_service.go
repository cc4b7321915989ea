package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CarValue/internal/models"
	"github.com/BTreeMap/CarValue/internal/twiliowhatsapp"
)

// WebhookPath is where inbound chat webhooks are served.
const WebhookPath = "/webhook"

// TwilioService implements Service using the Twilio API. Inbound messages arrive
// through the HTTP webhook rather than the Responses channel.
type TwilioService struct {
	client    twiliowhatsapp.Sender // real Twilio client or MockClient
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
	mu        sync.RWMutex
	stopped   bool
}

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient strips a phone number or Twilio address
// ("whatsapp:+1555...") down to its digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalPhone(recipient)
	if err != nil {
		return "", err
	}
	if recipient != canonical {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.receipts)
	close(s.responses)
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}

	s.emitReceipt(models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// RegisterWebhook points the Twilio number at baseURL + WebhookPath.
func (s *TwilioService) RegisterWebhook(ctx context.Context, baseURL string) error {
	if baseURL == "" {
		return fmt.Errorf("public base URL is empty")
	}
	url := strings.TrimRight(baseURL, "/") + WebhookPath
	if err := s.client.SetInboundWebhook(ctx, url); err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}
	slog.Info("TwilioService webhook registered", "url", url)
	return nil
}

// UnregisterWebhook clears the Twilio number's inbound URL.
func (s *TwilioService) UnregisterWebhook(ctx context.Context) error {
	if err := s.client.SetInboundWebhook(ctx, ""); err != nil {
		return fmt.Errorf("unregister webhook: %w", err)
	}
	slog.Info("TwilioService webhook unregistered")
	return nil
}

// Receipts returns the channel for sent message receipts.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the channel for pushed inbound messages. Twilio never pushes.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

// emitReceipt must be called with s.mu read-locked.
func (s *TwilioService) emitReceipt(receipt models.Receipt) {
	select {
	case s.receipts <- receipt:
	default:
		slog.Debug("TwilioService receipts channel full, dropping receipt", "to", receipt.To)
	}
}
