// Package twiliowhatsapp wraps the Twilio REST API for WhatsApp chats in CarValue.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrNumberNotFound is returned when the sending number is not an incoming number
// on the Twilio account.
var ErrNumberNotFound = errors.New("twilio incoming number not found")

// Sender is the subset of the Twilio API the messaging layer needs.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
	// SetInboundWebhook points the sending number's inbound message URL at url.
	// An empty url clears it.
	SetInboundWebhook(ctx context.Context, url string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, "whatsapp:+1234567890" or "+1234567890".
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client    *twilio.RestClient
	fromWhats string // WhatsApp number in "whatsapp:+1234567890" format
}

// NewClient creates a client, falling back to TWILIO_* environment variables for
// options that are not set.
func NewClient(opts ...Option) (*Client, error) {
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
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:    client,
		fromWhats: WhatsAppAddress(cfg.FromWhats),
	}, nil
}

// WhatsAppAddress formats a number as a Twilio WhatsApp address.
func WhatsAppAddress(number string) string {
	number = strings.TrimPrefix(number, "whatsapp:")
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	return "whatsapp:" + number
}

// SendMessage sends a WhatsApp message using Twilio API
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(WhatsAppAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	_, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// SetInboundWebhook updates the sending number's SMS URL, which Twilio also uses
// for inbound WhatsApp messages on that number.
func (c *Client) SetInboundWebhook(ctx context.Context, url string) error {
	number := strings.TrimPrefix(c.fromWhats, "whatsapp:")

	list := &twilioApi.ListIncomingPhoneNumberParams{}
	list.SetPhoneNumber(number)
	list.SetLimit(1)
	numbers, err := c.client.Api.ListIncomingPhoneNumber(list)
	if err != nil {
		return fmt.Errorf("failed to look up incoming number %s: %w", number, err)
	}
	if len(numbers) == 0 || numbers[0].Sid == nil {
		return fmt.Errorf("%w: %s", ErrNumberNotFound, number)
	}

	update := &twilioApi.UpdateIncomingPhoneNumberParams{}
	update.SetSmsUrl(url)
	update.SetSmsMethod("POST")
	if _, err := c.client.Api.UpdateIncomingPhoneNumber(*numbers[0].Sid, update); err != nil {
		return fmt.Errorf("failed to update webhook for %s: %w", number, err)
	}

	slog.Info("Twilio inbound webhook updated", "number", number, "url", url)
	return nil
}

// MockClient records calls instead of reaching Twilio. It is safe for concurrent use.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	WebhookURLs  []string
	// SendErr, when set, is returned by SendMessage.
	SendErr error
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SetInboundWebhook(ctx context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WebhookURLs = append(m.WebhookURLs, url)
	return nil
}

// Sent returns a copy of the captured messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

// Webhooks returns a copy of the webhook URLs set so far.
func (m *MockClient) Webhooks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.WebhookURLs...)
}
