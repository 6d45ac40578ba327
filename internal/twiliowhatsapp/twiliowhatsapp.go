// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration.
package twiliowhatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender is the Twilio WhatsApp surface consumed by the messaging layer.
type Sender interface {
	SendText(ctx context.Context, to string, body string) error
	SendTemplate(ctx context.Context, to string, contentSID string, params map[string]string) error
	SendImage(ctx context.Context, to string, url string, caption string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number ("whatsapp:+1234567890").
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client    *twilio.RestClient
	fromWhats string // WhatsApp number in "whatsapp:+1234567890" format
}

// NewClient creates a Twilio WhatsApp client. Credentials fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment
// variables when not provided via options.
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
		fromWhats: cfg.FromWhats,
	}, nil
}

// SendText sends a WhatsApp text message using the Twilio API.
func (c *Client) SendText(ctx context.Context, to string, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	_, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendText failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	slog.Debug("Twilio message sent", "to", to)
	return nil
}

// SendTemplate sends a pre-approved WhatsApp content template. The contentSID
// identifies the approved template; params fill its variables.
func (c *Client) SendTemplate(ctx context.Context, to string, contentSID string, params map[string]string) error {
	variables, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to serialize template variables: %w", err)
	}

	msgParams := &twilioApi.CreateMessageParams{}
	msgParams.SetTo("whatsapp:+" + to)
	msgParams.SetFrom(c.fromWhats)
	msgParams.SetContentSid(contentSID)
	msgParams.SetContentVariables(string(variables))

	_, err = c.client.Api.CreateMessage(msgParams)
	if err != nil {
		slog.Error("Twilio SendTemplate failed", "to", to, "contentSID", contentSID, "error", err)
		return fmt.Errorf("failed to send template %s to %s: %w", contentSID, to, err)
	}

	slog.Debug("Twilio template sent", "to", to, "contentSID", contentSID)
	return nil
}

// SendImage sends a WhatsApp media message pointing at the given image URL.
func (c *Client) SendImage(ctx context.Context, to string, url string, caption string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + to)
	params.SetFrom(c.fromWhats)
	params.SetMediaUrl([]string{url})
	if caption != "" {
		params.SetBody(caption)
	}

	_, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendImage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send image to %s: %w", to, err)
	}

	slog.Debug("Twilio image sent", "to", to, "url", url)
	return nil
}

// MockClient records sends for tests.
type MockClient struct {
	SentMessages  []SentMessage
	SentTemplates []SentTemplate
	SentImages    []SentImage
}

type SentMessage struct {
	To   string
	Body string
}

type SentTemplate struct {
	To         string
	ContentSID string
	Params     map[string]string
}

type SentImage struct {
	To      string
	URL     string
	Caption string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendText(ctx context.Context, to string, body string) error {
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) SendTemplate(ctx context.Context, to string, contentSID string, params map[string]string) error {
	m.SentTemplates = append(m.SentTemplates, SentTemplate{To: to, ContentSID: contentSID, Params: params})
	return nil
}

func (m *MockClient) SendImage(ctx context.Context, to string, url string, caption string) error {
	m.SentImages = append(m.SentImages, SentImage{To: to, URL: url, Caption: caption})
	return nil
}
