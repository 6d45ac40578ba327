package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/postopcare/followup/internal/models"
)

// phoneNumberRegex matches every character that is not a digit; recipients
// are canonicalized by stripping these.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound message channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable chat transport abstraction.
// Text and template send failures propagate to the caller; the engine
// swallows image failures on its own.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendText sends a plain text message to a recipient.
	SendText(ctx context.Context, to string, body string) error

	// SendTemplate sends a pre-approved message template with parameters.
	SendTemplate(ctx context.Context, to string, templateID string, params map[string]string, locale string) error

	// SendImage sends an image by URL with an optional caption.
	SendImage(ctx context.Context, to string, url string, caption string) error

	// Start begins any background processing (e.g., polling for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Responses returns a channel of incoming patient messages.
	Responses() <-chan models.InboundMessage
}
