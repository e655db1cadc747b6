// Package messaging connects FlowPipe to its WhatsApp channels: outbound
// senders for the Cloud API, whatsmeow and Twilio, inbound payload parsing,
// and a dispatcher that feeds inbound events to the flow engine one user at
// a time.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Channel names used for configuration and metrics labels.
const (
	ChannelCloudAPI  = "cloudapi"
	ChannelWhatsmeow = "whatsmeow"
	ChannelTwilio    = "twilio"
)

// InboundHandler consumes one inbound event. *flow.Engine implements it.
type InboundHandler interface {
	HandleInbound(ctx context.Context, ev models.InboundEvent) (flow.Result, error)
}

// InputResolver rewrites inbound text before it reaches the engine, e.g. to
// turn a numbered reply into the option it names.
type InputResolver interface {
	Resolve(sender, text string) string
}

var (
	_ flow.Sender = (*CloudAPISender)(nil)
	_ flow.Sender = (*WhatsmeowSender)(nil)
	_ flow.Sender = (*TwilioSender)(nil)
	_ flow.Sender = (*MockSender)(nil)

	_ InboundHandler = (*flow.Engine)(nil)
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// ErrInvalidRecipient is returned for sender and recipient ids that are not
// phone numbers.
var ErrInvalidRecipient = errors.New("invalid recipient")

// CanonicalizeRecipient strips everything but digits from a phone number and
// requires at least six of them. The result is the session key.
func CanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecipient)
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("%w: no digits found in %q", ErrInvalidRecipient, recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("%w: %q is too short (minimum 6 digits required)", ErrInvalidRecipient, canonical)
	}
	return canonical, nil
}
