package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

// WhatsmeowSender delivers through a linked WhatsApp device. The multi-device
// protocol has no reliable interactive messages, so choices and lists are
// sent as numbered text.
type WhatsmeowSender struct {
	client whatsapp.WhatsAppSender
	*ChoiceMemory
}

// NewWhatsmeowSender wraps a whatsmeow client, or a whatsapp.MockClient.
func NewWhatsmeowSender(client whatsapp.WhatsAppSender) *WhatsmeowSender {
	return &WhatsmeowSender{client: client, ChoiceMemory: NewChoiceMemory()}
}

func (s *WhatsmeowSender) send(ctx context.Context, to, body string) error {
	if body == "" {
		slog.Debug("WhatsmeowSender.send: nothing to send", "to", to)
		return nil
	}
	return s.client.SendMessage(ctx, to, body)
}

// SendText sends a plain message.
func (s *WhatsmeowSender) SendText(ctx context.Context, to, text string) error {
	s.Remember(to, nil)
	return s.send(ctx, to, text)
}

// SendChoice sends text followed by numbered options.
func (s *WhatsmeowSender) SendChoice(ctx context.Context, to, text string, options []string, footer string) error {
	s.Remember(to, options)
	return s.send(ctx, to, RenderChoice(text, options, footer))
}

// SendList sends the list rows as numbered options.
func (s *WhatsmeowSender) SendList(ctx context.Context, to, text string, sections []models.ListSection, opts models.ListOptions) error {
	body, titles := RenderList(text, sections, opts)
	s.Remember(to, titles)
	return s.send(ctx, to, body)
}

// SendMedia sends the caption, with the link when the media is a link.
func (s *WhatsmeowSender) SendMedia(ctx context.Context, to string, kind models.MediaKind, ref string, refType models.MediaRefType, caption string) error {
	s.Remember(to, nil)
	if refType != models.MediaRefLink {
		slog.Warn("WhatsmeowSender.SendMedia: media ids cannot be sent over whatsmeow, sending caption only", "to", to, "kind", kind)
	}
	return s.send(ctx, to, RenderMedia(ref, refType, caption))
}
