package messaging

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
)

// TwilioSender delivers through Twilio's WhatsApp API. Choices and lists are
// sent as numbered text; linked media is attached.
type TwilioSender struct {
	client twiliowhatsapp.TwilioWhatsAppSender
	*ChoiceMemory
}

// NewTwilioSender wraps a Twilio client, or a twiliowhatsapp.MockClient.
func NewTwilioSender(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioSender {
	return &TwilioSender{client: client, ChoiceMemory: NewChoiceMemory()}
}

// SendText sends a plain message.
func (s *TwilioSender) SendText(ctx context.Context, to, text string) error {
	s.Remember(to, nil)
	if text == "" {
		return nil
	}
	return s.client.SendMessage(ctx, to, text)
}

// SendChoice sends text followed by numbered options.
func (s *TwilioSender) SendChoice(ctx context.Context, to, text string, options []string, footer string) error {
	s.Remember(to, options)
	return s.client.SendMessage(ctx, to, RenderChoice(text, options, footer))
}

// SendList sends the list rows as numbered options.
func (s *TwilioSender) SendList(ctx context.Context, to, text string, sections []models.ListSection, opts models.ListOptions) error {
	body, titles := RenderList(text, sections, opts)
	s.Remember(to, titles)
	return s.client.SendMessage(ctx, to, body)
}

// SendMedia attaches linked media. Uploaded media ids belong to the Cloud
// API and cannot be resolved here, so only the caption is sent for them.
func (s *TwilioSender) SendMedia(ctx context.Context, to string, kind models.MediaKind, ref string, refType models.MediaRefType, caption string) error {
	s.Remember(to, nil)
	if refType == models.MediaRefLink && ref != "" {
		return s.client.SendMedia(ctx, to, caption, ref)
	}
	slog.Warn("TwilioSender.SendMedia: media id without link, sending caption only", "to", to, "kind", kind)
	if caption == "" {
		return nil
	}
	return s.client.SendMessage(ctx, to, caption)
}

// ParseTwilioForm converts a Twilio inbound webhook form.
func ParseTwilioForm(form url.Values) (models.InboundEvent, error) {
	from := form.Get("From")
	if from == "" {
		return models.InboundEvent{}, errors.New("missing From")
	}
	ev := models.InboundEvent{
		MessageID:   form.Get("MessageSid"),
		SenderID:    twiliowhatsapp.Number(from),
		SenderName:  form.Get("ProfileName"),
		MessageType: models.MessageTypeText,
		Text:        form.Get("Body"),
		ReceivedAt:  time.Now(),
	}

	if n, _ := strconv.Atoi(form.Get("NumMedia")); n > 0 {
		ev.MessageType = twilioMediaType(form.Get("MediaContentType0"))
		ev.MediaID = form.Get("MediaUrl0")
		ev.Text = ""
		return ev, nil
	}
	if button := form.Get("ButtonText"); button != "" {
		ev.MessageType = models.MessageTypeInteractive
		ev.Text = button
	}
	return ev, nil
}

func twilioMediaType(contentType string) models.MessageType {
	switch {
	case strings.HasPrefix(contentType, "image/webp"):
		return models.MessageTypeSticker
	case strings.HasPrefix(contentType, "image/"):
		return models.MessageTypeImage
	case strings.HasPrefix(contentType, "video/"):
		return models.MessageTypeVideo
	case strings.HasPrefix(contentType, "audio/"):
		return models.MessageTypeAudio
	default:
		return models.MessageTypeDocument
	}
}
