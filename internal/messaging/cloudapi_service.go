package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// DefaultCloudAPIBaseURL is the Graph API root the Cloud API sender posts to.
const DefaultCloudAPIBaseURL = "https://graph.facebook.com/v16.0"

// DefaultListButton labels the list opener when a node sets none.
const DefaultListButton = "Select"

// CloudAPIError is a non-2xx answer from the Graph API.
type CloudAPIError struct {
	StatusCode int
	Code       int64
	Message    string
}

func (e *CloudAPIError) Error() string {
	return fmt.Sprintf("cloud api returned status %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// CloudAPISender sends messages through the WhatsApp Business Cloud API.
type CloudAPISender struct {
	baseURL       string
	phoneNumberID string
	token         string
	httpClient    *http.Client
}

// CloudAPIOption configures a CloudAPISender.
type CloudAPIOption func(*CloudAPISender)

// WithBaseURL overrides DefaultCloudAPIBaseURL.
func WithBaseURL(u string) CloudAPIOption {
	return func(s *CloudAPISender) {
		if u != "" {
			s.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) CloudAPIOption {
	return func(s *CloudAPISender) { s.httpClient = c }
}

// NewCloudAPISender creates a sender for one business phone number.
func NewCloudAPISender(phoneNumberID, token string, opts ...CloudAPIOption) *CloudAPISender {
	s := &CloudAPISender{
		baseURL:       DefaultCloudAPIBaseURL,
		phoneNumberID: phoneNumberID,
		token:         token,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type payload map[string]any

func basePayload(to, typ string) payload {
	return payload{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              typ,
	}
}

func textPayload(to, text string) payload {
	p := basePayload(to, "text")
	p["text"] = payload{"body": text}
	return p
}

func choicePayload(to, text string, options []string, footer string) payload {
	buttons := make([]payload, 0, len(options))
	for i, opt := range options {
		buttons = append(buttons, payload{
			"type":  "reply",
			"reply": payload{"id": strconv.Itoa(i + 1), "title": opt},
		})
	}
	interactive := payload{
		"type":   "button",
		"body":   payload{"text": text},
		"action": payload{"buttons": buttons},
	}
	if footer != "" {
		interactive["footer"] = payload{"text": footer}
	}
	p := basePayload(to, "interactive")
	p["interactive"] = interactive
	return p
}

func listPayload(to, text string, sections []models.ListSection, opts models.ListOptions) payload {
	button := opts.Button
	if button == "" {
		button = DefaultListButton
	}
	interactive := payload{
		"type":   "list",
		"body":   payload{"text": text},
		"action": payload{"button": button, "sections": sections},
	}
	if opts.Header != "" {
		interactive["header"] = payload{"type": "text", "text": opts.Header}
	}
	if opts.Footer != "" {
		interactive["footer"] = payload{"text": opts.Footer}
	}
	p := basePayload(to, "interactive")
	p["interactive"] = interactive
	return p
}

func mediaPayload(to string, kind models.MediaKind, ref string, refType models.MediaRefType, caption string) payload {
	if refType == "" {
		refType = models.MediaRefID
	}
	media := payload{string(refType): ref}
	// Audio and sticker messages reject captions.
	if caption != "" && kind != models.MediaAudio && kind != models.MediaSticker {
		media["caption"] = caption
	}
	p := basePayload(to, string(kind))
	p[string(kind)] = media
	return p
}

// SendText sends a text message.
func (s *CloudAPISender) SendText(ctx context.Context, to, text string) error {
	return s.post(ctx, textPayload(to, text))
}

// SendChoice sends an interactive reply-button message.
func (s *CloudAPISender) SendChoice(ctx context.Context, to, text string, options []string, footer string) error {
	return s.post(ctx, choicePayload(to, text, options, footer))
}

// SendList sends an interactive list message.
func (s *CloudAPISender) SendList(ctx context.Context, to, text string, sections []models.ListSection, opts models.ListOptions) error {
	return s.post(ctx, listPayload(to, text, sections, opts))
}

// SendMedia sends an image, video, audio, document or sticker by id or link.
func (s *CloudAPISender) SendMedia(ctx context.Context, to string, kind models.MediaKind, ref string, refType models.MediaRefType, caption string) error {
	return s.post(ctx, mediaPayload(to, kind, ref, refType, caption))
}

func (s *CloudAPISender) post(ctx context.Context, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	endpoint := s.baseURL + "/" + s.phoneNumberID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %v message to %v: %w", p["type"], p["to"], err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode/100 != 2 {
		apiErr := &CloudAPIError{
			StatusCode: resp.StatusCode,
			Code:       gjson.GetBytes(respBody, "error.code").Int(),
			Message:    gjson.GetBytes(respBody, "error.message").String(),
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	slog.Debug("CloudAPISender.post: sent", "to", p["to"], "type", p["type"], "wamid", gjson.GetBytes(respBody, "messages.0.id").String())
	return nil
}
