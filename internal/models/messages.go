package models

import (
	"strings"
	"time"
)

// MessageType is the kind of an inbound channel message.
type MessageType string

const (
	MessageTypeText        MessageType = "text"
	MessageTypeInteractive MessageType = "interactive"
	MessageTypeImage       MessageType = "image"
	MessageTypeVideo       MessageType = "video"
	MessageTypeAudio       MessageType = "audio"
	MessageTypeDocument    MessageType = "document"
	MessageTypeSticker     MessageType = "sticker"
)

// InboundEvent is one message received from a user.
type InboundEvent struct {
	MessageID   string      `json:"message_id"`
	SenderID    string      `json:"sender_id"`
	SenderName  string      `json:"sender_name,omitempty"`
	MessageType MessageType `json:"message_type"`
	// Text is the message body, or the selected option title for replies
	// to buttons and lists.
	Text       string    `json:"text,omitempty"`
	MediaID    string    `json:"media_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Input returns the text the walk should consume, and whether the event
// carries any.
func (e InboundEvent) Input() (string, bool) {
	switch e.MessageType {
	case MessageTypeText, MessageTypeInteractive:
		return e.Text, strings.TrimSpace(e.Text) != ""
	}
	return "", false
}

// IsMedia reports whether the event carries uploaded media.
func (e InboundEvent) IsMedia() bool {
	switch e.MessageType {
	case MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeDocument:
		return true
	}
	return false
}

// MediaKind is the kind of an outbound media message.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
	MediaSticker  MediaKind = "sticker"
)

// MediaRefType tells whether a media reference is an uploaded id or a link.
type MediaRefType string

const (
	MediaRefID   MediaRefType = "id"
	MediaRefLink MediaRefType = "link"
)

// ListRow is one selectable row of a list message.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListSection groups rows of a list message.
type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

// ListOptions are the optional decorations of a list message.
type ListOptions struct {
	Header string
	Footer string
	Button string
}

// School is the record returned by a DISE code lookup.
type School struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	State    string `json:"state"`
	District string `json:"district"`
	Block    string `json:"block"`
	Type     string `json:"type"`
	Students string `json:"students"`
	Link     string `json:"link"`
}
