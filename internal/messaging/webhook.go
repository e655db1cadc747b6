package messaging

import (
	"errors"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// ErrInvalidPayload is returned for webhook bodies that are not JSON.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// ParseCloudWebhook extracts the user messages from a Cloud API webhook body.
// Each message is paired with the contact at the same index; messages with
// no contact, and status-only changes, yield nothing.
func ParseCloudWebhook(body []byte) ([]models.InboundEvent, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrInvalidPayload
	}

	var out []models.InboundEvent
	gjson.GetBytes(body, "entry").ForEach(func(_, entry gjson.Result) bool {
		entry.Get("changes").ForEach(func(_, change gjson.Result) bool {
			value := change.Get("value")
			contacts := value.Get("contacts").Array()
			for i, msg := range value.Get("messages").Array() {
				if i >= len(contacts) {
					slog.Debug("ParseCloudWebhook: message without contact", "id", msg.Get("id").String())
					continue
				}
				out = append(out, cloudEvent(msg, contacts[i]))
			}
			return true
		})
		return true
	})
	return out, nil
}

func cloudEvent(msg, contact gjson.Result) models.InboundEvent {
	typ := models.MessageType(msg.Get("type").String())
	ev := models.InboundEvent{
		MessageID:   msg.Get("id").String(),
		SenderID:    contact.Get("wa_id").String(),
		SenderName:  contact.Get("profile.name").String(),
		MessageType: typ,
	}
	if ev.SenderID == "" {
		ev.SenderID = msg.Get("from").String()
	}
	if ts := msg.Get("timestamp").Int(); ts > 0 {
		ev.ReceivedAt = time.Unix(ts, 0).UTC()
	}

	switch typ {
	case models.MessageTypeText:
		ev.Text = msg.Get("text.body").String()
	case models.MessageTypeInteractive:
		switch msg.Get("interactive.type").String() {
		case "button_reply":
			ev.Text = msg.Get("interactive.button_reply.title").String()
		case "list_reply":
			ev.Text = msg.Get("interactive.list_reply.title").String()
		}
	case models.MessageTypeImage, models.MessageTypeVideo, models.MessageTypeAudio,
		models.MessageTypeDocument, models.MessageTypeSticker:
		ev.MediaID = msg.Get(string(typ) + ".id").String()
	}
	return ev
}
