package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// SentMessage is one message recorded by MockSender.
type SentMessage struct {
	Kind     string // text, choice, list or media
	To       string
	Text     string
	Options  []string
	Footer   string
	Sections []models.ListSection
	List     models.ListOptions
	Media    models.MediaKind
	Ref      string
	RefType  models.MediaRefType
}

// MockSender records every outbound message instead of delivering it.
type MockSender struct {
	mu   sync.Mutex
	sent []SentMessage
	// Err, when set, is returned from every send after recording.
	Err error
}

func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) record(msg SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.Err
}

func (m *MockSender) SendText(_ context.Context, to, text string) error {
	return m.record(SentMessage{Kind: "text", To: to, Text: text})
}

func (m *MockSender) SendChoice(_ context.Context, to, text string, options []string, footer string) error {
	return m.record(SentMessage{Kind: "choice", To: to, Text: text, Options: options, Footer: footer})
}

func (m *MockSender) SendList(_ context.Context, to, text string, sections []models.ListSection, opts models.ListOptions) error {
	return m.record(SentMessage{Kind: "list", To: to, Text: text, Sections: sections, List: opts})
}

func (m *MockSender) SendMedia(_ context.Context, to string, kind models.MediaKind, ref string, refType models.MediaRefType, caption string) error {
	return m.record(SentMessage{Kind: "media", To: to, Text: caption, Media: kind, Ref: ref, RefType: refType})
}

// Sent returns a copy of everything sent so far.
func (m *MockSender) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// Texts returns the text of every message sent so far.
func (m *MockSender) Texts() []string {
	var out []string
	for _, msg := range m.Sent() {
		out = append(out, msg.Text)
	}
	return out
}

// Reset forgets recorded messages.
func (m *MockSender) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
