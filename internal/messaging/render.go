package messaging

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// Text channels cannot show buttons or lists, so choices are rendered as
// numbered lines and the user may answer with the number.

// RenderChoice renders a button message as text.
func RenderChoice(text string, options []string, footer string) string {
	var b strings.Builder
	b.WriteString(text)
	if len(options) > 0 {
		b.WriteString("\n")
	}
	for i, opt := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
	}
	if footer != "" {
		fmt.Fprintf(&b, "\n\n_%s_", footer)
	}
	return b.String()
}

// RenderList renders a list message as text and returns the row titles in
// the order they were numbered.
func RenderList(text string, sections []models.ListSection, opts models.ListOptions) (string, []string) {
	var b strings.Builder
	if opts.Header != "" {
		fmt.Fprintf(&b, "*%s*\n\n", opts.Header)
	}
	b.WriteString(text)

	var titles []string
	for _, sec := range sections {
		for _, row := range sec.Rows {
			titles = append(titles, row.Title)
			if len(titles) == 1 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "\n%d. %s", len(titles), row.Title)
			if row.Description != "" {
				fmt.Fprintf(&b, " (%s)", row.Description)
			}
		}
	}
	if opts.Footer != "" {
		fmt.Fprintf(&b, "\n\n_%s_", opts.Footer)
	}
	return b.String(), titles
}

// RenderMedia renders a media message as text. Only links can be shown on
// text channels; an uploaded media id leaves just the caption.
func RenderMedia(ref string, refType models.MediaRefType, caption string) string {
	if refType != models.MediaRefLink || ref == "" {
		return caption
	}
	if caption == "" {
		return ref
	}
	return caption + "\n" + ref
}

// ChoiceMemory remembers the options last offered to each user so that a
// numbered reply can be mapped back to the option title.
type ChoiceMemory struct {
	mu      sync.Mutex
	offered map[string][]string
}

// NewChoiceMemory returns an empty ChoiceMemory.
func NewChoiceMemory() *ChoiceMemory {
	return &ChoiceMemory{offered: make(map[string][]string)}
}

// Remember records the options offered to recipient. Empty options forget.
func (m *ChoiceMemory) Remember(recipient string, options []string) {
	key, err := CanonicalizeRecipient(recipient)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(options) == 0 {
		delete(m.offered, key)
		return
	}
	m.offered[key] = append([]string(nil), options...)
}

// Resolve returns the option named by a numbered reply, or text unchanged.
func (m *ChoiceMemory) Resolve(sender, text string) string {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return text
	}
	key, err := CanonicalizeRecipient(sender)
	if err != nil {
		return text
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	opts := m.offered[key]
	if n < 1 || n > len(opts) {
		return text
	}
	return opts[n-1]
}
