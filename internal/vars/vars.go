// Package vars resolves ${entity.field} placeholders against a user's session
// and chat input, and evaluates the conditions of if-else nodes.
package vars

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/tidwall/gjson"
)

var placeholderPattern = regexp.MustCompile(`\$\{(.*?)\}`)

// Scope is the resolution context of one walk step: {user, chat: {input}}.
type Scope struct {
	doc []byte
}

type userDoc struct {
	*models.Session
	LevelScore string `json:"level_score"`
}

type chatDoc struct {
	Input string `json:"input,omitempty"`
}

type scopeDoc struct {
	User userDoc `json:"user"`
	Chat chatDoc `json:"chat"`
}

// NewScope builds a scope for session and the current chat input.
func NewScope(session *models.Session, input string) *Scope {
	if session == nil {
		session = &models.Session{}
	}
	sum, count := session.LevelScore()
	doc, err := json.Marshal(scopeDoc{
		User: userDoc{Session: session, LevelScore: fmt.Sprintf("%d/%d", sum, count)},
		Chat: chatDoc{Input: input},
	})
	if err != nil {
		// Session is plain data; this only fails on programmer error.
		slog.Error("vars.NewScope: failed to encode scope", "error", err)
		doc = []byte(`{}`)
	}
	return &Scope{doc: doc}
}

// Resolve returns the string form of the value at path, which must have
// exactly two dot-separated segments. It reports false when the path does not
// resolve or resolves to null.
func (s *Scope) Resolve(path string) (string, bool) {
	parts := strings.Split(path, ".")
	if len(parts) != 2 {
		return "", false
	}
	entity, field := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if entity == "" || field == "" {
		return "", false
	}
	res := gjson.GetBytes(s.doc, gjson.Escape(entity)+"."+gjson.Escape(field))
	if !res.Exists() || res.Type == gjson.Null {
		return "", false
	}
	return res.String(), true
}

// Interpolate replaces every ${path} in text. Unresolved paths become empty.
func (s *Scope) Interpolate(text string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(m string) string {
		v, _ := s.Resolve(placeholderPattern.FindStringSubmatch(m)[1])
		return v
	})
}

// ParseNode returns a copy of node whose data has every placeholder
// instantiated for this scope. The stored graph is not modified.
func (s *Scope) ParseNode(node models.Node) (models.Node, error) {
	raw, err := json.Marshal(node.Data)
	if err != nil {
		return node, fmt.Errorf("failed to encode node %s data: %w", node.ID, err)
	}
	if !placeholderPattern.Match(raw) {
		return node, nil
	}
	replaced := placeholderPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		path := string(placeholderPattern.FindSubmatch(m)[1])
		v, ok := s.Resolve(path)
		if !ok {
			return nil
		}
		return jsonEscape(v)
	})
	data, err := models.DecodeNodeData(node.Type, replaced)
	if err != nil {
		return node, &models.GraphIntegrityError{
			NodeID:  node.ID,
			Message: fmt.Sprintf("failed to instantiate node data: %v", err),
		}
	}
	out := node
	out.Data = data
	return out, nil
}

// jsonEscape encodes v for placement inside a JSON string literal.
func jsonEscape(v string) []byte {
	b, _ := json.Marshal(v)
	return b[1 : len(b)-1]
}
