package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/mitchellh/mapstructure"
)

// NodeType is the discriminator of the node union.
type NodeType string

const (
	NodeTypeIfElse        NodeType = "if-else"
	NodeTypeMessage       NodeType = "message"
	NodeTypeStart         NodeType = "start"
	NodeTypePrompt        NodeType = "prompt"
	NodeTypeButton        NodeType = "whatsapp-button"
	NodeTypeList          NodeType = "whatsapp-list"
	NodeTypeEnd           NodeType = "end"
	NodeTypeVideo         NodeType = "whatsapp-video"
	NodeTypeDelay         NodeType = "delay"
	NodeTypeDocument      NodeType = "whatsapp-document"
	NodeTypeUserUpdate    NodeType = "whatsapp-user-update"
	NodeTypeLinkParser    NodeType = "whatsapp-ownboarding-link-parser"
	NodeTypeValidateDise  NodeType = "whatsapp-validate-dise-code"
	NodeTypeConfirmSchool NodeType = "whatsapp-confirm-school"
)

// ErrUnknownNodeType is returned when a node's type has no payload variant.
var ErrUnknownNodeType = errors.New("unknown node type")

// NodeData is implemented by every node payload variant.
type NodeData interface {
	NodeType() NodeType
}

// Operator is a comparison operator of an if-else condition.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
)

// ConditionType tells how the right-hand side of a condition is obtained.
type ConditionType string

const (
	ConditionString   ConditionType = "string"
	ConditionNumber   ConditionType = "number"
	ConditionBoolean  ConditionType = "boolean"
	ConditionVariable ConditionType = "variable"
	ConditionNull     ConditionType = "null"
)

// Condition compares a resolved variable against a literal or another variable.
type Condition struct {
	Variable string        `json:"variable"`
	Operator Operator      `json:"condition"`
	Type     ConditionType `json:"type"`
	Value    string        `json:"value"`
}

// PromptInputType constrains what a prompt accepts.
type PromptInputType string

const (
	PromptInputText   PromptInputType = "text"
	PromptInputNumber PromptInputType = "number"
)

// IfElseData routes on the first matching condition, or the trailing else edge.
type IfElseData struct {
	Conditions []Condition `json:"conditions"`
}

// MessageData sends a plain text message.
type MessageData struct {
	Text string `json:"text"`
}

// StartData marks the entry point of a graph.
type StartData struct{}

// PromptData captures free text from the user. For number prompts Min and
// Max bound the length of the reply.
type PromptData struct {
	Text string          `json:"text,omitempty"`
	Type PromptInputType `json:"type,omitempty"`
	Min  int             `json:"min,omitempty"`
	Max  int             `json:"max,omitempty"`
}

// ButtonHeader is the optional header of a reply-button message.
type ButtonHeader struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	Image    *MediaRef `json:"image,omitempty"`
	Video    *MediaRef `json:"video,omitempty"`
	Document *MediaRef `json:"document,omitempty"`
}

// MediaRef points at uploaded media by id or at a public link.
type MediaRef struct {
	ID   string `json:"id,omitempty"`
	Link string `json:"link,omitempty"`
}

// ButtonData offers up to three reply buttons.
type ButtonData struct {
	Text    string        `json:"text"`
	Buttons []string      `json:"buttons"`
	Footer  string        `json:"footer,omitempty"`
	Header  *ButtonHeader `json:"header,omitempty"`
}

// ListData offers a list of options. When CorrectIndex is set the first
// answer is scored.
type ListData struct {
	Text         string   `json:"text"`
	Buttons      []string `json:"buttons"`
	Footer       string   `json:"footer,omitempty"`
	Header       string   `json:"header,omitempty"`
	ButtonLabel  string   `json:"buttonLabel,omitempty"`
	CorrectIndex *int     `json:"correctIndex,omitempty"`
}

// EndData terminates a graph, optionally with a closing message.
type EndData struct {
	Text string `json:"text,omitempty"`
}

// VideoData sends a video by media id or link.
type VideoData struct {
	Media     string       `json:"media"`
	MediaType MediaRefType `json:"mediaType"`
	Caption   string       `json:"caption,omitempty"`
}

// DelayData holds the walk for DelayInSecs. Message is sent while waiting.
type DelayData struct {
	DelayInSecs int    `json:"delayInSecs"`
	Message     string `json:"message,omitempty"`
}

// DocumentData sends an uploaded document.
type DocumentData struct {
	ID string `json:"id"`
}

// UserUpdateData writes its non-empty fields into the session.
type UserUpdateData struct {
	Name     string `json:"name,omitempty"`
	Age      string `json:"age,omitempty"`
	DiseCode string `json:"whatsapp_ownboarding_dise_code,omitempty"`
}

// LinkParserData extracts onboarding details from a shared link text and
// routes on the kind of details found.
type LinkParserData struct {
	Link  string   `json:"link"`
	Paths []string `json:"paths"`
}

// ValidateDiseData routes on whether the session's DISE code resolves to a school.
type ValidateDiseData struct {
	Paths []string `json:"paths"`
}

// ConfirmSchoolData asks the user to pick one of Paths.
type ConfirmSchoolData struct {
	Text  string   `json:"text"`
	Paths []string `json:"paths"`
}

func (IfElseData) NodeType() NodeType        { return NodeTypeIfElse }
func (MessageData) NodeType() NodeType       { return NodeTypeMessage }
func (StartData) NodeType() NodeType         { return NodeTypeStart }
func (PromptData) NodeType() NodeType        { return NodeTypePrompt }
func (ButtonData) NodeType() NodeType        { return NodeTypeButton }
func (ListData) NodeType() NodeType          { return NodeTypeList }
func (EndData) NodeType() NodeType           { return NodeTypeEnd }
func (VideoData) NodeType() NodeType         { return NodeTypeVideo }
func (DelayData) NodeType() NodeType         { return NodeTypeDelay }
func (DocumentData) NodeType() NodeType      { return NodeTypeDocument }
func (UserUpdateData) NodeType() NodeType    { return NodeTypeUserUpdate }
func (LinkParserData) NodeType() NodeType    { return NodeTypeLinkParser }
func (ValidateDiseData) NodeType() NodeType  { return NodeTypeValidateDise }
func (ConfirmSchoolData) NodeType() NodeType { return NodeTypeConfirmSchool }

var nodeDataFactories = map[NodeType]func() any{
	NodeTypeIfElse:        func() any { return &IfElseData{} },
	NodeTypeMessage:       func() any { return &MessageData{} },
	NodeTypeStart:         func() any { return &StartData{} },
	NodeTypePrompt:        func() any { return &PromptData{} },
	NodeTypeButton:        func() any { return &ButtonData{} },
	NodeTypeList:          func() any { return &ListData{} },
	NodeTypeEnd:           func() any { return &EndData{} },
	NodeTypeVideo:         func() any { return &VideoData{} },
	NodeTypeDelay:         func() any { return &DelayData{} },
	NodeTypeDocument:      func() any { return &DocumentData{} },
	NodeTypeUserUpdate:    func() any { return &UserUpdateData{} },
	NodeTypeLinkParser:    func() any { return &LinkParserData{} },
	NodeTypeValidateDise:  func() any { return &ValidateDiseData{} },
	NodeTypeConfirmSchool: func() any { return &ConfirmSchoolData{} },
}

// IsKnownNodeType reports whether t has a payload variant.
func IsKnownNodeType(t NodeType) bool {
	_, ok := nodeDataFactories[t]
	return ok
}

// DecodeNodeData decodes a raw JSON payload into the variant for t.
// Authored payloads are loosely typed (numbers as strings and the like), so
// decoding goes through a weakly typed map decoder.
func DecodeNodeData(t NodeType, raw []byte) (NodeData, error) {
	factory, ok := nodeDataFactories[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, t)
	}
	fields := map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("failed to decode %s data: %w", t, err)
		}
	}
	target := factory()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       boolToStringHook,
		Result:           target,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(fields); err != nil {
		return nil, fmt.Errorf("failed to decode %s data: %w", t, err)
	}
	// Variants are stored by value.
	return reflect.ValueOf(target).Elem().Interface().(NodeData), nil
}

// boolToStringHook keeps booleans as "true"/"false" where the weak decoder
// would otherwise produce "1"/"0".
func boolToStringHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() == reflect.Bool && to.Kind() == reflect.String {
		return strconv.FormatBool(data.(bool)), nil
	}
	return data, nil
}
