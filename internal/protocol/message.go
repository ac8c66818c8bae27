package protocol

import "strings"

// Part content types
const (
	PartTypeText = "text"
	PartTypeData = "data"
)

// Part is one component of a message. Text parts carry a string in
// Content; data parts carry arbitrary JSON.
type Part struct {
	Type     string                 `json:"type"`
	Content  interface{}            `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Message is exchanged between agents as an ordered list of parts
type Message struct {
	Parts    []Part                 `json:"parts"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewTextPart creates a text part
func NewTextPart(text string) Part {
	return Part{Type: PartTypeText, Content: text}
}

// NewDataPart creates a structured data part
func NewDataPart(data interface{}) Part {
	return Part{Type: PartTypeData, Content: data}
}

// NewTextMessage creates a message with a single text part
func NewTextMessage(text string) *Message {
	return &Message{Parts: []Part{NewTextPart(text)}}
}

// TextContent joins the string content of all text parts with spaces.
// Non-text parts and malformed text parts are skipped.
func (m *Message) TextContent() string {
	if m == nil {
		return ""
	}
	var texts []string
	for _, part := range m.Parts {
		if part.Type != PartTypeText {
			continue
		}
		if s, ok := part.Content.(string); ok {
			texts = append(texts, s)
		}
	}
	return strings.Join(texts, " ")
}

// TargetAgent returns the agent name from message metadata, if any.
// Clients set {"agent": <name>} to bypass content-based routing.
func (m *Message) TargetAgent() string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	if name, ok := m.Metadata["agent"].(string); ok {
		return name
	}
	return ""
}
