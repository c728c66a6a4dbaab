// Package models provides domain types shared across the relm driver:
// prompts, messages, usage accounting, iteration records, and completion
// results.
package models

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role-tagged chat message. Message histories are
// ordered and extended only by appending.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// PromptKind discriminates the admissible shapes of a completion request.
type PromptKind string

const (
	// PromptText is a plain string payload.
	PromptText PromptKind = "text"

	// PromptMessages is an ordered sequence of role-tagged messages.
	PromptMessages PromptKind = "messages"

	// PromptData is an arbitrary JSON-shaped document.
	PromptData PromptKind = "data"
)

// Prompt is a completion request payload. Exactly one of the underlying
// shapes is populated; use the constructors rather than building the
// struct directly.
type Prompt struct {
	kind     PromptKind
	text     string
	messages []Message
	data     json.RawMessage
}

// TextPrompt wraps a plain string payload.
func TextPrompt(s string) Prompt {
	return Prompt{kind: PromptText, text: s}
}

// MessagesPrompt wraps an ordered message sequence.
func MessagesPrompt(msgs []Message) Prompt {
	return Prompt{kind: PromptMessages, messages: msgs}
}

// DataPrompt wraps an arbitrary JSON document.
func DataPrompt(raw json.RawMessage) Prompt {
	return Prompt{kind: PromptData, data: raw}
}

// Kind reports which shape this prompt carries.
func (p Prompt) Kind() PromptKind {
	if p.kind == "" {
		return PromptText
	}
	return p.kind
}

// Text returns the plain-string payload. Valid only for PromptText.
func (p Prompt) Text() string { return p.text }

// Messages returns the message sequence. Valid only for PromptMessages.
func (p Prompt) Messages() []Message { return p.messages }

// Data returns the raw JSON document. Valid only for PromptData.
func (p Prompt) Data() json.RawMessage { return p.data }

// IsZero reports whether the prompt is empty.
func (p Prompt) IsZero() bool {
	return p.kind == "" && p.text == "" && p.messages == nil && p.data == nil
}

// Len returns the byte length of the payload: the text, the summed
// message contents, or the raw JSON document.
func (p Prompt) Len() int {
	switch p.Kind() {
	case PromptText:
		return len(p.text)
	case PromptMessages:
		n := 0
		for _, m := range p.messages {
			n += len(m.Content)
		}
		return n
	default:
		return len(p.data)
	}
}

// String renders the payload as text: the string itself, one
// "[role] content" line per message, or the raw JSON document.
func (p Prompt) String() string {
	switch p.Kind() {
	case PromptText:
		return p.text
	case PromptMessages:
		out := ""
		for i, m := range p.messages {
			if i > 0 {
				out += "\n"
			}
			out += fmt.Sprintf("[%s] %s", m.Role, m.Content)
		}
		return out
	default:
		return string(p.data)
	}
}

// MarshalJSON emits the underlying shape directly, so a text prompt is a
// JSON string, a message prompt is a JSON array, and a data prompt is the
// document itself.
func (p Prompt) MarshalJSON() ([]byte, error) {
	switch p.Kind() {
	case PromptText:
		return json.Marshal(p.text)
	case PromptMessages:
		return json.Marshal(p.messages)
	default:
		if len(p.data) == 0 {
			return []byte("null"), nil
		}
		return p.data, nil
	}
}

// UnmarshalJSON accepts a bare string, a message array, or any other JSON
// document, mirroring MarshalJSON.
func (p *Prompt) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*p = TextPrompt(s)
		return nil
	}
	var msgs []Message
	if err := json.Unmarshal(b, &msgs); err == nil && len(msgs) > 0 && msgs[0].Role != "" {
		*p = MessagesPrompt(msgs)
		return nil
	}
	raw := make(json.RawMessage, len(b))
	copy(raw, b)
	*p = DataPrompt(raw)
	return nil
}
