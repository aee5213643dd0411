// ABOUTME: Conversation message model: roles, text parts, and attachment parts.
// ABOUTME: Parts form a tagged union of plain text or a binary attachment.

package conversation

import "strings"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AttachmentKind says how the provider should receive an attachment.
type AttachmentKind string

const (
	KindImage    AttachmentKind = "image"
	KindDocument AttachmentKind = "document"
)

// Attachment is a binary part kept verbatim in history.
type Attachment struct {
	Kind     AttachmentKind
	Data     []byte
	MIMEType string
	Filename string
}

// Part is either text or an attachment. Exactly one of Text or Attachment is
// meaningful; a nil Attachment means the part is text.
type Part struct {
	Text       string
	Attachment *Attachment
}

// TextPart builds a text part.
func TextPart(s string) Part {
	return Part{Text: s}
}

// AttachmentPart builds an attachment part.
func AttachmentPart(a Attachment) Part {
	return Part{Attachment: &a}
}

// IsText reports whether the part carries text.
func (p Part) IsText() bool {
	return p.Attachment == nil
}

// Message is one history entry. ID is assigned by the store on append.
type Message struct {
	ID    string
	Role  Role
	Parts []Part
}

// NewUserMessage builds a user message from parts.
func NewUserMessage(parts ...Part) Message {
	return Message{Role: RoleUser, Parts: parts}
}

// NewAssistantMessage builds a single-text assistant message.
func NewAssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{TextPart(text)}}
}

// Text joins the message's text parts with newlines.
func (m Message) Text() string {
	var texts []string
	for _, p := range m.Parts {
		if p.IsText() {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// clone copies the part slice so callers cannot mutate stored history.
// Attachment bytes are shared; they are never modified after creation.
func (m Message) clone() Message {
	parts := make([]Part, len(m.Parts))
	copy(parts, m.Parts)
	m.Parts = parts
	return m
}
