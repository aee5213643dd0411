// ABOUTME: Turns inbound text and attachments into user message parts.
// ABOUTME: Enforces the attachment size ceiling before download and decodes text files.

package pipeline

import (
	"context"
	"fmt"
	"mime"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/2389/iris/internal/conversation"
)

// DefaultMaxAttachmentBytes is the per-attachment size ceiling.
const DefaultMaxAttachmentBytes int64 = 10 * 1024 * 1024

// Attachment is an inbound file. Size is the size the transport declared;
// Fetch downloads the bytes and is only called for accepted attachments.
type Attachment struct {
	Filename string
	MIMEType string
	Size     int64
	Fetch    func(ctx context.Context) ([]byte, error)
}

// Turn is one inbound user message.
type Turn struct {
	ConversationID string
	UserID         string
	DisplayName    string
	Text           string
	Attachments    []Attachment

	// DefaultModel overrides the pipeline default for this turn when the
	// conversation has no model override.
	DefaultModel string
}

// prefixedText tags text with its author so the model can tell speakers apart.
func prefixedText(displayName, userID, text string) string {
	return fmt.Sprintf("%s (ID: %s): %s", displayName, userID, text)
}

// prepare builds the user message parts. Rejected attachments become
// validation errors; the turn continues without them.
func (p *Pipeline) prepare(ctx context.Context, turn Turn) ([]conversation.Part, []*ValidationError) {
	var parts []conversation.Part
	var rejected []*ValidationError

	if text := strings.TrimSpace(turn.Text); text != "" {
		parts = append(parts, conversation.TextPart(prefixedText(turn.DisplayName, turn.UserID, text)))
	}

	for _, att := range turn.Attachments {
		if att.Size > p.maxAttachment {
			rejected = append(rejected, &ValidationError{
				Filename: att.Filename,
				Reason: fmt.Sprintf("is %s, over the %s limit, and was skipped",
					humanize.IBytes(uint64(att.Size)), humanize.IBytes(uint64(p.maxAttachment))),
			})
			continue
		}
		if att.Fetch == nil {
			rejected = append(rejected, &ValidationError{Filename: att.Filename, Reason: "could not be read"})
			continue
		}
		data, err := att.Fetch(ctx)
		if err != nil {
			rejected = append(rejected, &ValidationError{Filename: att.Filename, Reason: "could not be read", Err: err})
			continue
		}
		if int64(len(data)) > p.maxAttachment {
			rejected = append(rejected, &ValidationError{
				Filename: att.Filename,
				Reason:   fmt.Sprintf("is over the %s limit and was skipped", humanize.IBytes(uint64(p.maxAttachment))),
			})
			continue
		}
		parts = append(parts, attachmentPart(att, data))
	}
	return parts, rejected
}

// attachmentPart keeps images and PDFs as binary parts and inlines
// everything else as text between file markers.
func attachmentPart(att Attachment, data []byte) conversation.Part {
	mediaType := att.MIMEType
	if parsed, _, err := mime.ParseMediaType(att.MIMEType); err == nil {
		mediaType = parsed
	}

	switch {
	case strings.HasPrefix(mediaType, "image/"):
		return conversation.AttachmentPart(conversation.Attachment{
			Kind: conversation.KindImage, Data: data, MIMEType: mediaType, Filename: att.Filename,
		})
	case mediaType == "application/pdf":
		return conversation.AttachmentPart(conversation.Attachment{
			Kind: conversation.KindDocument, Data: data, MIMEType: mediaType, Filename: att.Filename,
		})
	default:
		content := strings.ToValidUTF8(string(data), "\uFFFD")
		return conversation.TextPart(fmt.Sprintf("\n--- Content of %s ---\n%s\n--- End of %s ---", att.Filename, content, att.Filename))
	}
}
