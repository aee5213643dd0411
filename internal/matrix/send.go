// ABOUTME: Outbound message delivery for the Matrix bot
// ABOUTME: Paces sends with a rate limiter and uploads oversized code blocks as files

package matrix

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/crypto/attachment"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/iris/internal/chunker"
)

// send posts content to a room after waiting for the rate limiter.
func (b *Bot) send(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	_, err := b.api.SendMessageEvent(sendCtx, roomID, event.EventMessage, content)
	return err
}

// sendNotice posts an m.notice. Failures are logged only.
func (b *Bot) sendNotice(ctx context.Context, roomID id.RoomID, text string) {
	if err := b.send(ctx, roomID, noticeContent(text)); err != nil {
		b.logger.Error("failed to send notice", "room", roomID.String(), "error", err)
	}
}

// sendSegment posts one response segment. Code block segments over the
// limit go out as a file named by the chunker.
func (b *Bot) sendSegment(ctx context.Context, roomID id.RoomID, seg chunker.Segment) error {
	if seg.Filename != "" && seg.Len() > b.cfg.Bot.SegmentLimit {
		return b.sendFile(ctx, roomID, seg.Filename, []byte(codeBody(seg.Text)))
	}
	return b.send(ctx, roomID, textContent(seg.Text))
}

// sendFile uploads data and posts it as m.file, encrypting it first when
// the room is encrypted.
func (b *Bot) sendFile(ctx context.Context, roomID id.RoomID, filename string, data []byte) error {
	content := &event.MessageEventContent{
		MsgType:  event.MsgFile,
		Body:     filename,
		FileName: filename,
		Info: &event.FileInfo{
			MimeType: "text/plain",
			Size:     len(data),
		},
	}

	uploadType := "text/plain"
	var file *attachment.EncryptedFile
	if b.isEncrypted != nil && b.isEncrypted(ctx, roomID) {
		file = attachment.NewEncryptedFile()
		file.EncryptInPlace(data)
		uploadType = "application/octet-stream"
	}

	upCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	resp, err := b.api.UploadBytesWithName(upCtx, data, uploadType, filename)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", filename, err)
	}

	if file != nil {
		content.File = &event.EncryptedFileInfo{
			EncryptedFile: *file,
			URL:           resp.ContentURI.CUString(),
		}
	} else {
		content.URL = resp.ContentURI.CUString()
	}
	return b.send(ctx, roomID, content)
}

// codeBody strips the opening fence line and the closing fence.
func codeBody(text string) string {
	_, rest, ok := strings.Cut(text, "\n")
	if !ok {
		return text
	}
	return strings.TrimSuffix(rest, "```")
}
