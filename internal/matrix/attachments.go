// ABOUTME: Maps Matrix media events to pipeline attachments
// ABOUTME: Downloads lazily and decrypts encrypted files in place

package matrix

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/event"

	"github.com/2389/iris/internal/pipeline"
)

// isMedia reports whether msgType carries a file.
func isMedia(msgType event.MessageType) bool {
	switch msgType {
	case event.MsgImage, event.MsgFile, event.MsgAudio, event.MsgVideo:
		return true
	default:
		return false
	}
}

// caption returns the user text of a media event. Clients put the filename
// in body unless the sender added a caption.
func caption(content *event.MessageEventContent) string {
	if content.FileName != "" && content.Body != content.FileName {
		return content.Body
	}
	return ""
}

// attachmentFrom describes the file in a media event. The download happens
// only if the pipeline accepts the declared size.
func (b *Bot) attachmentFrom(content *event.MessageEventContent) (pipeline.Attachment, error) {
	att := pipeline.Attachment{
		Filename: content.FileName,
		MIMEType: "application/octet-stream",
	}
	if att.Filename == "" {
		att.Filename = content.Body
	}
	if content.Info != nil {
		if content.Info.MimeType != "" {
			att.MIMEType = content.Info.MimeType
		}
		att.Size = int64(content.Info.Size)
	}

	urlStr := content.URL
	if content.File != nil {
		urlStr = content.File.URL
	}
	uri, err := urlStr.Parse()
	if err != nil {
		return att, fmt.Errorf("parsing media url %q: %w", urlStr, err)
	}

	file := content.File
	att.Fetch = func(ctx context.Context) ([]byte, error) {
		data, err := b.api.DownloadBytes(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("downloading %s: %w", uri, err)
		}
		if file != nil {
			if err := file.DecryptInPlace(data); err != nil {
				return nil, fmt.Errorf("decrypting %s: %w", uri, err)
			}
		}
		return data, nil
	}
	return att, nil
}
