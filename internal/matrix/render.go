// ABOUTME: Converts model output into Matrix message content
// ABOUTME: Renders Markdown with goldmark and turns <@user> tokens into pills and m.mentions

package matrix

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// mentionToken matches <@user:server>, tolerating a doubled sigil since
// Matrix ids already start with @.
var mentionToken = regexp.MustCompile(`<@{1,2}([^<>\s:@]+:[^<>\s]+)>`)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// renderMarkdown converts text to HTML. Raw HTML in the input is dropped.
func renderMarkdown(text string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// textContent builds an m.text event for a segment.
func textContent(text string) *event.MessageEventContent {
	var users []id.UserID
	seen := make(map[id.UserID]bool)
	for _, m := range mentionToken.FindAllStringSubmatch(text, -1) {
		uid := id.UserID("@" + m[1])
		if !seen[uid] {
			seen[uid] = true
			users = append(users, uid)
		}
	}

	plain := mentionToken.ReplaceAllString(text, "@$1")
	content := &event.MessageEventContent{
		MsgType:  event.MsgText,
		Body:     plain,
		Mentions: &event.Mentions{UserIDs: users},
	}

	md := mentionToken.ReplaceAllStringFunc(text, func(tok string) string {
		uid := "@" + mentionToken.FindStringSubmatch(tok)[1]
		return fmt.Sprintf("[%s](https://matrix.to/#/%s)", uid, uid)
	})
	formatted, err := renderMarkdown(md)
	if err == nil && formatted != "" && !isBareParagraph(formatted, plain) {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}
	return content
}

// isBareParagraph reports whether the HTML adds nothing over the plain body.
func isBareParagraph(formatted, plain string) bool {
	return formatted == "<p>"+plain+"</p>" && !strings.ContainsAny(plain, "<>&\"'")
}

// noticeContent builds an m.notice event, used for errors and command replies.
func noticeContent(text string) *event.MessageEventContent {
	content := textContent(text)
	content.MsgType = event.MsgNotice
	return content
}
