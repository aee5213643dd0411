// ABOUTME: Decides which room messages the bot should answer
// ABOUTME: Handles room gatekeeping, mention detection, and mention stripping

package matrix

import (
	"slices"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// permitted applies room and user gatekeeping. Admins always pass.
func (b *Bot) permitted(roomID, sender string) bool {
	if b.cfg.IsAdmin(sender) {
		return true
	}
	if b.cfg.Bot.AdminsOnly {
		return false
	}
	return b.cfg.RoomAllowed(roomID)
}

// mentioned reports whether content addresses userID.
func mentioned(content *event.MessageEventContent, userID id.UserID) bool {
	if content.Mentions != nil && slices.Contains(content.Mentions.UserIDs, userID) {
		return true
	}
	if strings.Contains(content.FormattedBody, "https://matrix.to/#/"+string(userID)) {
		return true
	}
	return strings.Contains(content.Body, string(userID))
}

// stripMention removes references to the bot from body: the full user id,
// and a leading "Name:" or "localpart:" as clients insert for pills.
func stripMention(body string, userID id.UserID, displayName string) string {
	body = strings.ReplaceAll(body, string(userID), "")

	trimmed := strings.TrimSpace(body)
	for _, name := range []string{displayName, localpart(userID)} {
		if name == "" {
			continue
		}
		for _, sep := range []string{":", ","} {
			prefix := name + sep
			if len(trimmed) >= len(prefix) && strings.EqualFold(trimmed[:len(prefix)], prefix) {
				return strings.TrimSpace(trimmed[len(prefix):])
			}
		}
	}
	return trimmed
}

// localpart returns "alice" for "@alice:example.org".
func localpart(userID id.UserID) string {
	s := strings.TrimPrefix(string(userID), "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}
