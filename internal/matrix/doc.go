// Package matrix is the Matrix frontend for iris.
//
// A Bot syncs with the homeserver through mautrix, turns room messages into
// pipeline turns, and posts the resulting segments back to the room. Each
// room is one conversation; its id is the room id.
//
// # Addressing
//
// The bot answers when it is mentioned (m.mentions, a matrix.to pill, or the
// user id in the body), when the room is a two-member direct chat, or when
// auto-reply is on for the room. A mention with no text and no attachment is
// ignored.
//
// # Commands
//
// Messages starting with the command prefix ("!" by default) and naming a
// known command are handled here and never reach the model. Commands that
// change settings or history require the sender to be listed in bot.admins
// and are written to the audit log.
//
// # Output
//
// Segments are sent as m.text with goldmark-rendered HTML. Mention tokens
// of the form <@user:server> become pills. Code block segments larger than
// the segment limit are uploaded and sent as m.file.
package matrix
