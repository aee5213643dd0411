// Package pipeline runs one conversational turn end to end: it turns the
// user's text and attachments into a history entry, asks the provider for a
// completion, keeps history consistent when anything fails, records token
// usage, and chunks the answer for the transport.
//
// # States
//
//	Idle -> Preparing -> Dispatched -> Completed
//	                              \-> Failed
//
// Turns for the same conversation run strictly one after another on a
// KeyedQueue; different conversations run in parallel.
//
// # Failure handling
//
// Once the user message is in history, every failure path (transport error,
// unusable response, stop request) rolls the history back to exactly what
// it was before the turn. Oversized or unreadable attachments are skipped
// with a notice; a turn left with nothing to send ends in Idle without
// touching history or the network.
package pipeline
