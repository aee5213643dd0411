// Package chunker splits model output into segments that fit a transport's
// per-message size limit.
//
// Plain text is packed greedily line by line, with a continuation marker on
// every segment but the last. A response that is a single fenced code block
// is kept whole and labelled with a filename derived from its language tag,
// so frontends can upload it as a file instead of fragmenting it. Usage
// metadata is attached to the last segment when it fits, and otherwise sent
// on its own.
package chunker
