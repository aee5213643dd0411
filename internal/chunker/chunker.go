// ABOUTME: Splits response text into transport-sized segments.
// ABOUTME: Handles whole code blocks, greedy line packing, and usage metadata placement.

package chunker

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultLimit is the per-message size limit in characters.
	DefaultLimit = 2000

	// ContinuationMarker ends every segment that is followed by another.
	ContinuationMarker = "…"

	// EmptyPlaceholder stands in for an empty response.
	EmptyPlaceholder = "…"

	// MetadataPlaceholder replaces metadata that cannot fit any segment.
	MetadataPlaceholder = "*(usage details too long to display)*"

	// margin is reserved in every text segment for the continuation marker.
	margin = 10

	fence = "```"
)

// Segment is one outbound message. Filename is set for a whole code block.
type Segment struct {
	Text     string
	Filename string
}

// Len returns the segment length in characters.
func (s Segment) Len() int {
	return utf8.RuneCountInString(s.Text)
}

// Chunk splits text into segments of at most limit characters and places
// metadata on the last one when it fits. A code block segment may exceed
// limit; frontends upload those as files.
func Chunk(text string, limit int, metadata string) []Segment {
	if limit <= margin {
		limit = DefaultLimit
	}
	text = strings.TrimRightFunc(text, unicode.IsSpace)

	if text == "" {
		return withMetadata([]Segment{{Text: EmptyPlaceholder}}, metadata, limit)
	}

	if lang, ok := wholeCodeBlock(text); ok {
		seg := Segment{Text: text, Filename: "response" + ExtensionFor(lang)}
		return withMetadata([]Segment{seg}, metadata, limit)
	}

	return withMetadata(pack(text, limit-margin), metadata, limit)
}

// UsageLine formats token usage metadata, or returns "" when total is zero.
func UsageLine(prompt, completion, total int) string {
	if total <= 0 {
		return ""
	}
	return fmt.Sprintf("\n*Prompt tokens: %d | Completion tokens: %d | Total tokens: %d*", prompt, completion, total)
}

// wholeCodeBlock reports whether text is a single fenced block and returns
// its language tag.
func wholeCodeBlock(text string) (string, bool) {
	if !strings.HasPrefix(text, fence) || !strings.HasSuffix(text, fence) {
		return "", false
	}
	nl := strings.IndexByte(text, '\n')
	if nl < 0 {
		return "", false
	}
	body := text[nl+1 : len(text)-len(fence)]
	// A fence inside the body means several blocks with prose between them.
	if strings.Contains(body, "\n"+fence) {
		return "", false
	}
	return strings.TrimSpace(text[len(fence):nl]), true
}

// pack greedily fills segments of at most budget characters, splitting at
// line boundaries and hard-cutting lines longer than budget.
func pack(text string, budget int) []Segment {
	var segments []Segment
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if curLen == 0 {
			return
		}
		segments = append(segments, Segment{Text: cur.String()})
		cur.Reset()
		curLen = 0
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		n := utf8.RuneCountInString(line)
		if curLen+n <= budget {
			cur.WriteString(line)
			curLen += n
			continue
		}
		flush()
		for n > budget {
			head, rest := splitRunes(line, budget)
			segments = append(segments, Segment{Text: head})
			line = rest
			n -= budget
		}
		cur.WriteString(line)
		curLen = n
	}
	flush()

	for i := 0; i < len(segments)-1; i++ {
		segments[i].Text = strings.TrimRight(segments[i].Text, "\n") + ContinuationMarker
	}
	last := len(segments) - 1
	segments[last].Text = strings.TrimRight(segments[last].Text, "\n")
	return segments
}

// withMetadata attaches metadata to the last segment if the result fits
// limit, otherwise appends it as its own segment.
func withMetadata(segments []Segment, metadata string, limit int) []Segment {
	if metadata == "" {
		return segments
	}
	last := &segments[len(segments)-1]
	if last.Len()+utf8.RuneCountInString(metadata) <= limit {
		last.Text += metadata
		return segments
	}
	if utf8.RuneCountInString(metadata) > limit {
		metadata = MetadataPlaceholder
	}
	return append(segments, Segment{Text: strings.TrimLeft(metadata, "\n")})
}

func splitRunes(s string, n int) (string, string) {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], s[pos:]
		}
		i++
	}
	return s, ""
}
