// ABOUTME: Tests for response chunking.
// ABOUTME: Covers size bounds, continuation markers, code blocks, and metadata placement.

package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk_ShortTextSingleSegment(t *testing.T) {
	segs := Chunk("Hi!\n\n", 2000, "")
	require.Len(t, segs, 1)
	assert.Equal(t, "Hi!", segs[0].Text)
	assert.Empty(t, segs[0].Filename)
}

func TestChunk_LongTextWithoutNewlines(t *testing.T) {
	text := strings.Repeat("x", 4500)
	segs := Chunk(text, 2000, "")

	require.Len(t, segs, 3)
	for _, s := range segs[:2] {
		assert.LessOrEqual(t, s.Len(), 2000)
		assert.True(t, strings.HasSuffix(s.Text, ContinuationMarker))
	}
	assert.False(t, strings.HasSuffix(segs[2].Text, ContinuationMarker))

	var rebuilt strings.Builder
	for _, s := range segs {
		rebuilt.WriteString(strings.TrimSuffix(s.Text, ContinuationMarker))
	}
	assert.Equal(t, text, rebuilt.String())
}

func TestChunk_SplitsAtLineBoundaries(t *testing.T) {
	line := strings.Repeat("a", 99) + "\n"
	text := strings.Repeat(line, 50) // 5000 chars
	segs := Chunk(text, 2000, "")

	require.Len(t, segs, 3)
	for _, s := range segs {
		assert.LessOrEqual(t, s.Len(), 2000)
		body := strings.TrimSuffix(s.Text, ContinuationMarker)
		for _, l := range strings.Split(body, "\n") {
			assert.Len(t, l, 99, "lines are never cut")
		}
	}
}

func TestChunk_CountsCharactersNotBytes(t *testing.T) {
	text := strings.Repeat("é", 1995)
	segs := Chunk(text, 2000, "")
	require.Len(t, segs, 2)
	assert.Equal(t, 1991, utf8.RuneCountInString(segs[0].Text))
}

func TestChunk_MetadataAppendedWhenItFits(t *testing.T) {
	meta := UsageLine(10, 2, 12)
	segs := Chunk("Hi!", 2000, meta)

	require.Len(t, segs, 1)
	assert.Equal(t, "Hi!\n*Prompt tokens: 10 | Completion tokens: 2 | Total tokens: 12*", segs[0].Text)
}

func TestChunk_MetadataOwnSegmentWhenFull(t *testing.T) {
	text := strings.Repeat("y", 1980)
	meta := UsageLine(1000, 1000, 2000)
	segs := Chunk(text, 2000, meta)

	require.Len(t, segs, 2)
	assert.Equal(t, text, segs[0].Text)
	assert.Equal(t, strings.TrimLeft(meta, "\n"), segs[1].Text)
}

func TestChunk_OversizedMetadataPlaceholder(t *testing.T) {
	segs := Chunk("short", 50, strings.Repeat("m", 60))

	require.Len(t, segs, 2)
	assert.Equal(t, "short", segs[0].Text)
	assert.Equal(t, MetadataPlaceholder, segs[1].Text)
}

func TestChunk_EmptyInput(t *testing.T) {
	segs := Chunk("  \n ", 2000, "")
	require.Len(t, segs, 1)
	assert.Equal(t, EmptyPlaceholder, segs[0].Text)

	segs = Chunk("", 2000, UsageLine(1, 1, 2))
	require.Len(t, segs, 1)
	assert.True(t, strings.HasPrefix(segs[0].Text, EmptyPlaceholder))
	assert.Contains(t, segs[0].Text, "Total tokens: 2")
}

func TestChunk_WholeCodeBlockKeptIntact(t *testing.T) {
	body := strings.Repeat("print('hello')\n", 200) // 3000 chars
	text := "```python\n" + body + "```"
	segs := Chunk(text, 2000, UsageLine(5, 5, 10))

	require.Len(t, segs, 2)
	assert.Equal(t, text, segs[0].Text)
	assert.Equal(t, "response.py", segs[0].Filename)
	assert.Contains(t, segs[1].Text, "Total tokens: 10")
}

func TestChunk_SmallCodeBlockCarriesMetadata(t *testing.T) {
	text := "```\nls -la\n```"
	segs := Chunk(text, 2000, UsageLine(1, 2, 3))

	require.Len(t, segs, 1)
	assert.Equal(t, "response.txt", segs[0].Filename)
	assert.True(t, strings.HasPrefix(segs[0].Text, text))
}

func TestChunk_ProseAroundCodeIsPacked(t *testing.T) {
	text := "```go\nfmt.Println(1)\n```\nsome words\n```go\nfmt.Println(2)\n```"
	segs := Chunk(text, 2000, "")

	require.Len(t, segs, 1)
	assert.Empty(t, segs[0].Filename)
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".py", ExtensionFor("Python"))
	assert.Equal(t, ".cpp", ExtensionFor("c++"))
	assert.Equal(t, ".yaml", ExtensionFor("yml"))
	assert.Equal(t, ".rs", ExtensionFor("rust"))
	assert.Equal(t, DefaultExtension, ExtensionFor(""))
	assert.Equal(t, DefaultExtension, ExtensionFor("brainfuck"))
}

func TestUsageLine(t *testing.T) {
	assert.Empty(t, UsageLine(0, 0, 0))
	assert.Equal(t, "\n*Prompt tokens: 1 | Completion tokens: 2 | Total tokens: 3*", UsageLine(1, 2, 3))
}
