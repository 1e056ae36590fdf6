package indexer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteCodec treats every byte as one token, which makes window boundaries
// line up with byte offsets and keeps the expectations below readable.
type byteCodec struct{}

func (byteCodec) Encode(text string) []int {
	tokens := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		tokens[i] = int(text[i])
	}
	return tokens
}

func (byteCodec) Decode(tokens []int) string {
	b := make([]byte, len(tokens))
	for i, tok := range tokens {
		b[i] = byte(tok)
	}
	return string(b)
}

func (byteCodec) Count(text string) int { return len(text) }

func TestChunksSingleWindowWhenContentFits(t *testing.T) {
	c := newChunker(byteCodec{}, 8, 2, 8192)
	chunks := c.Chunks("abcdefgh")

	require.Len(t, chunks, 1)
	assert.Equal(t, "abcdefgh", chunks[0].Text)
	assert.Equal(t, 8, chunks[0].TokenCount)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 1, chunks[0].EndLine)
}

func TestChunksOverlappingWindows(t *testing.T) {
	c := newChunker(byteCodec{}, 8, 2, 8192)
	chunks := c.Chunks("abcdefghij")

	require.Len(t, chunks, 2)
	assert.Equal(t, "abcdefgh", chunks[0].Text)
	assert.Equal(t, 8, chunks[0].TokenCount)

	// Second window starts at target-overlap tokens in.
	assert.Equal(t, "ghij", chunks[1].Text)
	assert.Equal(t, 4, chunks[1].TokenCount)
}

func TestChunksOverlapClampedBelowTarget(t *testing.T) {
	c := newChunker(byteCodec{}, 4, 9, 8192)
	assert.Equal(t, 3, c.overlap)

	chunks := c.Chunks("abcde")
	require.Len(t, chunks, 2)
	assert.Equal(t, "abcd", chunks[0].Text)
	assert.Equal(t, "bcde", chunks[1].Text)
}

func TestChunksTargetClampedToMaxTokens(t *testing.T) {
	c := newChunker(byteCodec{}, 100, 0, 10)
	assert.Equal(t, 10, c.target)

	chunks := c.Chunks("abcdefghijklmnopqrst") // 20 tokens
	require.Len(t, chunks, 2)
	assert.Equal(t, 10, chunks[0].TokenCount)
	assert.Equal(t, 10, chunks[1].TokenCount)
}

func TestChunksLineNumbers(t *testing.T) {
	content := "one\ntwo\nthree\n"
	c := newChunker(byteCodec{}, 6, 0, 8192)
	chunks := c.Chunks(content)

	require.Len(t, chunks, 3)

	assert.Equal(t, "one\ntw", chunks[0].Text)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 2, chunks[0].EndLine)

	assert.Equal(t, "o\nthre", chunks[1].Text)
	assert.Equal(t, 2, chunks[1].StartLine)
	assert.Equal(t, 3, chunks[1].EndLine)

	assert.Equal(t, "e\n", chunks[2].Text)
	assert.Equal(t, 3, chunks[2].StartLine)
	assert.Equal(t, 3, chunks[2].EndLine)
}

func TestChunksEmptyContent(t *testing.T) {
	c := newChunker(byteCodec{}, 8, 2, 8192)
	assert.Nil(t, c.Chunks(""))
}

func TestChunkHashesAreDeterministic(t *testing.T) {
	c := newChunker(byteCodec{}, 8, 2, 8192)

	first := c.Chunks("abcdefghij")
	second := c.Chunks("abcdefghij")
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Hash, second[i].Hash)
	}

	changed := c.Chunks("abcdefghiX")
	assert.NotEqual(t, first[1].Hash, changed[1].Hash)
}

func TestLineForOffset(t *testing.T) {
	starts := lineStartOffsets("aa\nbb\ncc")
	require.Equal(t, []int{0, 3, 6}, starts)

	assert.Equal(t, 1, lineForOffset(starts, 0))
	assert.Equal(t, 1, lineForOffset(starts, 2)) // the newline itself
	assert.Equal(t, 2, lineForOffset(starts, 3))
	assert.Equal(t, 3, lineForOffset(starts, 7))
}
