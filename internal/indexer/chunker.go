package indexer

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"

	"github.com/fyrsmithlabs/codeindexd/internal/tokenizer"
)

// Chunk is one embeddable window of a file. Offsets are byte offsets into
// the original content; lines are 1-based and inclusive.
type Chunk struct {
	Text       string
	StartLine  int
	EndLine    int
	TokenCount int
	Hash       string
}

// chunker slides a fixed token window across file content. Window size and
// overlap are clamped at construction: target never exceeds maxTokens and
// overlap never reaches target, so the stride is always positive.
type chunker struct {
	codec   tokenizer.Codec
	target  int
	overlap int
}

func newChunker(codec tokenizer.Codec, targetTokens, overlapTokens, maxTokens int) *chunker {
	target := targetTokens
	if maxTokens > 0 && target > maxTokens {
		target = maxTokens
	}
	if target < 1 {
		target = 1
	}
	overlap := overlapTokens
	if overlap >= target {
		overlap = target - 1
	}
	if overlap < 0 {
		overlap = 0
	}
	return &chunker{codec: codec, target: target, overlap: overlap}
}

// Chunks tokenizes content and cuts it into overlapping windows. The same
// content always yields the same chunks and hashes.
func (c *chunker) Chunks(content string) []Chunk {
	tokens := c.codec.Encode(content)
	if len(tokens) == 0 {
		return nil
	}

	lineStarts := lineStartOffsets(content)
	offsets := newOffsetCache(c.codec, tokens, len(content))
	stride := c.target - c.overlap

	var chunks []Chunk
	for start := 0; start < len(tokens); start += stride {
		end := start + c.target
		if end > len(tokens) {
			end = len(tokens)
		}

		startOff := offsets.at(start)
		endOff := offsets.at(end)
		text := content[startOff:endOff]

		lastByte := endOff - 1
		if lastByte < startOff {
			lastByte = startOff
		}
		sum := sha1.Sum([]byte(text))
		chunks = append(chunks, Chunk{
			Text:       text,
			StartLine:  lineForOffset(lineStarts, startOff),
			EndLine:    lineForOffset(lineStarts, lastByte),
			TokenCount: end - start,
			Hash:       hex.EncodeToString(sum[:]),
		})

		if end == len(tokens) {
			break
		}
	}
	return chunks
}

// offsetCache maps token boundaries to byte offsets by decoding the token
// prefix, memoized because window starts and ends revisit boundaries.
type offsetCache struct {
	codec      tokenizer.Codec
	tokens     []int
	contentLen int
	memo       map[int]int
}

func newOffsetCache(codec tokenizer.Codec, tokens []int, contentLen int) *offsetCache {
	return &offsetCache{codec: codec, tokens: tokens, contentLen: contentLen, memo: make(map[int]int)}
}

func (o *offsetCache) at(tokenIdx int) int {
	if tokenIdx <= 0 {
		return 0
	}
	if tokenIdx >= len(o.tokens) {
		return o.contentLen
	}
	if off, ok := o.memo[tokenIdx]; ok {
		return off
	}
	off := len(o.codec.Decode(o.tokens[:tokenIdx]))
	o.memo[tokenIdx] = off
	return off
}

// lineStartOffsets returns the byte offset of the first byte of each line.
func lineStartOffsets(content string) []int {
	starts := []int{0}
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' && i+1 < len(content) {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// lineForOffset returns the 1-based line containing the byte at off.
func lineForOffset(lineStarts []int, off int) int {
	// First index whose start is beyond off; the line is the one before it.
	idx := sort.Search(len(lineStarts), func(i int) bool { return lineStarts[i] > off })
	if idx == 0 {
		return 1
	}
	return idx
}
