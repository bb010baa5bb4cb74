package impl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tas-graphrag/models"
)

func TestChunkDocument_HeadersAndParagraphs(t *testing.T) {
	content := "# Title\n\nFirst paragraph with some text.\n\nSecond paragraph with more text."

	spans := chunkDocument(content)
	require.Len(t, spans, 2)

	assert.Equal(t, models.ChunkTypeHeader, spans[0].ChunkType)
	assert.Equal(t, "# Title", spans[0].Content)

	// The two short paragraphs merge into one chunk.
	assert.Equal(t, models.ChunkTypeParagraph, spans[1].ChunkType)
	assert.Contains(t, spans[1].Content, "First paragraph")
	assert.Contains(t, spans[1].Content, "Second paragraph")
}

func TestChunkDocument_CodeFenceStaysWhole(t *testing.T) {
	code := "```go\nfunc main() {\n\tprintln(\"hi\")\n}\n```"
	content := "Intro paragraph.\n\n" + code + "\n\nOutro paragraph."

	spans := chunkDocument(content)

	var codeSpans []chunkSpan
	for _, s := range spans {
		if s.ChunkType == models.ChunkTypeCode {
			codeSpans = append(codeSpans, s)
		}
	}
	require.Len(t, codeSpans, 1)
	assert.Equal(t, code, codeSpans[0].Content)
}

func TestChunkDocument_SpansOrderedAndNonOverlapping(t *testing.T) {
	var b strings.Builder
	b.WriteString("# Heading\n\n")
	for i := 0; i < 30; i++ {
		b.WriteString(strings.Repeat("some words in a paragraph. ", 10))
		b.WriteString("\n\n")
	}
	content := b.String()

	spans := chunkDocument(content)
	require.NotEmpty(t, spans)

	prevEnd := 0
	for _, s := range spans {
		assert.GreaterOrEqual(t, s.Start, prevEnd)
		assert.Greater(t, s.End, s.Start)
		assert.Equal(t, content[s.Start:s.End], s.Content)
		prevEnd = s.End
	}
}

func TestChunkDocument_OversizedParagraphSplits(t *testing.T) {
	sentence := "This sentence pads the paragraph out to a considerable size. "
	content := strings.Repeat(sentence, 200)

	spans := chunkDocument(content)
	require.Greater(t, len(spans), 1)

	for _, s := range spans {
		assert.LessOrEqual(t, s.End-s.Start, chunkMaxBytes)
		assert.Equal(t, models.ChunkTypeParagraph, s.ChunkType)
	}
}

func TestChunkDocument_Empty(t *testing.T) {
	assert.Empty(t, chunkDocument(""))
	assert.Empty(t, chunkDocument("\n\n\n"))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("ab"))
	assert.Equal(t, 25, estimateTokens(strings.Repeat("a", 100)))
}
