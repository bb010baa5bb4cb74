package impl

import (
	"strings"

	"github.com/tas-graphrag/models"
)

// chunk target and ceiling in bytes. Paragraphs merge up to the target;
// nothing except a fenced code block may exceed the ceiling.
const (
	chunkTargetBytes = 1500
	chunkMaxBytes    = 4000
)

// chunkSpan is one byte-range slice produced by the chunker
type chunkSpan struct {
	Start     int
	End       int
	Content   string
	ChunkType models.ChunkType
}

// chunkDocument splits content into non-overlapping, monotonically ordered
// spans. Markdown headers and fenced code blocks become their own chunks;
// plain paragraphs merge until the target size.
func chunkDocument(content string) []chunkSpan {
	var spans []chunkSpan
	var pending []chunkSpan

	flush := func() {
		if len(pending) == 0 {
			return
		}
		first, last := pending[0], pending[len(pending)-1]
		spans = append(spans, chunkSpan{
			Start:     first.Start,
			End:       last.End,
			Content:   content[first.Start:last.End],
			ChunkType: models.ChunkTypeParagraph,
		})
		pending = pending[:0]
	}

	pendingSize := func() int {
		if len(pending) == 0 {
			return 0
		}
		return pending[len(pending)-1].End - pending[0].Start
	}

	pos := 0
	for pos < len(content) {
		// Skip blank separation.
		for pos < len(content) && (content[pos] == '\n' || content[pos] == '\r') {
			pos++
		}
		if pos >= len(content) {
			break
		}

		blockStart := pos
		rest := content[pos:]

		switch {
		case strings.HasPrefix(rest, "```"):
			end := strings.Index(rest[3:], "```")
			var blockEnd int
			if end < 0 {
				blockEnd = len(content)
			} else {
				blockEnd = pos + 3 + end + 3
			}
			flush()
			spans = append(spans, chunkSpan{
				Start:     blockStart,
				End:       blockEnd,
				Content:   content[blockStart:blockEnd],
				ChunkType: models.ChunkTypeCode,
			})
			pos = blockEnd

		case rest[0] == '#':
			lineEnd := strings.IndexByte(rest, '\n')
			var blockEnd int
			if lineEnd < 0 {
				blockEnd = len(content)
			} else {
				blockEnd = pos + lineEnd
			}
			flush()
			spans = append(spans, chunkSpan{
				Start:     blockStart,
				End:       blockEnd,
				Content:   content[blockStart:blockEnd],
				ChunkType: models.ChunkTypeHeader,
			})
			pos = blockEnd

		default:
			// Paragraph runs to the next blank line.
			sep := strings.Index(rest, "\n\n")
			var blockEnd int
			if sep < 0 {
				blockEnd = len(content)
			} else {
				blockEnd = pos + sep
			}
			para := chunkSpan{Start: blockStart, End: blockEnd}

			// An oversized paragraph is split on sentence-ish boundaries.
			if blockEnd-blockStart > chunkMaxBytes {
				flush()
				spans = append(spans, splitOversized(content, blockStart, blockEnd)...)
			} else {
				if pendingSize()+(blockEnd-blockStart) > chunkTargetBytes {
					flush()
				}
				pending = append(pending, para)
			}
			pos = blockEnd
		}
	}
	flush()

	for i := range spans {
		spans[i].Content = content[spans[i].Start:spans[i].End]
	}
	return spans
}

// splitOversized cuts [start,end) into pieces no larger than chunkMaxBytes,
// preferring sentence endings then whitespace as cut points.
func splitOversized(content string, start, end int) []chunkSpan {
	var spans []chunkSpan
	for start < end {
		limit := start + chunkMaxBytes
		if limit >= end {
			spans = append(spans, chunkSpan{Start: start, End: end, ChunkType: models.ChunkTypeParagraph})
			break
		}
		cut := limit
		window := content[start:limit]
		if idx := strings.LastIndexAny(window, ".!?"); idx > chunkMaxBytes/2 {
			cut = start + idx + 1
		} else if idx := strings.LastIndexAny(window, " \n\t"); idx > chunkMaxBytes/2 {
			cut = start + idx
		}
		spans = append(spans, chunkSpan{Start: start, End: cut, ChunkType: models.ChunkTypeParagraph})
		start = cut
		for start < end && (content[start] == ' ' || content[start] == '\n') {
			start++
		}
	}
	return spans
}

// estimateTokens approximates the token count of text. Four bytes per token
// is close enough for budget accounting.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
