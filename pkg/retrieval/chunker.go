package retrieval

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	DefaultChunkLines   = 80
	DefaultChunkOverlap = 8
)

// ChunkFile splits a file into documents tagged with source and line range.
// Markdown splits on "## " and "### " headings; everything else uses
// overlapping line windows.
func ChunkFile(path, content string, maxLines int) []Document {
	if maxLines <= 0 {
		maxLines = DefaultChunkLines
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")

	var spans [][2]int
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		spans = headingSpans(lines, maxLines)
	default:
		spans = windowSpans(len(lines), maxLines, DefaultChunkOverlap)
	}

	docs := make([]Document, 0, len(spans))
	for _, sp := range spans {
		text := strings.TrimSpace(strings.Join(lines[sp[0]:sp[1]], "\n"))
		if text == "" {
			continue
		}
		docs = append(docs, Document{
			ID:      fmt.Sprintf("%s#L%d", path, sp[0]+1),
			Content: text,
			Metadata: map[string]interface{}{
				"source":     path,
				"start_line": sp[0] + 1,
				"end_line":   sp[1],
			},
		})
	}
	return docs
}

// windowSpans returns half-open line ranges; a tail shorter than the
// overlap is folded into the previous window.
func windowSpans(total, size, overlap int) [][2]int {
	if total <= size {
		return [][2]int{{0, total}}
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var spans [][2]int
	for start := 0; start < total; start += step {
		end := start + size
		if end >= total {
			spans = append(spans, [2]int{start, total})
			break
		}
		if total-(start+step) < overlap {
			spans = append(spans, [2]int{start, total})
			break
		}
		spans = append(spans, [2]int{start, end})
	}
	return spans
}

func headingSpans(lines []string, maxLines int) [][2]int {
	var spans [][2]int
	start := 0
	for i, line := range lines {
		heading := strings.HasPrefix(line, "## ") || strings.HasPrefix(line, "### ")
		if heading && i > start {
			spans = append(spans, [2]int{start, i})
			start = i
		}
		if i+1-start >= maxLines {
			spans = append(spans, [2]int{start, i + 1})
			start = i + 1
		}
	}
	if start < len(lines) {
		spans = append(spans, [2]int{start, len(lines)})
	}
	return spans
}
