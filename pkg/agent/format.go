package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/dotsetgreg/dotrag/pkg/logger"
	"github.com/dotsetgreg/dotrag/pkg/retrieval"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func countTokens(text string) int {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			logger.WarnCF("agent", "Token encoder unavailable, estimating", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		enc = e
	})
	if enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

func estimateTokens(text string) int {
	n := utf8.RuneCountInString(text) * 2 / 5
	if n < 8 {
		n = 8
	}
	return n
}

// FormatDocs renders documents as the context block of the response prompt.
// A positive budget stops adding documents once the running token count
// exceeds it; the first document is always kept.
func FormatDocs(docs []retrieval.Document, budget int) string {
	if len(docs) == 0 {
		return "<documents></documents>"
	}

	var b strings.Builder
	b.WriteString("<documents>\n")
	used := 0
	for i, doc := range docs {
		block := formatDoc(doc)
		if budget > 0 {
			used += countTokens(block)
			if i > 0 && used > budget {
				logger.DebugCF("agent", "Context budget reached", map[string]interface{}{
					"kept":    i,
					"dropped": len(docs) - i,
				})
				break
			}
		}
		b.WriteString(block)
	}
	b.WriteString("</documents>")
	return b.String()
}

func formatDoc(doc retrieval.Document) string {
	keys := make([]string, 0, len(doc.Metadata))
	for k := range doc.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("<document")
	for _, k := range keys {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(formatAttr(doc.Metadata[k]))
	}
	b.WriteString(">\n")
	b.WriteString(doc.Content)
	b.WriteString("\n</document>\n")
	return b.String()
}

var attrEscaper = strings.NewReplacer("&", "&amp;", "'", "&apos;", "<", "&lt;", ">", "&gt;")

func formatAttr(v interface{}) string {
	switch vv := v.(type) {
	case string:
		return "'" + attrEscaper.Replace(vv) + "'"
	case nil:
		return "None"
	default:
		return attrEscaper.Replace(fmt.Sprint(vv))
	}
}
