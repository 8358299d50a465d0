package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dotsetgreg/dotrag/pkg/retrieval"
)

func TestFormatDocs_Empty(t *testing.T) {
	assert.Equal(t, "<documents></documents>", FormatDocs(nil, 0))
}

func TestFormatDocs_MetadataSortedAndQuoted(t *testing.T) {
	docs := []retrieval.Document{
		{Content: "Hello", Metadata: map[string]interface{}{"source": "a.md", "page": 2}},
		{Content: "World"},
	}

	want := "<documents>\n" +
		"<document page=2 source='a.md'>\nHello\n</document>\n" +
		"<document>\nWorld\n</document>\n" +
		"</documents>"
	assert.Equal(t, want, FormatDocs(docs, 0))
}

func TestFormatDocs_EscapesAttributeValues(t *testing.T) {
	docs := []retrieval.Document{
		{Content: "body", Metadata: map[string]interface{}{"title": "Greg's <notes> & more"}},
	}

	want := "<documents>\n" +
		"<document title='Greg&apos;s &lt;notes&gt; &amp; more'>\nbody\n</document>\n" +
		"</documents>"
	assert.Equal(t, want, FormatDocs(docs, 0))
}

func TestEstimateTokens_Floor(t *testing.T) {
	assert.Equal(t, 8, estimateTokens("hi"))
	assert.Equal(t, 40, estimateTokens(string(make([]rune, 100))))
}
