package retrieval

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkFile_MarkdownSplitsOnHeadings(t *testing.T) {
	content := "# Title\nintro\n## Install\nrun make\n### Flags\nuse -v\n"

	docs := ChunkFile("guide.md", content, 0)
	require.Len(t, docs, 3)
	assert.Equal(t, "# Title\nintro", docs[0].Content)
	assert.Equal(t, "## Install\nrun make", docs[1].Content)
	assert.Equal(t, "### Flags\nuse -v", docs[2].Content)
	assert.Equal(t, "guide.md", docs[1].Metadata["source"])
	assert.Equal(t, 3, docs[1].Metadata["start_line"])
	assert.Equal(t, "guide.md#L3", docs[1].ID)
}

func TestChunkFile_TextWindowsOverlap(t *testing.T) {
	lines := make([]string, 0, 25)
	for i := 1; i <= 25; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}

	docs := ChunkFile("notes.txt", strings.Join(lines, "\n"), 10)
	require.NotEmpty(t, docs)
	assert.True(t, strings.HasPrefix(docs[0].Content, "line 1\n"))
	assert.True(t, strings.HasPrefix(docs[1].Content, "line 3\n"))
	assert.True(t, strings.HasSuffix(docs[len(docs)-1].Content, "line 25"))
}

func TestChunkFile_SmallFileIsOneChunk(t *testing.T) {
	docs := ChunkFile("a.txt", "hello\nworld", 10)
	require.Len(t, docs, 1)
	assert.Equal(t, 1, docs[0].Metadata["start_line"])
	assert.Equal(t, 2, docs[0].Metadata["end_line"])
}

func TestChunkFile_BlankContent(t *testing.T) {
	assert.Empty(t, ChunkFile("a.txt", "  \n\n", 10))
}
