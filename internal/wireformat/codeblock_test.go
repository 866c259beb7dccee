package wireformat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCodeBlocksLanguagePathConvention(t *testing.T) {
	text := "Here is the file:\n```go:internal/api/server.go\npackage api\n```\nThanks."
	blocks, err := ParseCodeBlocks(text)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "internal/api/server.go", blocks[0].Path)
	assert.Equal(t, "go", blocks[0].Language)
	assert.Equal(t, "package api", strings.TrimSpace(blocks[0].Content))
}

func TestParseCodeBlocksFilenamePathConvention(t *testing.T) {
	blocks, err := ParseCodeBlocks("```filename:README.md\n# Title\n```")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "README.md", blocks[0].Path)
	assert.Equal(t, "markdown", blocks[0].Language)
}

func TestParseCodeBlocksBarePathConvention(t *testing.T) {
	blocks, err := ParseCodeBlocks("```cmd/buildforge/main.go\npackage main\n```")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "cmd/buildforge/main.go", blocks[0].Path)
	assert.Equal(t, "go", blocks[0].Language)
}

func TestParseCodeBlocksPlainLanguageFenceHasNoPath(t *testing.T) {
	blocks, err := ParseCodeBlocks("```go\nfmt.Println(\"hi\")\n```")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.False(t, blocks[0].HasPath())
	assert.Equal(t, "go", blocks[0].Language)
}

func TestParseCodeBlocksPlainFenceWithNoHeaderAtAll(t *testing.T) {
	blocks, err := ParseCodeBlocks("```\nraw text\n```")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.False(t, blocks[0].HasPath())
	assert.Empty(t, blocks[0].Language)
}

func TestParseCodeBlocksRejectsEmptyPathAfterColon(t *testing.T) {
	_, err := ParseCodeBlocks("```go:\ncode\n```")
	assert.Error(t, err)
}

func TestParseCodeBlocksRejectsAbsolutePath(t *testing.T) {
	_, err := ParseCodeBlocks("```go:/etc/passwd\ncode\n```")
	assert.Error(t, err)
}

func TestParseCodeBlocksRejectsPathTraversal(t *testing.T) {
	_, err := ParseCodeBlocks("```go:../../etc/passwd\ncode\n```")
	assert.Error(t, err)
}

func TestParseCodeBlocksMultipleBlocks(t *testing.T) {
	text := "```go:a.go\npackage a\n```\nsome prose\n```go:b.go\npackage b\n```"
	blocks, err := ParseCodeBlocks(text)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "a.go", blocks[0].Path)
	assert.Equal(t, "b.go", blocks[1].Path)
}

func TestCodeBlockSerializeRoundTrip(t *testing.T) {
	original := "```go:internal/api/server.go\npackage api\n\nfunc New() {}\n```"
	blocks, err := ParseCodeBlocks(original)
	require.NoError(t, err)
	require.Len(t, blocks, 1)

	reserialized := blocks[0].Serialize()
	assert.Equal(t, strings.TrimSpace(original), strings.TrimSpace(reserialized))
}

func TestCodeBlockSerializeRoundTripTrimsInternalWhitespace(t *testing.T) {
	original := "```go:a.go\n  package a  \n```"
	blocks, err := ParseCodeBlocks(original)
	require.NoError(t, err)

	reserialized := blocks[0].Serialize()
	assert.Equal(t, "```go:a.go\npackage a\n```", reserialized)
}
