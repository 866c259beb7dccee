package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-build/buildforge/internal/model"
	"github.com/apex-build/buildforge/internal/router"
)

func TestFileArtifactsFromResponseExtractsNamedFences(t *testing.T) {
	resp := router.Response{
		Provider: "demo",
		Content:  "Here's the file:\n```go:internal/api/server.go\npackage api\n```\nand another:\n```filename:README.md\n# hi\n```",
	}

	artifacts := fileArtifactsFromResponse(resp)
	require.Len(t, artifacts, 2)
	assert.Equal(t, model.ArtifactFile, artifacts[0].Type)
	assert.Equal(t, "internal/api/server.go", artifacts[0].Name)
	assert.Equal(t, "go", artifacts[0].Metadata["language"])
	assert.Equal(t, "README.md", artifacts[1].Name)
}

func TestFileArtifactsFromResponseIgnoresUnnamedFences(t *testing.T) {
	resp := router.Response{Provider: "demo", Content: "```go\nfmt.Println(\"hi\")\n```"}
	artifacts := fileArtifactsFromResponse(resp)
	assert.Empty(t, artifacts)
}

func TestFileArtifactsFromResponsePlainTextYieldsNoArtifacts(t *testing.T) {
	resp := router.Response{Provider: "demo", Content: "// demo-generated coder output (ref abcd1234)\n"}
	artifacts := fileArtifactsFromResponse(resp)
	assert.Empty(t, artifacts)
}

func TestFileArtifactsFromResponseSurfacesParseErrors(t *testing.T) {
	resp := router.Response{Provider: "demo", Content: "```go:/etc/passwd\nrm -rf /\n```"}
	artifacts := fileArtifactsFromResponse(resp)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "unparsed", artifacts[0].Name)
	assert.NotEmpty(t, artifacts[0].Metadata["parseError"])
}
