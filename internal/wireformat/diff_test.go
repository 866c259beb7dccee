package wireformat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDiff = `diff --git a/internal/api/server.go b/internal/api/server.go
--- a/internal/api/server.go
+++ b/internal/api/server.go
@@ -10,3 +10,4 @@
 func New() {
-	return nil
+	return &Server{}
+	// added
 }`

func TestParseUnifiedDiffSingleFile(t *testing.T) {
	diffs, err := ParseUnifiedDiff(sampleDiff)
	require.NoError(t, err)
	require.Len(t, diffs, 1)

	d := diffs[0]
	assert.Equal(t, "internal/api/server.go", d.OldPath)
	assert.Equal(t, "internal/api/server.go", d.NewPath)
	require.Len(t, d.Hunks, 1)

	h := d.Hunks[0]
	assert.Equal(t, 10, h.OldStart)
	assert.Equal(t, 3, h.OldLines)
	assert.Equal(t, 10, h.NewStart)
	assert.Equal(t, 4, h.NewLines)
	assert.Equal(t, []string{
		" func New() {",
		"-	return nil",
		"+	return &Server{}",
		"+	// added",
		" }",
	}, h.Lines)
}

func TestParseUnifiedDiffNewFile(t *testing.T) {
	text := "diff --git a/internal/new.go b/internal/new.go\n" +
		"--- /dev/null\n" +
		"+++ b/internal/new.go\n" +
		"@@ -0,0 +1,2 @@\n" +
		"+package internal\n" +
		"+\n"
	diffs, err := ParseUnifiedDiff(text)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Empty(t, diffs[0].OldPath)
	assert.Equal(t, "internal/new.go", diffs[0].NewPath)
}

func TestParseUnifiedDiffMultipleFiles(t *testing.T) {
	text := sampleDiff + "\n" + strings.Replace(sampleDiff, "server.go", "client.go", -1)
	diffs, err := ParseUnifiedDiff(text)
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, "internal/api/client.go", diffs[1].NewPath)
}

func TestParseUnifiedDiffRejectsHunkOutsideFile(t *testing.T) {
	_, err := ParseUnifiedDiff("@@ -1,1 +1,1 @@\n-x\n+y\n")
	assert.Error(t, err)
}

func TestFileDiffSerializeRoundTrip(t *testing.T) {
	diffs, err := ParseUnifiedDiff(sampleDiff)
	require.NoError(t, err)
	require.Len(t, diffs, 1)

	reserialized := diffs[0].Serialize()
	assert.Equal(t, strings.TrimSpace(sampleDiff), strings.TrimSpace(reserialized))
}
