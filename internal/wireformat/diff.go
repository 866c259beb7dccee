package wireformat

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// hunkHeaderPattern matches a unified-diff hunk header: "@@ -l,s +l,s @@",
// with the ",s" counts optional (a single-line hunk omits them).
var hunkHeaderPattern = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Hunk is one @@ ... @@ block: the old/new line ranges it applies to and
// its body lines, each still carrying its leading '+'/'-'/' ' marker.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []string
}

// FileDiff is one "diff --git a/... b/..." section: the two paths it
// touches (NewPath empty for a deleted file, OldPath empty for a new one)
// and its hunks in order.
type FileDiff struct {
	OldPath string
	NewPath string
	Hunks   []Hunk
}

// ParseUnifiedDiff splits text into the FileDiffs it contains (spec §6:
// "diff --git a/... b/...", "--- a/... / +++ b/...", "@@ -x,y +x,y @@").
// Lines outside any "diff --git" section are ignored, except that a "--- ",
// "+++ " or "@@ " line outside a section is an error; a diff embedded in
// surrounding prose or a fenced block with no such lines parses the same as
// a bare one.
func ParseUnifiedDiff(text string) ([]FileDiff, error) {
	lines := strings.Split(text, "\n")

	var diffs []FileDiff
	var cur *FileDiff
	var hunk *Hunk

	flushHunk := func() {
		if cur != nil && hunk != nil {
			cur.Hunks = append(cur.Hunks, *hunk)
			hunk = nil
		}
	}
	flushFile := func() {
		flushHunk()
		if cur != nil {
			diffs = append(diffs, *cur)
			cur = nil
		}
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flushFile()
			cur = &FileDiff{}
		case strings.HasPrefix(line, "--- "):
			if cur == nil {
				return nil, fmt.Errorf("wireformat: %q outside any diff --git section", line)
			}
			cur.OldPath = stripDiffPrefix(strings.TrimPrefix(line, "--- "), "a/")
		case strings.HasPrefix(line, "+++ "):
			if cur == nil {
				return nil, fmt.Errorf("wireformat: %q outside any diff --git section", line)
			}
			cur.NewPath = stripDiffPrefix(strings.TrimPrefix(line, "+++ "), "b/")
		case strings.HasPrefix(line, "@@ "):
			if cur == nil {
				return nil, fmt.Errorf("wireformat: hunk header outside any diff --git section: %q", line)
			}
			flushHunk()
			m := hunkHeaderPattern.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("wireformat: malformed hunk header: %q", line)
			}
			h := Hunk{
				OldStart: atoiOr(m[1], 0),
				OldLines: atoiOr(m[2], 1),
				NewStart: atoiOr(m[3], 0),
				NewLines: atoiOr(m[4], 1),
			}
			hunk = &h
		case hunk != nil && (strings.HasPrefix(line, "+") || strings.HasPrefix(line, "-") || strings.HasPrefix(line, " ")):
			hunk.Lines = append(hunk.Lines, line)
		case hunk != nil && line == "":
			// A context line the source left fully blank (no leading space).
			hunk.Lines = append(hunk.Lines, " ")
		}
	}
	flushFile()

	return diffs, nil
}

func stripDiffPrefix(path, prefix string) string {
	path = strings.TrimSpace(path)
	if path == "/dev/null" {
		return ""
	}
	// Unified diffs pad the path with a tab-separated timestamp on some
	// tools; keep only the path portion.
	if idx := strings.IndexByte(path, '\t'); idx >= 0 {
		path = path[:idx]
	}
	return strings.TrimPrefix(path, prefix)
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// Serialize reproduces a FileDiff's unified-diff text.
func (d FileDiff) Serialize() string {
	var sb strings.Builder
	oldPath, newPath := d.OldPath, d.NewPath
	if oldPath == "" {
		oldPath = "/dev/null"
	} else {
		oldPath = "a/" + oldPath
	}
	if newPath == "" {
		newPath = "/dev/null"
	} else {
		newPath = "b/" + newPath
	}
	gitOld, gitNew := d.OldPath, d.NewPath
	if gitOld == "" {
		gitOld = d.NewPath
	}
	if gitNew == "" {
		gitNew = d.OldPath
	}
	fmt.Fprintf(&sb, "diff --git a/%s b/%s\n", gitOld, gitNew)
	fmt.Fprintf(&sb, "--- %s\n", oldPath)
	fmt.Fprintf(&sb, "+++ %s\n", newPath)
	for _, h := range d.Hunks {
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
		for _, l := range h.Lines {
			sb.WriteString(l)
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
