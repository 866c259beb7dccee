// Package wireformat parses the named-path code-fence and unified-diff
// conventions stage handlers use to pull file artifacts out of LLM
// response text (spec §6 "Wire format for stage artifacts").
package wireformat

import (
	"fmt"
	"regexp"
	"strings"
)

// fencedBlockPattern matches one triple-backtick fenced block: the opening
// fence's header word (language, "filename:path", or bare path), the body,
// and the closing fence on its own line. Mirrors the teacher's
// markdownCodeBlockRegex (orchestration/orchestrator.go) but keeps the
// header instead of discarding it, since the header is where the path
// convention lives.
var fencedBlockPattern = regexp.MustCompile("(?s)```([^\n`]*)\n(.*?)\n```")

// extensionLanguage maps a handful of common extensions to a language tag
// for the bare-path fence convention ("```src/main.go"), where no language
// is spelled out explicitly.
var extensionLanguage = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".tsx":  "tsx",
	".jsx":  "jsx",
	".md":   "markdown",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".sql":  "sql",
	".sh":   "bash",
	".html": "html",
	".css":  "css",
	".txt":  "text",
}

// CodeBlock is one parsed fenced block. Header preserves the opening
// fence's header word verbatim, so Serialize can reproduce the original
// fence format exactly.
type CodeBlock struct {
	Header   string
	Path     string
	Language string
	Content  string
}

// HasPath reports whether the fence named a file (as opposed to a plain
// ```language block with no path attached).
func (b CodeBlock) HasPath() bool { return b.Path != "" }

// Serialize reproduces the original fence text: the stored header on the
// opening line, the trimmed body, and the closing fence. Round-tripping a
// block parsed from text through Serialize reproduces that block's text
// modulo whitespace trimming (spec §8).
func (b CodeBlock) Serialize() string {
	var sb strings.Builder
	sb.WriteString("```")
	sb.WriteString(b.Header)
	sb.WriteString("\n")
	sb.WriteString(strings.TrimSpace(b.Content))
	sb.WriteString("\n```")
	return sb.String()
}

// ParseCodeBlocks extracts every fenced block from text. A fence whose
// header looks like it names a path but fails to parse as one (empty path
// half, path traversal, absolute path) is rejected outright rather than
// silently downgraded to a plain language fence, per spec §6 "unknown/
// ambiguous paths are rejected".
func ParseCodeBlocks(text string) ([]CodeBlock, error) {
	matches := fencedBlockPattern.FindAllStringSubmatch(text, -1)
	blocks := make([]CodeBlock, 0, len(matches))
	for _, m := range matches {
		header := m[1]
		lang, path, err := parseHeader(header)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, CodeBlock{
			Header:   header,
			Path:     path,
			Language: lang,
			Content:  m[2],
		})
	}
	return blocks, nil
}

// parseHeader classifies an opening fence header against the three
// conventions spec §6 names: "language:path", "filename:path", or "path"
// alone. A header with neither a colon nor path-like characters is a plain
// language tag (or empty) and carries no path at all.
func parseHeader(header string) (language, path string, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", "", nil
	}

	if idx := strings.IndexByte(header, ':'); idx >= 0 {
		left := strings.TrimSpace(header[:idx])
		right := strings.TrimSpace(header[idx+1:])
		if right == "" {
			return "", "", fmt.Errorf("wireformat: ambiguous fence header %q: empty path after ':'", header)
		}
		if err := validatePath(right); err != nil {
			return "", "", fmt.Errorf("wireformat: fence header %q: %w", header, err)
		}
		if strings.EqualFold(left, "filename") {
			return languageFromPath(right), right, nil
		}
		return left, right, nil
	}

	if looksLikePath(header) {
		if err := validatePath(header); err != nil {
			return "", "", fmt.Errorf("wireformat: fence header %q: %w", header, err)
		}
		return languageFromPath(header), header, nil
	}

	// Plain language tag, e.g. ```go with no path attached.
	return header, "", nil
}

// looksLikePath reports whether a bare (colon-free) header is intended as
// a path rather than a language tag: it has a directory separator or a
// file extension.
func looksLikePath(header string) bool {
	if strings.ContainsRune(header, '/') {
		return true
	}
	base := header
	if idx := strings.LastIndexByte(base, '.'); idx > 0 && idx < len(base)-1 {
		return true
	}
	return false
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if strings.ContainsAny(path, " \t\r\n") {
		return fmt.Errorf("path contains whitespace: %q", path)
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("absolute path not allowed: %q", path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return fmt.Errorf("path traversal not allowed: %q", path)
		}
	}
	return nil
}

func languageFromPath(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return ""
	}
	return extensionLanguage[strings.ToLower(path[idx:])]
}
