// Package sandbox resolves file-context and diff-context for a dispatch
// request within a fixed working directory, rejecting path traversal and
// symlink escape and enforcing the byte budgets from spec §6.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/squall-dispatch/squall/internal/squallerr"
)

// ContextFormat selects how file content is rendered into the prompt.
type ContextFormat string

const (
	FormatXML      ContextFormat = "xml"
	FormatHashline ContextFormat = "hashline"
)

// MaxFileContextBytes is the total budget for injected file content
// (spec §6 budgets table: 512 KiB, not the 2 MiB the reference used).
const MaxFileContextBytes = 512 * 1024

// MinDiffBudget is reserved for diff context when both file paths and a
// diff are supplied, so the diff is never starved by file content.
const MinDiffBudget = 128 * 1024

// MaxFilePaths caps the number of paths accepted per request.
const MaxFilePaths = 100

func validatePath(rel string) error {
	if filepath.IsAbs(rel) {
		return squallerr.New(squallerr.KindConfig, "", "absolute path not allowed: "+rel, nil)
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return squallerr.New(squallerr.KindConfig, "", "path traversal not allowed: "+rel, nil)
		}
	}
	return nil
}

// validateNoSymlinkEscape resolves full and confirms the resolved path is
// still rooted under baseDir, defeating a symlink that points outside it.
func validateNoSymlinkEscape(full, baseDir, rel string) (string, error) {
	canonical, err := filepath.EvalSymlinks(full)
	if err != nil {
		return "", squallerr.New(squallerr.KindConfig, "", rel+": "+err.Error(), err)
	}
	relToBase, err := filepath.Rel(baseDir, canonical)
	if err != nil || strings.HasPrefix(relToBase, "..") {
		return "", squallerr.New(squallerr.KindConfig, "", "path escapes sandbox via symlink: "+rel, nil)
	}
	return canonical, nil
}

// FileContextResult is the outcome of ResolveFileContext.
type FileContextResult struct {
	Context string // empty if no files were included
	Errors  []string
}

// ResolveFileContext reads paths (relative to baseDir) and renders them into
// an XML- or hashline-formatted block. Traversal attempts reject the whole
// request; unreadable individual files are recorded and skipped unless every
// file fails. The total byte budget is enforced up front against stat'd
// sizes — if the sum would exceed it, the whole request fails before any
// file is read, naming the file that pushed the total over (spec §4.2 step
// 5): a partial upload would let a model answer against silently truncated
// context, which is worse than a clean error.
func ResolveFileContext(paths []string, baseDir string, budget int, format ContextFormat) (FileContextResult, error) {
	if len(paths) == 0 {
		return FileContextResult{}, nil
	}
	if len(paths) > MaxFilePaths {
		return FileContextResult{}, squallerr.New(squallerr.KindConfig, "",
			"too many file paths requested", nil)
	}
	for _, p := range paths {
		if err := validatePath(p); err != nil {
			return FileContextResult{}, err
		}
	}

	base, err := filepath.EvalSymlinks(baseDir)
	if err != nil {
		return FileContextResult{}, squallerr.New(squallerr.KindConfig, "", "cannot resolve base directory", err)
	}

	type statted struct {
		rel       string
		canonical string
		size      int64
	}
	var files []statted
	var errs []string

	var total int64
	for _, rel := range paths {
		full := filepath.Join(base, rel)
		canonical, err := validateNoSymlinkEscape(full, base, rel)
		if err != nil {
			if strings.Contains(err.Error(), "escapes sandbox") {
				return FileContextResult{}, err
			}
			errs = append(errs, rel+": "+err.Error())
			continue
		}

		info, err := os.Stat(canonical)
		if err != nil {
			errs = append(errs, rel+": "+err.Error())
			continue
		}

		total += info.Size()
		if total > int64(budget) {
			return FileContextResult{}, squallerr.New(squallerr.KindConfig, "",
				fmt.Sprintf("file context budget exceeded (%d bytes): %s pushed the total over %d bytes", total, rel, budget), nil)
		}
		files = append(files, statted{rel: rel, canonical: canonical, size: info.Size()})
	}

	if len(files) == 0 && len(errs) > 0 {
		return FileContextResult{}, squallerr.New(squallerr.KindConfig, "", "all files unreadable", nil)
	}

	var out strings.Builder
	for _, f := range files {
		content, err := os.ReadFile(f.canonical)
		if err != nil {
			errs = append(errs, f.rel+": "+err.Error())
			continue
		}

		var formatted string
		switch format {
		case FormatHashline:
			formatted = formatHashline(string(content))
		default:
			formatted = escapeXMLContent(string(content)) + "\n"
		}
		out.WriteString("<file path=\"" + escapeXMLAttr(f.rel) + "\">\n" + formatted + "</file>\n")
	}

	if len(errs) > 0 {
		out.WriteString("<!-- Errors: " + escapeXMLComment(strings.Join(errs, "; ")) + ". -->\n")
	}

	return FileContextResult{Context: out.String(), Errors: errs}, nil
}

// ResolveFileManifest lists referenced paths without reading content, for
// CLI backends that read the working directory themselves.
func ResolveFileManifest(paths []string, baseDir string) (string, error) {
	if len(paths) == 0 {
		return "", nil
	}
	if len(paths) > MaxFilePaths {
		return "", squallerr.New(squallerr.KindConfig, "", "too many file paths requested", nil)
	}
	for _, p := range paths {
		if err := validatePath(p); err != nil {
			return "", err
		}
	}
	base, err := filepath.EvalSymlinks(baseDir)
	if err != nil {
		return "", squallerr.New(squallerr.KindConfig, "", "cannot resolve base directory", err)
	}

	var lines []string
	for _, rel := range paths {
		full := filepath.Join(base, rel)
		if _, err := validateNoSymlinkEscape(full, base, rel); err != nil {
			if strings.Contains(err.Error(), "escapes sandbox") {
				return "", err
			}
			lines = append(lines, "- "+rel+" (not found)")
			continue
		}
		lines = append(lines, "- "+rel+" (exists)")
	}
	return "Files referenced:\n" + strings.Join(lines, "\n"), nil
}

// WrapDiffContext wraps diff text in a <diff> block, XML-escaping it and
// truncating to budget on the escaped output so entity expansion can't push
// past the cap. Returns "" if diff is blank or budget is zero.
func WrapDiffContext(diff string, budget int) string {
	if strings.TrimSpace(diff) == "" || budget <= 0 {
		return ""
	}

	preTruncated := len(diff) > budget
	if preTruncated {
		diff = diff[:floorCharBoundary(diff, budget)]
	}

	escaped := escapeXMLContent(diff)
	truncated := escaped
	wasTruncated := preTruncated
	if len(escaped) > budget {
		end := floorCharBoundary(escaped, budget)
		end = floorEntityBoundary(escaped, end)
		if nl := strings.LastIndexByte(escaped[:end], '\n'); nl >= 0 {
			truncated = escaped[:nl+1]
		} else {
			truncated = escaped[:end]
		}
		wasTruncated = true
	}

	suffix := ""
	if wasTruncated {
		suffix = "\n<!-- diff truncated due to budget -->"
	}
	return "<diff>\n" + truncated + suffix + "\n</diff>"
}

// ValidateWorkingDirectory confirms path exists, is a directory, and
// returns its canonicalized form.
func ValidateWorkingDirectory(path string) (string, error) {
	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", squallerr.New(squallerr.KindConfig, "", "working directory not found: "+path, err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return "", squallerr.New(squallerr.KindConfig, "", "cannot stat working directory: "+path, err)
	}
	if !info.IsDir() {
		return "", squallerr.New(squallerr.KindConfig, "", path+" is not a directory", nil)
	}
	return canonical, nil
}

// ValidatePrompt rejects an empty or whitespace-only prompt.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return squallerr.New(squallerr.KindConfig, "", "prompt must not be empty", nil)
	}
	return nil
}

// ValidateTemperature rejects non-finite or out-of-range values.
func ValidateTemperature(temp *float64) error {
	if temp == nil {
		return nil
	}
	t := *temp
	if t != t || t < 0.0 || t > 2.0 { // t != t catches NaN without math import
		return squallerr.New(squallerr.KindConfig, "", "temperature must be between 0.0 and 2.0", nil)
	}
	return nil
}

func escapeXMLContent(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

func escapeXMLAttr(s string) string {
	s = escapeXMLContent(s)
	return strings.ReplaceAll(s, "\"", "&quot;")
}

func escapeXMLComment(s string) string {
	return strings.ReplaceAll(s, "--", "&#45;&#45;")
}

// formatHashline renders content as `line_number:hash|content` per line, a
// compact line-addressing scheme models can reference in findings.
func formatHashline(content string) string {
	var b strings.Builder
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, line := range lines {
		h := lineHash(line)
		b.WriteString(itoa(i + 1))
		b.WriteByte(':')
		b.WriteString(hexByte(h))
		b.WriteByte('|')
		b.WriteString(escapeXMLContent(line))
		b.WriteByte('\n')
	}
	return b.String()
}

// lineHash is a tiny FNV-1a fold to one byte, enough to disambiguate nearby
// lines in model output without importing a hashing package for one byte.
func lineHash(line string) byte {
	var h uint32 = 2166136261
	for i := 0; i < len(line); i++ {
		h ^= uint32(line[i])
		h *= 16777619
	}
	return byte(h)
}

func hexByte(b byte) string {
	const hex = "0123456789abcdef"
	return string([]byte{hex[b>>4], hex[b&0xf]})
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// floorCharBoundary returns the largest index <= index that lands on a
// UTF-8 rune boundary, so truncation never splits a multi-byte character.
func floorCharBoundary(s string, index int) int {
	if index >= len(s) {
		return len(s)
	}
	i := index
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// floorEntityBoundary backs off a cut point that lands inside an XML entity
// (&amp; &lt; &gt;) so truncation never emits a dangling "&l" fragment.
func floorEntityBoundary(s string, index int) int {
	if index <= 0 || index >= len(s) {
		return index
	}
	start := floorCharBoundary(s, max(0, index-4))
	window := s[start:index]
	amp := strings.LastIndexByte(window, '&')
	if amp < 0 {
		return index
	}
	ampPos := start + amp
	end := ampPos + 5
	if end > len(s) {
		end = len(s)
	}
	if semi := strings.IndexByte(s[ampPos:end], ';'); semi >= 0 && ampPos+semi >= index {
		return ampPos
	}
	return index
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
