package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GeminiJSONParser parses Gemini CLI's `--output-format json` output:
// a single object with a top-level "response" string field.
type GeminiJSONParser struct{}

func (GeminiJSONParser) Parse(stdout []byte) (string, error) {
	var out struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(stdout, &out); err != nil {
		return "", fmt.Errorf("gemini JSON parse failed: %w", err)
	}
	if out.Response == "" {
		return "", fmt.Errorf("gemini response field is empty or missing")
	}
	return out.Response, nil
}

// CodexJSONLParser parses Codex CLI's `--json` newline-delimited event
// stream, extracting text from "response.completed" events whose item is a
// "message" with "output_text" content parts.
type CodexJSONLParser struct{}

type codexEvent struct {
	Type string     `json:"type"`
	Item *codexItem `json:"item"`
}

type codexItem struct {
	Type    string          `json:"type"`
	Content []codexContent  `json:"content"`
}

type codexContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (CodexJSONLParser) Parse(stdout []byte) (string, error) {
	var parts []string
	for _, line := range strings.Split(string(stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Type != "response.completed" || ev.Item == nil || ev.Item.Type != "message" {
			continue
		}
		for _, c := range ev.Item.Content {
			if c.Type == "output_text" && c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no message content found in codex output")
	}
	return strings.Join(parts, "\n"), nil
}

// RawParser passes stdout through unchanged (trimmed), for CLI backends
// that emit plain text rather than a structured event stream.
type RawParser struct{}

func (RawParser) Parse(stdout []byte) (string, error) {
	text := strings.TrimSpace(string(stdout))
	if text == "" {
		return "", fmt.Errorf("empty CLI output")
	}
	return text, nil
}

// ParserFor resolves a provider's configured parser name to an OutputParser;
// an empty or unrecognised name gets the Gemini JSON parser.
func ParserFor(name string) OutputParser {
	switch name {
	case "codex-jsonl":
		return CodexJSONLParser{}
	case "raw":
		return RawParser{}
	case "gemini-json":
		return GeminiJSONParser{}
	default:
		return GeminiJSONParser{}
	}
}
