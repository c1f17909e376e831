// Package llmjson extracts JSON objects from LLM output, which routinely
// arrives wrapped in fenced code blocks or surrounded by prose.
package llmjson

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Extract locates and parses the first JSON object in text, trying in order:
//
//  1. the contents of a fenced code block (```json or bare ```),
//  2. the first balanced {…} span,
//  3. the whole trimmed text — only if it parses as an object.
//
// The result is always a JSON object; bare arrays and scalars are rejected.
func Extract(text string) (map[string]any, error) {
	candidates := make([]string, 0, 3)
	if fenced, ok := fencedBlock(text); ok {
		candidates = append(candidates, fenced)
	}
	if span, ok := balancedSpan(text); ok {
		candidates = append(candidates, span)
	}
	candidates = append(candidates, strings.TrimSpace(text))

	var lastErr error
	for _, c := range candidates {
		var obj map[string]any
		if err := json.Unmarshal([]byte(c), &obj); err != nil {
			lastErr = err
			continue
		}
		return obj, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate found")
	}
	return nil, fmt.Errorf("llmjson: no JSON object in text: %w", lastErr)
}

// ExtractRaw is like Extract but returns the matched JSON text instead of the
// decoded object, preserving key order and number formatting.
func ExtractRaw(text string) (string, error) {
	if fenced, ok := fencedBlock(text); ok {
		if json.Valid([]byte(fenced)) && strings.HasPrefix(strings.TrimSpace(fenced), "{") {
			return strings.TrimSpace(fenced), nil
		}
	}
	if span, ok := balancedSpan(text); ok {
		if json.Valid([]byte(span)) {
			return span, nil
		}
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	return "", fmt.Errorf("llmjson: no JSON object in text")
}

// fencedBlock returns the body of the first ``` fence, tolerating a language
// tag on the opening line and a missing closing fence.
func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	// Drop the language tag line, if any.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		first := strings.TrimSpace(rest[:nl])
		if first == "" || !strings.ContainsAny(first, "{}") {
			rest = rest[nl+1:]
		}
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest), true
}

// balancedSpan returns the first balanced top-level {…} span, tracking string
// literals and escapes so braces inside values do not miscount.
func balancedSpan(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
