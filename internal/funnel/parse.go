package funnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var errNoJSON = errors.New("no JSON value in output")

// ExtractJSON isolates the JSON value in provider text. Models sometimes wrap
// the answer in a ```json fence or surround it with prose.
func ExtractJSON(text string) ([]byte, error) {
	s := strings.TrimSpace(text)
	if start := strings.Index(s, "```"); start >= 0 {
		body := s[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
			body = body[nl+1:]
		}
		if end := strings.Index(body, "```"); end >= 0 {
			body = body[:end]
		}
		s = strings.TrimSpace(body)
	}

	open := strings.IndexAny(s, "{[")
	if open < 0 {
		return nil, errNoJSON
	}
	closer := byte('}')
	if s[open] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < open {
		return nil, errNoJSON
	}
	candidate := s[open : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, fmt.Errorf("invalid JSON in output")
	}
	return []byte(candidate), nil
}

func decodeOutput(text string, v any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode output: %w", err)
	}
	return nil
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// parseDate accepts the date shapes models produce; empty and "null" mean no date.
func parseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "null") || strings.EqualFold(raw, "none") {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized date %q", raw)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
