package generation

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrNoJSON is returned when a reply carries no JSON object.
	ErrNoJSON = errors.New("response contains no JSON object")
	// ErrMalformedJSON is returned when a reply's object does not parse.
	ErrMalformedJSON = errors.New("response contains malformed JSON")
)

// ExtractJSON pulls a JSON object out of a model reply. It accepts a bare
// object, an object inside a ``` or ```json fence, or an object surrounded
// by prose.
func ExtractJSON(text string) (json.RawMessage, error) {
	s := strings.TrimSpace(text)
	if fenced, ok := fencedBlock(s); ok {
		s = fenced
	}
	if json.Valid([]byte(s)) && strings.HasPrefix(s, "{") {
		return json.RawMessage(s), nil
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, ErrNoJSON
	}
	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, ErrMalformedJSON
	}
	return json.RawMessage(candidate), nil
}

func fencedBlock(s string) (string, bool) {
	open := strings.Index(s, "```")
	if open < 0 {
		return "", false
	}
	rest := s[open+3:]
	// Drop the info string, e.g. "json".
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		return "", false
	}
	closing := strings.Index(rest, "```")
	if closing < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:closing]), true
}
