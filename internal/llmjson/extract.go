// Package llmjson recovers structured JSON from loosely formatted model output.
package llmjson

import (
	"encoding/json"
	"fmt"
	"strings"
)

const fence = "```"

// MalformedResponseError is returned when a response cannot be parsed as JSON.
// Callers use it to decide on a fallback instead of failing the request.
type MalformedResponseError struct {
	Raw string
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed model response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// StripFences trims whitespace and removes a surrounding markdown code fence,
// with or without a language tag. Unfenced text is returned trimmed.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, fence) {
		return text
	}

	body := strings.TrimPrefix(text, fence)
	// Drop the language tag: everything up to the first newline, as long as it
	// does not look like the start of the payload itself.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		tag := strings.TrimSpace(body[:nl])
		if !strings.ContainsAny(tag, "{[") {
			body = body[nl+1:]
		}
	} else {
		body = strings.TrimLeft(body, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	}

	body = strings.TrimSpace(body)
	body = strings.TrimSuffix(body, fence)
	return strings.TrimSpace(body)
}

// Extract strips fences and validates that the remainder is well-formed JSON.
func Extract(text string) (json.RawMessage, error) {
	body := StripFences(text)
	if !json.Valid([]byte(body)) {
		var v any
		err := json.Unmarshal([]byte(body), &v)
		if err == nil {
			err = fmt.Errorf("invalid JSON")
		}
		return nil, &MalformedResponseError{Raw: text, Err: err}
	}
	return json.RawMessage(body), nil
}

// Decode extracts JSON from text and unmarshals it into a value of type T.
func Decode[T any](text string) (T, error) {
	var out T
	raw, err := Extract(text)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &MalformedResponseError{Raw: text, Err: err}
	}
	return out, nil
}
