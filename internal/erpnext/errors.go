package erpnext

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformedResponse marks ERP responses that could not be decoded.
var ErrMalformedResponse = errors.New("erpnext: malformed response")

// APIError is a non-2xx answer from the ERP.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("erpnext: status %d: %s", e.Status, e.Message)
}

var htmlTag = regexp.MustCompile(`<[^>]*>`)

type errorBody struct {
	ServerMessages string `json:"_server_messages"`
	Exc            string `json:"exc"`
	Message        any    `json:"message"`
	Exception      string `json:"exception"`
}

// ExtractErrorMessage pulls the most user-friendly message out of a Frappe
// error body. Sources are tried in order: _server_messages, exc, message,
// exception.
func ExtractErrorMessage(body []byte, fallback string) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return fallback
	}
	if msg := fromServerMessages(eb.ServerMessages); msg != "" {
		return msg
	}
	if msg := fromTraceback(eb.Exc); msg != "" {
		return msg
	}
	if s, ok := eb.Message.(string); ok && s != "" {
		return s
	}
	if eb.Exception != "" {
		return eb.Exception
	}
	return fallback
}

// _server_messages is a JSON array whose items are themselves JSON objects
// encoded as strings.
func fromServerMessages(raw string) string {
	if raw == "" {
		return ""
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil || len(items) == 0 {
		return ""
	}
	first := []byte(items[0])
	var encoded string
	if err := json.Unmarshal(first, &encoded); err == nil {
		first = []byte(encoded)
	}
	var msg struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(first, &msg); err != nil || msg.Message == "" {
		return ""
	}
	return strings.TrimSpace(htmlTag.ReplaceAllString(msg.Message, ""))
}

// exc holds a JSON array of Python tracebacks; the last non-empty line reads
// "frappe.exceptions.SomeError: message".
func fromTraceback(raw string) string {
	if raw == "" {
		return ""
	}
	var traces []string
	if err := json.Unmarshal([]byte(raw), &traces); err != nil || len(traces) == 0 {
		return ""
	}
	lines := strings.Split(strings.TrimRight(traces[0], "\n"), "\n")
	last := lines[len(lines)-1]
	_, msg, found := strings.Cut(last, ":")
	if !found {
		return ""
	}
	return strings.TrimSpace(msg)
}
