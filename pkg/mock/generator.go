// Package mock synthesizes stand-in responses for tool download requests
// when the backend cannot serve them.
package mock

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Note is attached to every mock payload.
const Note = "Backend unavailable - using mock response"

// TimestampLayout is ISO-8601 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Response is the success payload returned in place of the backend's answer.
type Response struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Status  string  `json:"status"`
	Details Details `json:"details"`
}

// Details describes the mocked operation.
type Details struct {
	Tool      string `json:"tool"`
	Action    string `json:"action"`
	Timestamp string `json:"timestamp"`
	Note      string `json:"note"`
}

// ErrorResponse is the body sent for a malformed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// ParseError reports a request body that cannot be read as JSON.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "Invalid JSON in request: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Body returns the client-facing error payload.
func (e *ParseError) Body() ErrorResponse {
	return ErrorResponse{Error: "Invalid JSON in request", Details: e.Err.Error()}
}

// errNullBody rejects a literal null, which has no fields to read.
var errNullBody = errors.New("cannot read properties of null")

// Generator builds mock responses. It performs no I/O.
type Generator struct {
	now func() time.Time
}

// NewGenerator returns a Generator reading the wall clock.
func NewGenerator() *Generator {
	return &Generator{now: time.Now}
}

// NewGeneratorWithClock returns a Generator using now for timestamps.
func NewGeneratorWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Generate parses body and returns the mock payload for it. An empty body is
// treated as "{}". Syntactically invalid JSON, including a whitespace-only
// body, and a literal null yield a *ParseError. Any other JSON value is
// accepted; fields are only read from objects.
func (g *Generator) Generate(body []byte) (*Response, error) {
	if len(body) == 0 {
		body = []byte("{}")
	}

	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, &ParseError{Err: err}
	}
	if v == nil {
		return nil, &ParseError{Err: errNullBody}
	}
	fields, _ := v.(map[string]any)

	tool := stringField(fields, "toolName")
	action := stringField(fields, "action")

	messageTool := tool
	if messageTool == "" {
		messageTool = "unknown tool"
	}
	if tool == "" {
		tool = "unknown"
	}
	if action == "" {
		action = "install"
	}

	return &Response{
		Success: true,
		Message: fmt.Sprintf("Mock installation of %s completed", messageTool),
		Status:  "installed",
		Details: Details{
			Tool:      tool,
			Action:    action,
			Timestamp: g.now().UTC().Format(TimestampLayout),
			Note:      Note,
		},
	}, nil
}

// stringField returns fields[key] when it is a string, otherwise "".
// Non-string values such as 42 or true are not stringified; they fall back to
// the defaults like a missing field does.
func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
