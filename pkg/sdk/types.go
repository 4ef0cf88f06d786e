package sdk

import (
	"encoding/json"
	"fmt"
	"strings"
)

// APIError is a non-200 answer from a peer's federation surface. The status
// code distinguishes refusals the caller may want to branch on: 401 for
// envelope rejections, 403 for trust refusals, 404 for unknown peers, 429
// for rate limits.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sdk: peer answered %d: %s", e.StatusCode, e.Message)
}

// apiError builds an APIError from a response body, preferring the JSON
// error field the federation surface emits.
func apiError(status int, body []byte) *APIError {
	var wire struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error != "" {
		return &APIError{StatusCode: status, Message: wire.Error}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = "no body"
	}
	return &APIError{StatusCode: status, Message: msg}
}
