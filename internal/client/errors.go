package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx answer of the worklet API, decoded from its error envelope
type APIError struct {
	Status  int
	Code    string
	Message string
	Details json.RawMessage
	Path    string
}

func (e *APIError) Error() string {
	return e.Message
}

type errorEnvelope struct {
	Error *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
		Path    string          `json:"path"`
	} `json:"error"`
	Detail json.RawMessage `json:"detail"`
}

// parseAPIError builds an APIError from a failed response body. Bodies that
// are not an error envelope fall back to their raw text.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		switch {
		case env.Error != nil:
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
			apiErr.Path = env.Error.Path
		case len(env.Detail) > 0:
			var text string
			if json.Unmarshal(env.Detail, &text) == nil {
				apiErr.Message = text
			} else {
				apiErr.Details = env.Detail
			}
		}
	} else if text := strings.TrimSpace(string(body)); text != "" {
		apiErr.Message = text
	}

	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("%d %s", status, http.StatusText(status))
	}
	return apiErr
}

// AsAPIError unwraps an APIError from err
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func statusOf(err error) int {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Status
	}
	return 0
}

// IsNotFound reports a 404 answer
func IsNotFound(err error) bool { return statusOf(err) == http.StatusNotFound }

// IsConflict reports a 409 answer
func IsConflict(err error) bool { return statusOf(err) == http.StatusConflict }

// IsValidation reports a 422 answer
func IsValidation(err error) bool { return statusOf(err) == http.StatusUnprocessableEntity }

// FormatValidationDetails renders validation details as "- loc: msg" lines
func FormatValidationDetails(details json.RawMessage) string {
	var entries []map[string]any
	if err := json.Unmarshal(details, &entries); err != nil {
		return ""
	}
	lines := make([]string, 0, len(entries))
	for _, d := range entries {
		var loc string
		if parts, ok := d["loc"].([]any); ok {
			segs := make([]string, 0, len(parts))
			for _, p := range parts {
				segs = append(segs, fmt.Sprint(p))
			}
			loc = strings.Join(segs, ".")
		} else if d["loc"] != nil {
			loc = fmt.Sprint(d["loc"])
		}
		msg, _ := d["msg"].(string)
		if msg == "" {
			msg, _ = d["message"].(string)
		}
		if msg == "" {
			msg = "Invalid value"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", loc, msg))
	}
	return strings.Join(lines, "\n")
}
