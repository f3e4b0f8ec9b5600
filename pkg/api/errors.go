package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/odvcencio/swarmchat/pkg/errors"
)

// detailEnvelope is the service's error body: detail is either a string or
// a list of field errors.
type detailEnvelope struct {
	Detail json.RawMessage `json:"detail"`
}

type fieldError struct {
	Loc []any  `json:"loc"`
	Msg string `json:"msg"`
}

func formatErrorBody(data []byte) string {
	if len(bytes.TrimSpace(data)) == 0 {
		return ""
	}
	var env detailEnvelope
	if err := json.Unmarshal(data, &env); err != nil || len(env.Detail) == 0 {
		return strings.TrimSpace(string(data))
	}

	var msg string
	if err := json.Unmarshal(env.Detail, &msg); err == nil {
		return strings.TrimSpace(msg)
	}

	var fields []fieldError
	if err := json.Unmarshal(env.Detail, &fields); err == nil && len(fields) > 0 {
		parts := make([]string, 0, len(fields))
		for _, f := range fields {
			if name := fieldName(f.Loc); name != "" {
				parts = append(parts, fmt.Sprintf("%s: %s", name, f.Msg))
			} else {
				parts = append(parts, f.Msg)
			}
		}
		return strings.Join(parts, "; ")
	}
	return strings.TrimSpace(string(env.Detail))
}

// fieldName drops the leading "body"/"query" segment of a loc path.
func fieldName(loc []any) string {
	if len(loc) == 0 {
		return ""
	}
	if s, ok := loc[0].(string); ok && (s == "body" || s == "query" || s == "path") {
		loc = loc[1:]
	}
	parts := make([]string, 0, len(loc))
	for _, v := range loc {
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, ".")
}

// statusError maps a non-2xx response onto the client's error taxonomy.
func statusError(op string, status int, body []byte) error {
	detail := formatErrorBody(body)
	message := detail
	if message == "" {
		message = http.StatusText(status)
	}

	var e *errors.Error
	switch {
	case status == http.StatusNotFound:
		e = errors.New(errors.ErrCodeNotFound, message)
	case status == http.StatusConflict:
		e = errors.New(errors.ErrCodeConflict, message)
	case status == http.StatusBadRequest:
		// The service reports lifecycle conflicts ("Session already
		// started", "Session has ended") as 400.
		lower := strings.ToLower(detail)
		if strings.Contains(lower, "already") || strings.Contains(lower, "ended") {
			e = errors.New(errors.ErrCodeConflict, message)
		} else {
			e = errors.New(errors.ErrCodeUserInput, message)
		}
	case status == http.StatusTooManyRequests || status >= 500:
		e = errors.New(errors.ErrCodeTransport, message).
			WithRetryable(true).
			WithUserMessage("The session server is unavailable")
	default:
		e = errors.New(errors.ErrCodeUserInput, message)
	}
	return e.WithContext("op", op).WithContext("status", status)
}
