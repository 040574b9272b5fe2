package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// asDivan returns err as a DivanError, wrapping plain errors as internal.
func asDivan(err error) *DivanError {
	var de *DivanError
	if errors.As(err, &de) {
		return de
	}
	return Wrap(ErrCodeInternal, err)
}

// FormatForCLI formats an error for terminal display.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}
	de := asDivan(err)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", de.Message))
	if de.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("  Hint: %s\n", de.Suggestion))
	}
	sb.WriteString(fmt.Sprintf("  Code: %s\n", de.Code))
	return sb.String()
}

// jsonError is the JSON representation of an error.
type jsonError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Category   string            `json:"category"`
	Severity   string            `json:"severity"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Cause      string            `json:"cause,omitempty"`
	Retryable  bool              `json:"retryable"`
}

// FormatJSON returns a JSON representation of the error.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return json.Marshal(nil)
	}
	de := asDivan(err)

	je := jsonError{
		Code:       de.Code,
		Message:    de.Message,
		Category:   string(de.Category),
		Severity:   string(de.Severity),
		Details:    de.Details,
		Suggestion: de.Suggestion,
		Retryable:  de.Retryable,
	}
	if de.Cause != nil {
		je.Cause = de.Cause.Error()
	}
	return json.Marshal(je)
}

// LogAttrs returns slog attributes describing err.
func LogAttrs(err error) []slog.Attr {
	if err == nil {
		return nil
	}
	var de *DivanError
	if !errors.As(err, &de) {
		return []slog.Attr{slog.String("error", err.Error())}
	}

	attrs := []slog.Attr{
		slog.String("error_code", de.Code),
		slog.String("error", de.Message),
		slog.String("category", string(de.Category)),
	}
	if de.Cause != nil {
		attrs = append(attrs, slog.String("cause", de.Cause.Error()))
	}
	for k, v := range de.Details {
		attrs = append(attrs, slog.String("detail_"+k, v))
	}
	return attrs
}
