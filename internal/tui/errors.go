package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/basket/streamdesk/internal/client"
)

// humanError turns client and daemon errors into a short status line.
func humanError(err error) string {
	var apiErr *client.APIError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, client.ErrNoConnection):
		return "The daemon has no live connection for you yet"
	case errors.Is(err, client.ErrNotConnected):
		return "Not connected"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out"
	case errors.As(err, &apiErr) && apiErr.Message != "":
		return capitalize(apiErr.Message)
	}
	// Fall back to the innermost segment of a wrapped chain.
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		return capitalize(msg[idx+2:])
	}
	return msg
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
