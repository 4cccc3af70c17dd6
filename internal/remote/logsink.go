package remote

import (
	"context"
	"net/http"
)

// LogEntry is one row of the diagnostic log table.
type LogEntry struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	UserID  string         `json:"user_id,omitempty"`
}

// WriteLog implements Client. Log writes are not retried.
func (c *HTTPClient) WriteLog(ctx context.Context, entry LogEntry) error {
	if entry.Level == "" {
		entry.Level = "error"
	}
	headers := map[string]string{"Prefer": "return=minimal"}
	return c.do(ctx, LogTable, http.MethodPost, "/rest/v1/"+LogTable, headers, entry, nil, 0)
}
