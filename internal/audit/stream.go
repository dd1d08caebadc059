package audit

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Stream mirrors access log entries onto a structured JSON sink for
// downstream log shipping.
type Stream struct {
	handler slog.Handler
}

// NewStream builds a stream writing to w, defaulting to stdout.
func NewStream(w io.Writer) *Stream {
	if w == nil {
		w = os.Stdout
	}
	return &Stream{handler: slog.NewJSONHandler(w, nil)}
}

// Write emits one entry to the sink.
func (s *Stream) Write(ctx context.Context, e Entry) error {
	if s == nil || s.handler == nil {
		return nil
	}

	rec := slog.NewRecord(e.CreatedAt, slog.LevelInfo, "access_log", 0)
	rec.AddAttrs(
		slog.String("log_id", e.ID.String()),
		slog.String("user_id", e.UserID.String()),
		slog.String("company_id", e.CompanyID.String()),
		slog.String("service", e.Service),
		slog.String("resource_name", e.ResourceName),
		slog.String("operation", e.Operation),
		slog.Bool("access_granted", e.AccessGranted),
	)
	if e.ProjectID != nil {
		rec.AddAttrs(slog.String("project_id", e.ProjectID.String()))
	}
	if e.ResourceID != "" {
		rec.AddAttrs(slog.String("resource_id", e.ResourceID))
	}
	if e.Reason != "" {
		rec.AddAttrs(slog.String("reason", e.Reason))
	}
	if e.IPAddress != "" {
		rec.AddAttrs(slog.String("ip_address", e.IPAddress))
	}
	if e.UserAgent != "" {
		rec.AddAttrs(slog.String("user_agent", e.UserAgent))
	}
	if e.RequestID != "" {
		rec.AddAttrs(slog.String("request_id", e.RequestID))
	}
	if len(e.Context) > 0 {
		rec.AddAttrs(slog.String("context", string(e.Context)))
	}
	return s.handler.Handle(ctx, rec)
}
