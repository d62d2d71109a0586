package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"rollcall.io/internal/obs"
)

// LogSink writes each record as one structured log line of type "audit".
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink writing to l, or to the shared logger when l is nil.
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = obs.Logger()
	}
	return &LogSink{logger: l}
}

func (s *LogSink) Write(ctx context.Context, rec Record) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("type", "audit"),
		slog.String("id", rec.ID),
		slog.String("tenant_id", rec.TenantID),
		slog.String("principal_id", rec.PrincipalID),
		slog.String("resource_type", rec.ResourceType),
		slog.String("action", rec.Action),
		slog.Bool("success", rec.Success),
		slog.Bool("suspicious", rec.Suspicious),
		slog.String("ts", rec.Timestamp.Format(time.RFC3339Nano)),
		slog.Any("detail", rec.Detail),
	)
	return nil
}

// MemorySink keeps records in memory. It backs tests and single-process
// development runs.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of everything written so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Len reports how many records were written.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// MultiSink fans a record out to every sink. It fails when any sink fails,
// so a retry may repeat the write on sinks that already accepted it.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
