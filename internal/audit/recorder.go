package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"rollcall.io/internal/apperr"
	"rollcall.io/internal/ids"
	"rollcall.io/internal/obs"
)

// Sink persists records. Implementations only ever append.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("audit: recorder closed")

// Recorder turns events into records and hands them to a Sink on background
// workers. Record never blocks and never reports failure to its caller:
// write failures go to the operational log as AUDIT_WRITE_FAILED.
type Recorder struct {
	sink         Sink
	logger       *slog.Logger
	now          func() time.Time
	workers      int
	retries      uint64
	retryBase    time.Duration
	writeTimeout time.Duration
	detect       *detector

	queue chan Record
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Option customises a Recorder.
type Option func(*Recorder)

func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithQueueSize bounds the number of records waiting for a worker.
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan Record, n)
		}
	}
}

func WithWorkers(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithRetry sets how many times a failed write is retried and the first
// backoff interval.
func WithRetry(retries uint64, base time.Duration) Option {
	return func(r *Recorder) {
		r.retries = retries
		if base > 0 {
			r.retryBase = base
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// WithSuspicion flags a principal once it accrues threshold denials within
// window. A threshold of zero disables denial scoring.
func WithSuspicion(threshold int, window time.Duration) Option {
	return func(r *Recorder) {
		r.detect = newDetector(threshold, window)
	}
}

// NewRecorder starts the background workers writing to sink.
func NewRecorder(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:         sink,
		logger:       obs.Logger(),
		now:          time.Now,
		workers:      2,
		retries:      3,
		retryBase:    100 * time.Millisecond,
		writeTimeout: 5 * time.Second,
		detect:       newDetector(5, time.Minute),
		queue:        make(chan Record, 1024),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.run()
	}
	return r
}

// Record builds the record for ev and enqueues it. It returns immediately.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	now := r.now().UTC()
	rec := Record{
		ID:           ids.NewAt(now),
		TenantID:     ev.TenantID,
		PrincipalID:  ev.PrincipalID,
		ResourceType: ev.ResourceType,
		Action:       ev.Action,
		Success:      ev.Success,
		Timestamp:    now,
		Suspicious:   r.detect.observe(ev, now),
		Detail:       buildDetail(ctx, ev),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.fail(rec, "recorder closed", ErrClosed)
		obs.ObserveAuditWrite("dropped")
		return
	}
	select {
	case r.queue <- rec:
		obs.SetAuditQueueDepth(len(r.queue))
	default:
		r.fail(rec, "queue full", nil)
		obs.ObserveAuditWrite("dropped")
	}
}

// Close stops accepting records and waits for queued ones to be written or
// for ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for rec := range r.queue {
		obs.SetAuditQueueDepth(len(r.queue))
		r.write(rec)
	}
}

func (r *Recorder) write(rec Record) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retryBase
	policy.MaxElapsedTime = 0
	b := backoff.WithMaxRetries(policy, r.retries)

	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		defer cancel()
		return r.sink.Write(ctx, rec)
	}, b)
	if err != nil {
		r.fail(rec, "sink write failed", err)
		obs.ObserveAuditWrite("failed")
		return
	}
	obs.ObserveAuditWrite("written")
}

func (r *Recorder) fail(rec Record, msg string, err error) {
	attrs := []any{
		"code", string(apperr.AuditWriteFailed),
		"audit_id", rec.ID,
		"tenant_id", rec.TenantID,
		"principal_id", rec.PrincipalID,
		"action", rec.Action,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	r.logger.Error("audit: "+msg, attrs...)
}
