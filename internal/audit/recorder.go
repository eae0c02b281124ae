package audit

import (
	"context"
	"time"

	"golang.org/x/exp/slog"
)

const (
	defaultAttempts = 3
	defaultTimeout  = 2 * time.Second
	retryBackoff    = 50 * time.Millisecond
)

// Recorder writes entries to a Sink with a detached deadline and a bounded
// number of attempts. It logs failures instead of returning them to the
// business operation.
type Recorder struct {
	sink     Sink
	logger   *slog.Logger
	attempts int
	timeout  time.Duration
	now      func() time.Time
}

func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	return &Recorder{
		sink:     sink,
		logger:   logger.With(slog.String("component", "audit")),
		attempts: defaultAttempts,
		timeout:  defaultTimeout,
		now:      time.Now,
	}
}

// SetRetry overrides attempts and per-attempt timeout. Zero keeps the default.
func (r *Recorder) SetRetry(attempts int, timeout time.Duration) {
	if attempts > 0 {
		r.attempts = attempts
	}
	if timeout > 0 {
		r.timeout = timeout
	}
}

// Record stores e under its own deadline, independent of any request
// context. The returned error is informational.
func (r *Recorder) Record(e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if e.EntityType == "" {
		e.EntityType = EntityCard
	}

	var err error
	for i := 0; i < r.attempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * retryBackoff)
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err = r.sink.Record(ctx, e)
		cancel()
		if err == nil {
			return nil
		}
	}

	r.logger.Error("recording audit entry",
		slog.String("action", string(e.Action)),
		slog.String("entity_id", e.EntityID),
		slog.String("actor_id", e.ActorID),
		slog.Int("attempts", r.attempts),
		"err", err,
	)
	return err
}
