// Package usage tracks per-user relayed byte counts. The relay's hot path
// bumps in-memory counters only; deltas are flushed to the durable event
// store on an interval so tunnel throughput never waits on the database.
package usage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EventStore is the durable sink for usage samples and login events.
type EventStore interface {
	RecordLoginEvent(ctx context.Context, user, device, event string) error
	RecordUsage(ctx context.Context, user string, bytes int64) error
}

// Total is a per-user cumulative byte count for this process lifetime.
type Total struct {
	User  string
	Bytes int64
}

// Recorder owns the in-memory counters and forwards events to the store.
// It implements the session manager's EventSink.
type Recorder struct {
	store EventStore
	log   *slog.Logger

	mu      sync.Mutex
	totals  map[string]int64
	pending map[string]int64
}

// New creates a recorder flushing into store.
func New(store EventStore, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		log:     logger,
		totals:  map[string]int64{},
		pending: map[string]int64{},
	}
}

// Add accounts n relayed bytes to user. Safe for concurrent relays.
func (r *Recorder) Add(user string, n int64) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.totals[user] += n
	r.pending[user] += n
	r.mu.Unlock()
}

// Total returns the process-lifetime byte count for user.
func (r *Recorder) Total(user string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.totals[user]
	return n, ok
}

// Totals lists all users' lifetime counts, largest first.
func (r *Recorder) Totals() []Total {
	r.mu.Lock()
	out := make([]Total, 0, len(r.totals))
	for user, n := range r.totals {
		out = append(out, Total{User: user, Bytes: n})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Bytes > out[j].Bytes })
	return out
}

// LoginEvent records a session transition durably and in the server log.
func (r *Recorder) LoginEvent(user, device, event string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.RecordLoginEvent(ctx, user, device, event); err != nil {
		r.log.Error("failed to record login event", "user", user, "event", event, "err", err)
	}
	r.log.Info("session event", "event", event, "user", user, "device", device)
}

// Flush writes accumulated deltas to the store and resets them. Deltas that
// fail to persist are re-credited so they are retried on the next flush.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	pending := r.pending
	r.pending = map[string]int64{}
	r.mu.Unlock()

	for user, n := range pending {
		if err := r.store.RecordUsage(ctx, user, n); err != nil {
			r.log.Error("failed to flush usage sample", "user", user, "bytes", n, "err", err)
			r.mu.Lock()
			r.pending[user] += n
			r.mu.Unlock()
		}
	}
}

// RunFlusher flushes on a fixed interval until ctx is done, then performs a
// final flush.
func (r *Recorder) RunFlusher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}
