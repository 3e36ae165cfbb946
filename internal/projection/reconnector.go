package projection

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// maxPushAttempts is how many consecutive connect failures we tolerate
	// before falling back to polling
	maxPushAttempts = 5

	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second
)

// ConnectFunc opens a push connection subscribed to the given topics and
// blocks until it drops. A nil return means the connection was established
// and later closed; an error means it never came up.
type ConnectFunc func(ctx context.Context, topics []string) error

// PollFunc refreshes the projection over REST; used while push is unavailable
type PollFunc func(ctx context.Context) error

// Reconnector keeps a push connection alive. Each reconnect resubscribes the
// full topic set and resynchronizes the projection with one pull, because
// events during the gap are lost, not queued. After too many consecutive
// failures it degrades to polling and keeps probing for push in the
// background.
type Reconnector struct {
	projection *Projection
	connect    ConnectFunc
	poll       PollFunc
	interval   time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	topics map[string]struct{}
}

// NewReconnector creates a reconnector. pollInterval is the refresh cadence
// while degraded to pull.
func NewReconnector(projection *Projection, connect ConnectFunc, poll PollFunc, pollInterval time.Duration, logger *zap.Logger) *Reconnector {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconnector{
		projection: projection,
		connect:    connect,
		poll:       poll,
		interval:   pollInterval,
		logger:     logger,
		topics:     make(map[string]struct{}),
	}
}

// Subscribe adds a topic to the set carried across reconnects
func (r *Reconnector) Subscribe(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics[topic] = struct{}{}
}

// Unsubscribe removes a topic
func (r *Reconnector) Unsubscribe(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.topics, topic)
}

// Topics returns a snapshot of the subscription set
func (r *Reconnector) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	return out
}

// Run maintains the connection until the context is cancelled
func (r *Reconnector) Run(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		err := r.connect(ctx, r.Topics())
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			// the connection was up and dropped; pushes during the gap
			// are gone for good, so pull once before trusting push again
			r.resync(ctx)
			failures = 0
			continue
		}

		// a failed dial leaves a gap too; the views go stale and the
		// degraded poll loop takes over freshness
		r.projection.InvalidateAll()

		failures++
		r.logger.Warn("Push connection failed",
			zap.Int("consecutive_failures", failures),
			zap.Error(err))

		if failures >= maxPushAttempts {
			r.logger.Warn("Push unavailable, degrading to polling")
			r.pollUntilPushReturns(ctx)
			failures = 0
			continue
		}

		if !sleep(ctx, backoff(failures)) {
			return
		}
	}
}

// pollUntilPushReturns refreshes over REST on a fixed cadence and probes the
// push endpoint once per cycle. Returns when a probe succeeds or the context
// ends.
func (r *Reconnector) pollUntilPushReturns(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.poll != nil {
				if err := r.poll(ctx); err != nil {
					r.logger.Warn("Poll refresh failed", zap.Error(err))
				}
			}

			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := r.connect(probeCtx, r.Topics())
			cancel()
			if err == nil {
				r.logger.Info("Push connection restored")
				r.resync(ctx)
				return
			}
		}
	}
}

// resync closes a push gap with one authoritative pull. Missed events are
// dropped, not replayed, so cached snapshots cannot be trusted until a fresh
// fetch lands.
func (r *Reconnector) resync(ctx context.Context) {
	r.projection.InvalidateAll()
	if r.poll == nil {
		return
	}
	if err := r.poll(ctx); err != nil {
		r.logger.Warn("Resync pull failed", zap.Error(err))
	}
}

func backoff(failures int) time.Duration {
	d := baseBackoff << uint(failures-1)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
