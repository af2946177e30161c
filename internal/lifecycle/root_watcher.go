package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zkdefi/shield-client/internal/events"
	"github.com/zkdefi/shield-client/internal/metrics"
)

const DefaultRootPollInterval = 30 * time.Second

type RootSource interface {
	MerkleRoot(ctx context.Context) (string, error)
}

// RootWatcher polls the pool's Merkle root in the background. Nothing waits on it; flows
// read the last observed value through Latest.
type RootWatcher struct {
	src      RootSource
	interval time.Duration
	timeout  time.Duration

	events  events.Publisher
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	root   string
	seenAt time.Time
}

func NewRootWatcher(src RootSource, interval time.Duration, pub events.Publisher, m *metrics.Metrics, log *slog.Logger) (*RootWatcher, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil root source", ErrInvalidConfig)
	}
	if interval < 0 {
		return nil, fmt.Errorf("%w: interval must be >= 0", ErrInvalidConfig)
	}
	if interval == 0 {
		interval = DefaultRootPollInterval
	}
	if pub == nil {
		pub, _ = events.New(events.Config{Driver: events.DriverNone})
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	timeout := interval
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &RootWatcher{
		src:      src,
		interval: interval,
		timeout:  timeout,
		events:   pub,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}, nil
}

// Latest returns the last observed root and when it was fetched. ok is false until the
// first successful poll.
func (w *RootWatcher) Latest() (root string, at time.Time, ok bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.root, w.seenAt, w.root != ""
}

// Poll fetches the root once and reports whether it changed.
func (w *RootWatcher) Poll(ctx context.Context) (bool, error) {
	pctx, cancel := context.WithTimeout(ctx, w.timeout)
	root, err := w.src.MerkleRoot(pctx)
	cancel()
	if err != nil {
		return false, err
	}

	now := w.now().UTC()
	w.mu.Lock()
	prev := w.root
	w.root = root
	w.seenAt = now
	w.mu.Unlock()

	changed := prev != "" && prev != root
	w.metrics.RootPolled(now, changed)
	if changed {
		w.log.Info("merkle root changed", "previous", prev, "root", root)
		if err := w.events.Publish(ctx, events.Event{Type: events.RootChanged, MerkleRoot: root, At: now}); err != nil {
			w.log.Warn("publish event", "type", events.RootChanged, "err", err)
		}
	}
	return changed, nil
}

// Run polls immediately and then every interval until ctx is cancelled. Poll failures are
// logged and do not stop the loop.
func (w *RootWatcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("merkle root poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
