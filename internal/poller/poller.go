// Package poller implements the status-polling loop for long-running
// pipeline sessions: a cancellable timer that re-checks a session's
// status until a terminal value is observed, then fetches the full
// record once and stops.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pipewatch/pipewatch/internal/session"
)

// StatusClient abstracts the two backend calls the poller needs.
type StatusClient interface {
	GetStatus(ctx context.Context, feature, id string) (session.StatusSnapshot, error)
	GetSession(ctx context.Context, feature, id string) (session.Session, error)
}

// Update is delivered to the Start callback on every observed change.
// Exactly one of Snapshot, Session, or Err is meaningful per delivery:
// Snapshot for a non-terminal tick, Session for the final full fetch,
// Err when polling gave up after repeated failures.
type Update struct {
	Snapshot *session.StatusSnapshot
	Session  *session.Session
	Err      error
}

// Poller drives status polling against a backend.
type Poller struct {
	client      StatusClient
	interval    time.Duration
	maxFailures int
	logger      *slog.Logger
}

// New creates a Poller. If interval is <= 0 it defaults to 3s; if
// maxFailures is <= 0 it defaults to 3 consecutive failed ticks before
// polling stops with an error.
func New(client StatusClient, interval time.Duration, maxFailures int) *Poller {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &Poller{
		client:      client,
		interval:    interval,
		maxFailures: maxFailures,
		logger:      slog.Default(),
	}
}

// Handle controls one running polling loop.
type Handle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Stop cancels the loop. Safe to call repeatedly and after the loop has
// already stopped on its own. An in-flight status request is abandoned,
// not awaited.
func (h *Handle) Stop() {
	h.stopOnce.Do(h.cancel)
}

// Done is closed when the loop has fully exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Start begins polling sess until it reaches a terminal status. It
// returns nil without polling when the session is already terminal; a
// fresh Start call is the only way to begin a new cycle.
//
// On each tick the status endpoint is queried. A non-terminal snapshot
// is reported through onUpdate and polling continues. A terminal
// snapshot triggers exactly one full-record fetch, the final session is
// reported, and the loop stops: no further status requests are issued.
// Consecutive failed ticks are tolerated up to the configured limit,
// then the loop reports the last error and stops; any successful tick
// resets the failure count.
func (p *Poller) Start(ctx context.Context, sess session.Session, onUpdate func(Update)) *Handle {
	if session.IsTerminal(sess.Status) {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()
		p.run(ctx, sess.Feature, sess.ID, onUpdate)
	}()
	return h
}

func (p *Poller) run(ctx context.Context, feature, id string, onUpdate func(Update)) {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}

		snap, err := p.client.GetStatus(ctx, feature, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			p.logger.Debug("status poll failed", "session_id", id, "failures", failures, "error", err)
			if failures >= p.maxFailures {
				onUpdate(Update{Err: fmt.Errorf("polling session %s: %d consecutive failures, last: %w", id, failures, err)})
				return
			}
			continue
		}
		failures = 0

		if !session.IsTerminal(snap.Status) {
			onUpdate(Update{Snapshot: &snap})
			continue
		}

		full, err := p.client.GetSession(ctx, feature, id)
		if err != nil {
			// The terminal signal still stops polling; report the
			// snapshot alongside the fetch error so callers are not
			// left with a stale non-terminal status.
			onUpdate(Update{Snapshot: &snap, Err: fmt.Errorf("fetching final record for %s: %w", id, err)})
			return
		}
		onUpdate(Update{Session: &full})
		return
	}
}
