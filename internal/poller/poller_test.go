package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pipewatch/pipewatch/internal/session"
)

const testInterval = 10 * time.Millisecond

// scriptedClient returns the scripted snapshots in order, repeating the
// last one, and counts every request it serves.
type scriptedClient struct {
	mu          sync.Mutex
	snapshots   []session.StatusSnapshot
	statusErrs  []error
	full        session.Session
	fullErr     error
	statusCalls int
	fullCalls   int
}

func (c *scriptedClient) GetStatus(_ context.Context, _, id string) (session.StatusSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.statusCalls
	c.statusCalls++
	if i < len(c.statusErrs) && c.statusErrs[i] != nil {
		return session.StatusSnapshot{}, c.statusErrs[i]
	}
	if i >= len(c.snapshots) {
		i = len(c.snapshots) - 1
	}
	return c.snapshots[i], nil
}

func (c *scriptedClient) GetSession(_ context.Context, _, id string) (session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fullCalls++
	return c.full, c.fullErr
}

func (c *scriptedClient) counts() (status, full int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusCalls, c.fullCalls
}

func collectUpdates() (func(Update), *[]Update, *sync.Mutex) {
	var mu sync.Mutex
	var updates []Update
	return func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
	}, &updates, &mu
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop in time")
	}
}

func TestStart_TerminalSessionDoesNotPoll(t *testing.T) {
	c := &scriptedClient{}
	p := New(c, testInterval, 0)

	h := p.Start(context.Background(), session.Session{ID: "s1", Feature: "market_research", Status: session.StatusCompleted}, func(Update) {
		t.Error("onUpdate called for an already-terminal session")
	})
	if h != nil {
		t.Fatal("Start returned a handle for a terminal session")
	}

	time.Sleep(3 * testInterval)
	if status, _ := c.counts(); status != 0 {
		t.Errorf("status requests = %d, want 0", status)
	}
}

func TestPoll_RunsToCompletion(t *testing.T) {
	// pending → analyzing → completed, then one full fetch and stop.
	c := &scriptedClient{
		snapshots: []session.StatusSnapshot{
			{ID: "s1", Status: session.StatusAnalyzing, ProgressStep: 2, ProgressTotal: 2},
			{ID: "s1", Status: session.StatusCompleted},
		},
		full: session.Session{ID: "s1", Feature: "market_research", Status: session.StatusCompleted},
	}
	p := New(c, testInterval, 0)
	onUpdate, updates, mu := collectUpdates()

	h := p.Start(context.Background(), session.Session{ID: "s1", Feature: "market_research", Status: session.StatusPending}, onUpdate)
	if h == nil {
		t.Fatal("Start returned nil for a non-terminal session")
	}
	waitDone(t, h)

	statusBefore, full := c.counts()
	if full != 1 {
		t.Fatalf("full fetches = %d, want 1", full)
	}
	if statusBefore != 2 {
		t.Errorf("status requests = %d, want 2", statusBefore)
	}

	// At least one status request preceded the full fetch, and the
	// final update carries the completed session.
	mu.Lock()
	if len(*updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(*updates))
	}
	if (*updates)[0].Snapshot == nil || (*updates)[0].Snapshot.Status != session.StatusAnalyzing {
		t.Errorf("first update = %+v, want analyzing snapshot", (*updates)[0])
	}
	if (*updates)[1].Session == nil || (*updates)[1].Session.Status != session.StatusCompleted {
		t.Errorf("final update = %+v, want completed session", (*updates)[1])
	}
	mu.Unlock()

	// Idempotent stop: no third status request within the next
	// interval windows.
	time.Sleep(3 * testInterval)
	statusAfter, _ := c.counts()
	if statusAfter != statusBefore {
		t.Errorf("status requests after stop = %d, want %d", statusAfter, statusBefore)
	}
}

func TestPoll_StopCancelsLoop(t *testing.T) {
	c := &scriptedClient{
		snapshots: []session.StatusSnapshot{{ID: "s1", Status: session.StatusAnalyzing}},
	}
	p := New(c, testInterval, 0)

	h := p.Start(context.Background(), session.Session{ID: "s1", Feature: "code_chat", Status: session.StatusPending}, func(Update) {})
	time.Sleep(3 * testInterval)
	h.Stop()
	waitDone(t, h)

	before, _ := c.counts()
	time.Sleep(3 * testInterval)
	after, _ := c.counts()
	if after != before {
		t.Errorf("status requests after Stop = %d, want %d", after, before)
	}

	// Stop is idempotent.
	h.Stop()
}

func TestPoll_SurfacesErrorAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("connection refused")
	c := &scriptedClient{
		snapshots:  []session.StatusSnapshot{{ID: "s1", Status: session.StatusAnalyzing}},
		statusErrs: []error{boom, boom, boom},
	}
	p := New(c, testInterval, 3)
	onUpdate, updates, mu := collectUpdates()

	h := p.Start(context.Background(), session.Session{ID: "s1", Feature: "market_research", Status: session.StatusPending}, onUpdate)
	waitDone(t, h)

	mu.Lock()
	defer mu.Unlock()
	if len(*updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(*updates))
	}
	if (*updates)[0].Err == nil || !errors.Is((*updates)[0].Err, boom) {
		t.Errorf("update error = %v, want wrapped %v", (*updates)[0].Err, boom)
	}
}

func TestPoll_SingleFailureIsTolerated(t *testing.T) {
	boom := errors.New("temporary blip")
	c := &scriptedClient{
		snapshots: []session.StatusSnapshot{
			{}, // consumed by the failed tick, never returned
			{ID: "s1", Status: session.StatusCompleted},
		},
		statusErrs: []error{boom},
		full:       session.Session{ID: "s1", Status: session.StatusCompleted},
	}
	p := New(c, testInterval, 3)
	onUpdate, updates, mu := collectUpdates()

	h := p.Start(context.Background(), session.Session{ID: "s1", Feature: "market_research", Status: session.StatusPending}, onUpdate)
	waitDone(t, h)

	mu.Lock()
	defer mu.Unlock()
	if len(*updates) != 1 || (*updates)[0].Session == nil {
		t.Fatalf("updates = %+v, want single completed session", *updates)
	}
	if (*updates)[0].Err != nil {
		t.Errorf("error surfaced for a single tolerated failure: %v", (*updates)[0].Err)
	}
}

func TestPoll_TerminalSnapshotWithFailedFullFetch(t *testing.T) {
	fetchErr := errors.New("record fetch failed")
	c := &scriptedClient{
		snapshots: []session.StatusSnapshot{{ID: "s1", Status: session.StatusFailed, ErrorMessage: "pipeline step failed"}},
		fullErr:   fetchErr,
	}
	p := New(c, testInterval, 0)
	onUpdate, updates, mu := collectUpdates()

	h := p.Start(context.Background(), session.Session{ID: "s1", Feature: "release_prep", Status: session.StatusPending}, onUpdate)
	waitDone(t, h)

	mu.Lock()
	defer mu.Unlock()
	if len(*updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(*updates))
	}
	u := (*updates)[0]
	if u.Snapshot == nil || u.Snapshot.Status != session.StatusFailed {
		t.Errorf("update snapshot = %+v, want failed snapshot", u.Snapshot)
	}
	if !errors.Is(u.Err, fetchErr) {
		t.Errorf("update error = %v, want wrapped %v", u.Err, fetchErr)
	}
}
