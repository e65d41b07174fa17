// Package pipeline advances reference-server sessions through their
// feature status graphs, simulating the backend pipelines the client
// tooling is built against.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pipewatch/pipewatch/internal/session"
	"github.com/pipewatch/pipewatch/internal/storage"
)

// claimHold is how far a claimed session's due time is pushed so it is
// not re-claimed while a step is in flight.
const claimHold = 30 * time.Second

// Runner drives due sessions one status step forward per tick.
type Runner struct {
	store  *storage.Store
	step   time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// NewRunner creates a Runner. stepDwell is how long a session sits in
// each pipeline state (default 5s); pollInterval is how often the
// runner checks for due sessions (default 500ms).
func NewRunner(store *storage.Store, stepDwell, pollInterval time.Duration) *Runner {
	if stepDwell <= 0 {
		stepDwell = 5 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Runner{
		store:  store,
		step:   stepDwell,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run processes sessions for every registered feature until ctx is
// cancelled, one worker per feature.
func (r *Runner) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, feature := range session.Features() {
		feature := feature
		g.Go(func() error {
			r.runFeature(gCtx, feature)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) runFeature(ctx context.Context, feature string) {
	for {
		if ctx.Err() != nil {
			return
		}

		advanced, err := r.RunOnce(ctx, feature)
		if err != nil {
			r.logger.Error("pipeline step failed", "feature", feature, "error", err)
		}
		if advanced {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.poll):
		}
	}
}

// RunOnce claims the next due session of the feature and advances it
// one step. Returns true if a session was processed.
func (r *Runner) RunOnce(ctx context.Context, feature string) (bool, error) {
	rec, err := r.store.ClaimDue(feature, time.Now().UTC(), claimHold)
	if err != nil {
		return false, fmt.Errorf("claiming due session: %w", err)
	}
	if rec == nil {
		return false, nil
	}

	if err := r.advance(rec); err != nil {
		return true, fmt.Errorf("advancing session %s: %w", rec.Session.ID, err)
	}
	return true, nil
}

// stepParams are the dev-fixture knobs accepted in any session's
// creation params.
type stepParams struct {
	// FailAt makes the pipeline fail instead of entering the named
	// status, for exercising error and retry paths.
	FailAt session.Status `json:"failAt"`
}

func (r *Runner) advance(rec *storage.Record) error {
	g, ok := session.Lookup(rec.Session.Feature)
	if !ok {
		return fmt.Errorf("unknown feature %q", rec.Session.Feature)
	}

	next, ok := g.Next(rec.Session.Status)
	if !ok {
		// Terminal or off-graph; nothing to do.
		return nil
	}

	var params stepParams
	if len(rec.Session.Params) > 0 {
		// Malformed params never block the pipeline; the knobs just
		// stay unset.
		_ = json.Unmarshal(rec.Session.Params, &params)
	}
	if params.FailAt != "" && params.FailAt == next {
		r.logger.Info("failing session per failAt param", "session_id", rec.Session.ID, "at", next)
		return r.store.FailSession(rec.Session.ID, fmt.Sprintf("pipeline failed at step %s", next))
	}

	if next == session.StatusCompleted {
		result, err := buildResult(rec.Session.Feature, rec.Session.Params)
		if err != nil {
			return r.store.FailSession(rec.Session.ID, fmt.Sprintf("generating result: %v", err))
		}
		r.logger.Debug("session completed", "session_id", rec.Session.ID, "feature", rec.Session.Feature)
		return r.store.CompleteSession(rec.Session.ID, result)
	}

	r.logger.Debug("session advanced", "session_id", rec.Session.ID, "to", next)
	return r.store.AdvanceSession(rec.Session.ID, next, stepMessage(next), time.Now().UTC().Add(r.step))
}

func stepMessage(s session.Status) string {
	switch s {
	case session.StatusAnalyzing:
		return "analyzing inputs"
	case session.StatusExtracting:
		return "extracting changes"
	case session.StatusGeneratingNotes:
		return "generating release notes"
	case session.StatusModeling:
		return "running scenario model"
	default:
		return ""
	}
}

// buildResult synthesizes a feature-shaped artifact for a completed
// session. The shapes mirror what each product pipeline returns, enough
// for clients to render and tests to assert against.
func buildResult(feature string, params json.RawMessage) (json.RawMessage, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	var payload any
	switch feature {
	case session.FeatureMarketResearch:
		payload = map[string]any{
			"summary":     "market analysis complete",
			"segments":    []string{"enterprise", "mid-market", "smb"},
			"generatedAt": now,
		}
	case session.FeatureReleasePrep:
		payload = map[string]any{
			"releaseNotes": "## Changes\n\n- generated from extracted commits",
			"highlights":   []string{},
			"generatedAt":  now,
		}
	case session.FeatureProgressTracker:
		payload = map[string]any{
			"milestones":  []any{},
			"onTrack":     true,
			"generatedAt": now,
		}
	case session.FeatureCodeChat:
		payload = map[string]any{
			"answer":      "analysis complete",
			"references":  []string{},
			"generatedAt": now,
		}
	case session.FeatureScenarioModeler:
		payload = map[string]any{
			"scenarios":   []any{},
			"baseline":    map[string]any{"input": json.RawMessage(orEmptyObject(params))},
			"generatedAt": now,
		}
	default:
		return nil, fmt.Errorf("unknown feature %q", feature)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling result: %w", err)
	}
	return b, nil
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
