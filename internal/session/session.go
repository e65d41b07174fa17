// Package session defines the pipeline session data model: the session
// record, its lightweight status projection, and the per-feature status
// graphs that govern lifecycle transitions.
package session

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a pipeline session. Each feature
// exposes a closed set of values; the backend is the only writer.
type Status string

const (
	// StatusPending indicates the session is created but no pipeline
	// step has run yet. This is the initial state for every feature.
	StatusPending Status = "pending"
	// StatusAnalyzing indicates the analysis step is in progress.
	StatusAnalyzing Status = "analyzing"
	// StatusExtracting indicates source material is being extracted
	// (release prep only).
	StatusExtracting Status = "extracting"
	// StatusGeneratingNotes indicates release notes are being generated
	// (release prep only).
	StatusGeneratingNotes Status = "generating_notes"
	// StatusModeling indicates scenario modeling is in progress
	// (scenario modeler only).
	StatusModeling Status = "modeling"
	// StatusCompleted indicates the pipeline finished and the result
	// payload is available. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the pipeline stopped with an error.
	// Terminal; the only state a retry is accepted from.
	StatusFailed Status = "failed"
)

// IsTerminal reports whether s is a state with no outgoing transitions.
// Terminal values are shared across all features.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed
}

// Session is a backend-tracked unit of pipeline work. The client holds
// a cached, possibly-stale copy; only the backend mutates it.
type Session struct {
	ID           string          `json:"id"`
	Feature      string          `json:"feature"`
	Status       Status          `json:"status"`
	Params       json.RawMessage `json:"params,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// StatusSnapshot is the lightweight projection returned by the status
// endpoint. It is cheap to fetch on every poll tick and never carries
// the result payload.
type StatusSnapshot struct {
	ID              string `json:"id"`
	Status          Status `json:"status"`
	ProgressStep    int    `json:"progressStep,omitempty"`
	ProgressTotal   int    `json:"progressTotal,omitempty"`
	ProgressMessage string `json:"progressMessage,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
}
