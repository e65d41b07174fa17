package storage

import (
	"errors"
	"time"

	"github.com/pipewatch/pipewatch/internal/session"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a mutation is illegal for the record's
// current status (e.g. retrying a session that has not failed).
var ErrConflict = errors.New("conflict")

// Record is one sessions-table row: the session itself plus the
// server-side progress counters and scheduling column the pipeline
// runner uses.
type Record struct {
	Session         session.Session
	ProgressStep    int
	ProgressTotal   int
	ProgressMessage string
	NextStepAt      time.Time
}

// Snapshot projects the record into the lightweight status response.
func (r Record) Snapshot() session.StatusSnapshot {
	return session.StatusSnapshot{
		ID:              r.Session.ID,
		Status:          r.Session.Status,
		ProgressStep:    r.ProgressStep,
		ProgressTotal:   r.ProgressTotal,
		ProgressMessage: r.ProgressMessage,
		ErrorMessage:    r.Session.ErrorMessage,
	}
}
