package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pipewatch/pipewatch/internal/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding pipeline sessions for the
// reference server.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database
// (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "pipewatch.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

const sessionColumns = `id, feature, status, params_json, result_json, error_message,
	progress_step, progress_total, progress_message, next_step_at, created_at, updated_at`

// CreateSession inserts a new session in its feature's initial state
// and returns the stored record. The session becomes due for its first
// pipeline step immediately.
func (s *Store) CreateSession(feature string, params json.RawMessage) (Record, error) {
	g, ok := session.Lookup(feature)
	if !ok {
		return Record{}, fmt.Errorf("unknown feature %q", feature)
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	now := time.Now().UTC()
	step, total := g.Progress(g.Initial())
	rec := Record{
		Session: session.Session{
			ID:        uuid.New().String(),
			Feature:   feature,
			Status:    g.Initial(),
			Params:    params,
			CreatedAt: now,
			UpdatedAt: now,
		},
		ProgressStep:  step,
		ProgressTotal: total,
		NextStepAt:    now,
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, NULL, '', ?, ?, '', ?, ?, ?)`,
		rec.Session.ID, feature, string(rec.Session.Status), string(params),
		rec.ProgressStep, rec.ProgressTotal,
		formatTime(rec.NextStepAt), formatTime(now), formatTime(now),
	)
	if err != nil {
		return Record{}, fmt.Errorf("inserting session: %w", err)
	}
	return rec, nil
}

// GetSession returns one session by feature and id.
func (s *Store) GetSession(feature, id string) (Record, error) {
	row := s.db.QueryRow(`
		SELECT `+sessionColumns+` FROM sessions WHERE feature = ? AND id = ?`,
		feature, id,
	)
	return scanRecord(row)
}

// ListSessions returns all sessions for a feature, newest first.
func (s *Store) ListSessions(feature string) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE feature = ? ORDER BY created_at DESC, id DESC`,
		feature,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// DeleteSession removes a session. Deleting an absent session is not an
// error; the operation is idempotent by contract.
func (s *Store) DeleteSession(feature, id string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE feature = ? AND id = ?", feature, id)
	return err
}

// ClaimDue returns the oldest non-terminal session of the feature whose
// next step is due at or before now, pushing its next_step_at forward
// by hold so the same session is not re-claimed while being processed.
// Returns nil when nothing is due.
func (s *Store) ClaimDue(feature string, now time.Time, hold time.Duration) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE feature = ? AND status NOT IN (?, ?) AND next_step_at <= ?
		ORDER BY next_step_at ASC LIMIT 1`,
		feature, string(session.StatusCompleted), string(session.StatusFailed), formatTime(now),
	)
	rec, err := scanRecord(row)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(
		"UPDATE sessions SET next_step_at = ? WHERE id = ?",
		formatTime(now.Add(hold)), rec.Session.ID,
	); err != nil {
		return nil, fmt.Errorf("holding session %s: %w", rec.Session.ID, err)
	}
	return &rec, nil
}

// AdvanceSession moves a session one step forward along its feature
// graph and schedules the following step. Illegal transitions return
// ErrConflict.
func (s *Store) AdvanceSession(id string, to session.Status, message string, nextStepAt time.Time) error {
	rec, err := s.getByID(id)
	if err != nil {
		return err
	}
	g, ok := session.Lookup(rec.Session.Feature)
	if !ok {
		return fmt.Errorf("unknown feature %q", rec.Session.Feature)
	}
	if !g.CanTransition(rec.Session.Status, to) {
		return fmt.Errorf("%w: %s → %s", ErrConflict, rec.Session.Status, to)
	}

	step, total := g.Progress(to)
	now := time.Now().UTC()
	_, err = s.db.Exec(`
		UPDATE sessions SET status = ?, progress_step = ?, progress_total = ?,
			progress_message = ?, next_step_at = ?, updated_at = ?
		WHERE id = ?`,
		string(to), step, total, message, formatTime(nextStepAt), formatTime(now), id,
	)
	return err
}

// CompleteSession marks a session completed and stores its result
// payload.
func (s *Store) CompleteSession(id string, result json.RawMessage) error {
	rec, err := s.getByID(id)
	if err != nil {
		return err
	}
	g, _ := session.Lookup(rec.Session.Feature)
	if !g.CanTransition(rec.Session.Status, session.StatusCompleted) {
		return fmt.Errorf("%w: %s → %s", ErrConflict, rec.Session.Status, session.StatusCompleted)
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`
		UPDATE sessions SET status = ?, result_json = ?, progress_step = progress_total,
			progress_message = '', updated_at = ?
		WHERE id = ?`,
		string(session.StatusCompleted), string(result), formatTime(now), id,
	)
	return err
}

// FailSession marks a session failed with a user-visible error message.
func (s *Store) FailSession(id string, errMsg string) error {
	rec, err := s.getByID(id)
	if err != nil {
		return err
	}
	g, _ := session.Lookup(rec.Session.Feature)
	if !g.CanTransition(rec.Session.Status, session.StatusFailed) {
		return fmt.Errorf("%w: %s → %s", ErrConflict, rec.Session.Status, session.StatusFailed)
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`
		UPDATE sessions SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(session.StatusFailed), errMsg, formatTime(now), id,
	)
	return err
}

// ResetForRetry puts a failed session back into its feature's initial
// state, clearing the error and any partial result, and makes it due
// for processing again. Only failed sessions can be retried; anything
// else returns ErrConflict.
func (s *Store) ResetForRetry(feature, id string) (Record, error) {
	rec, err := s.GetSession(feature, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Session.Status != session.StatusFailed {
		return Record{}, fmt.Errorf("%w: session is %s, retry requires failed", ErrConflict, rec.Session.Status)
	}

	g, _ := session.Lookup(feature)
	now := time.Now().UTC()
	step, total := g.Progress(g.Initial())
	_, err = s.db.Exec(`
		UPDATE sessions SET status = ?, error_message = '', result_json = NULL,
			progress_step = ?, progress_total = ?, progress_message = '',
			next_step_at = ?, updated_at = ?
		WHERE id = ?`,
		string(g.Initial()), step, total, formatTime(now), formatTime(now), id,
	)
	if err != nil {
		return Record{}, err
	}
	return s.GetSession(feature, id)
}

// CountByStatus returns session counts per status for one feature.
func (s *Store) CountByStatus(feature string) (map[session.Status]int, error) {
	rows, err := s.db.Query(
		"SELECT status, COUNT(*) FROM sessions WHERE feature = ? GROUP BY status",
		feature,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[session.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[session.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) getByID(id string) (Record, error) {
	row := s.db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	return scanRecord(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var status, params string
	var result sql.NullString
	var nextStepAt, createdAt, updatedAt string

	err := row.Scan(
		&rec.Session.ID, &rec.Session.Feature, &status, &params, &result,
		&rec.Session.ErrorMessage, &rec.ProgressStep, &rec.ProgressTotal,
		&rec.ProgressMessage, &nextStepAt, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}

	rec.Session.Status = session.Status(status)
	rec.Session.Params = json.RawMessage(params)
	if result.Valid {
		rec.Session.Result = json.RawMessage(result.String)
	}

	for _, f := range []struct {
		raw  string
		dst  *time.Time
		name string
	}{
		{nextStepAt, &rec.NextStepAt, "next_step_at"},
		{createdAt, &rec.Session.CreatedAt, "created_at"},
		{updatedAt, &rec.Session.UpdatedAt, "updated_at"},
	} {
		t, err := time.Parse(time.RFC3339Nano, f.raw)
		if err != nil {
			return Record{}, fmt.Errorf("parsing %s: %w", f.name, err)
		}
		*f.dst = t
	}
	return rec, nil
}

// timeLayout keeps fractional seconds fixed-width so stored timestamps
// order lexicographically in SQL comparisons.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
