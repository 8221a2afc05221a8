package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the single durable home for cached handoffs, cached media rows,
// and the pending-action write-ahead queue. No other package persists state.
type Store struct {
	db *sql.DB
}

// errMigrate tags migration failures so Open can tell them apart from plain
// open errors and fall back to a fresh database instead of refusing to start.
var errMigrate = errors.New("migration failed")

// Open opens (or creates) the SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
//
// A failed migration on a file-backed database does not abort startup: the
// old file is moved aside and a fresh, empty database is created. Losing the
// cache is recoverable; refusing to start is not.
func Open(dataDir string) (*Store, error) {
	if dataDir == ":memory:" {
		return open(":memory:")
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dsn := filepath.Join(dataDir, "shiftsync.db")

	s, err := open(dsn)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, errMigrate) {
		return nil, err
	}

	// Treat the store as empty rather than crashing.
	if moveErr := quarantine(dsn); moveErr != nil {
		return nil, fmt.Errorf("quarantining database after %v: %w", err, moveErr)
	}
	return open(dsn)
}

func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection avoids "database is locked" between the drain
	// goroutine and reads; the transaction boundary is the sync primitive.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", errMigrate, err)
	}
	return s, nil
}

// quarantine moves a database (and its WAL sidecars) out of the way so a
// fresh one can be created at the same path.
func quarantine(dsn string) error {
	suffix := fmt.Sprintf(".corrupt-%d", time.Now().UTC().Unix())
	if err := os.Rename(dsn, dsn+suffix); err != nil {
		return err
	}
	for _, ext := range []string{"-wal", "-shm"} {
		os.Remove(dsn + ext)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies any embedded SQL migrations that haven't been run yet.
// The current schema version lives in schema_version alongside the data.
func (s *Store) migrate() error {
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

		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		if err := s.applyMigration(version, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, ddl string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	if _, err := tx.Exec(ddl); err != nil {
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
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// wrapStorage maps low-level database failures onto the package's error
// taxonomy; disk/database-full becomes ErrQuotaExceeded so callers can treat
// it as a recoverable best-effort failure.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if isQuota(err) {
		return fmt.Errorf("%s: %w", op, ErrQuotaExceeded)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isQuota(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_FULL
	}
	return strings.Contains(err.Error(), "database or disk is full")
}

// --- Handoffs ---

// PutHandoff inserts or overwrites a cached handoff. The upsert refuses to
// move cached_at backwards: a slow revalidation that loses the race against
// a newer fetch must not clobber the newer snapshot.
func (s *Store) PutHandoff(h Handoff) error {
	mediaIDs, err := json.Marshal(h.MediaIDs)
	if err != nil {
		return fmt.Errorf("encoding media ids: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO handoffs (id, payload, cached_at, media_ids)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			cached_at = excluded.cached_at,
			media_ids = excluded.media_ids
		WHERE excluded.cached_at >= handoffs.cached_at`,
		h.ID, h.Payload, h.CachedAt.UTC().Format(time.RFC3339), string(mediaIDs),
	)
	return wrapStorage("putting handoff", err)
}

// GetHandoff returns the cached handoff or ErrNotFound.
func (s *Store) GetHandoff(id string) (Handoff, error) {
	var h Handoff
	var cachedAt, mediaIDs string
	err := s.db.QueryRow(`
		SELECT id, payload, cached_at, media_ids FROM handoffs WHERE id = ?`, id,
	).Scan(&h.ID, &h.Payload, &cachedAt, &mediaIDs)
	if err == sql.ErrNoRows {
		return Handoff{}, ErrNotFound
	}
	if err != nil {
		return Handoff{}, wrapStorage("getting handoff", err)
	}
	if h.CachedAt, err = time.Parse(time.RFC3339, cachedAt); err != nil {
		return Handoff{}, fmt.Errorf("parsing cached_at: %w", err)
	}
	if err := json.Unmarshal([]byte(mediaIDs), &h.MediaIDs); err != nil {
		return Handoff{}, fmt.Errorf("decoding media ids: %w", err)
	}
	return h, nil
}

// ListHandoffs returns all cached handoffs, most recently fetched first.
func (s *Store) ListHandoffs() ([]Handoff, error) {
	rows, err := s.db.Query(`
		SELECT id, payload, cached_at, media_ids FROM handoffs ORDER BY cached_at DESC`)
	if err != nil {
		return nil, wrapStorage("listing handoffs", err)
	}
	defer rows.Close()

	var results []Handoff
	for rows.Next() {
		var h Handoff
		var cachedAt, mediaIDs string
		if err := rows.Scan(&h.ID, &h.Payload, &cachedAt, &mediaIDs); err != nil {
			return nil, err
		}
		if h.CachedAt, err = time.Parse(time.RFC3339, cachedAt); err != nil {
			return nil, fmt.Errorf("parsing cached_at: %w", err)
		}
		if err := json.Unmarshal([]byte(mediaIDs), &h.MediaIDs); err != nil {
			return nil, fmt.Errorf("decoding media ids: %w", err)
		}
		results = append(results, h)
	}
	return results, rows.Err()
}

// DeleteHandoff evicts a handoff and its media rows in one transaction.
func (s *Store) DeleteHandoff(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning eviction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM media WHERE handoff_id = ?`, id); err != nil {
		return wrapStorage("deleting media", err)
	}
	res, err := tx.Exec(`DELETE FROM handoffs WHERE id = ?`, id)
	if err != nil {
		return wrapStorage("deleting handoff", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// --- Media ---

// PutMedia inserts or overwrites a cached voice note.
func (s *Store) PutMedia(m Media) error {
	_, err := s.db.Exec(`
		INSERT INTO media (id, handoff_id, audio_ref, transcript)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			handoff_id = excluded.handoff_id,
			audio_ref = excluded.audio_ref,
			transcript = excluded.transcript`,
		m.ID, m.HandoffID, m.AudioRef, m.Transcript,
	)
	return wrapStorage("putting media", err)
}

// GetMedia returns the cached voice note or ErrNotFound.
func (s *Store) GetMedia(id string) (Media, error) {
	var m Media
	err := s.db.QueryRow(`
		SELECT id, handoff_id, audio_ref, transcript FROM media WHERE id = ?`, id,
	).Scan(&m.ID, &m.HandoffID, &m.AudioRef, &m.Transcript)
	if err == sql.ErrNoRows {
		return Media{}, ErrNotFound
	}
	if err != nil {
		return Media{}, wrapStorage("getting media", err)
	}
	return m, nil
}

// ListMediaByHandoff returns the voice notes cached for one handoff.
func (s *Store) ListMediaByHandoff(handoffID string) ([]Media, error) {
	rows, err := s.db.Query(`
		SELECT id, handoff_id, audio_ref, transcript FROM media WHERE handoff_id = ? ORDER BY id ASC`,
		handoffID,
	)
	if err != nil {
		return nil, wrapStorage("listing media", err)
	}
	defer rows.Close()

	var results []Media
	for rows.Next() {
		var m Media
		if err := rows.Scan(&m.ID, &m.HandoffID, &m.AudioRef, &m.Transcript); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// --- Pending actions ---

// EnqueueAction appends a write to the write-ahead queue.
func (s *Store) EnqueueAction(a PendingAction) error {
	now := time.Now().UTC()
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	nextAttempt := a.NextAttemptAt
	if nextAttempt.IsZero() {
		nextAttempt = createdAt
	}
	_, err := s.db.Exec(`
		INSERT INTO pending_actions (id, type, handoff_id, payload, status, retry_count, next_attempt_at, created_at, updated_at, last_error)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, '')`,
		a.ID, a.Type, a.HandoffID, a.Payload,
		nextAttempt.UTC().Format(actionTime),
		createdAt.UTC().Format(actionTime),
		now.Format(actionTime),
	)
	return wrapStorage("enqueueing action", err)
}

// GetAction returns a single queued action or ErrNotFound.
func (s *Store) GetAction(id string) (PendingAction, error) {
	row := s.db.QueryRow(`
		SELECT id, type, handoff_id, payload, status, retry_count, next_attempt_at, created_at, updated_at, last_error
		FROM pending_actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return PendingAction{}, ErrNotFound
	}
	return a, err
}

// ListPendingActions returns non-terminal actions oldest-first. Drains rely
// on this ordering to preserve a handoff's action history causally.
func (s *Store) ListPendingActions() ([]PendingAction, error) {
	return s.listActions(ActionPending)
}

// ListFailedActions returns terminal-failed actions oldest-first. They are
// retained indefinitely for manual retry.
func (s *Store) ListFailedActions() ([]PendingAction, error) {
	return s.listActions(ActionFailed)
}

func (s *Store) listActions(status string) ([]PendingAction, error) {
	rows, err := s.db.Query(`
		SELECT id, type, handoff_id, payload, status, retry_count, next_attempt_at, created_at, updated_at, last_error
		FROM pending_actions WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, wrapStorage("listing actions", err)
	}
	defer rows.Close()

	var results []PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// CountPending returns the number of not-yet-delivered actions.
func (s *Store) CountPending() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_actions WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// MarkActionFailed records a transient delivery failure: the retry count is
// incremented, the next attempt is scheduled with exponential backoff capped
// at 30s, and the action flips to terminal once the retry cap is reached.
// The updated row is returned so callers can surface terminal failures.
func (s *Store) MarkActionFailed(id, errMsg string) (PendingAction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return PendingAction{}, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var retryCount int
	err = tx.QueryRow(`SELECT retry_count FROM pending_actions WHERE id = ? AND status = 'pending'`, id).Scan(&retryCount)
	if err == sql.ErrNoRows {
		return PendingAction{}, ErrNotFound
	}
	if err != nil {
		return PendingAction{}, err
	}

	now := time.Now().UTC()
	retryCount++

	if retryCount >= MaxRetries {
		_, err = tx.Exec(`UPDATE pending_actions SET status = 'failed', retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			retryCount, errMsg, now.Format(actionTime), id)
	} else {
		nextAttempt := now.Add(Backoff(retryCount))
		_, err = tx.Exec(`UPDATE pending_actions SET retry_count = ?, last_error = ?, next_attempt_at = ?, updated_at = ? WHERE id = ?`,
			retryCount, errMsg, nextAttempt.Format(actionTime), now.Format(actionTime), id)
	}
	if err != nil {
		return PendingAction{}, wrapStorage("marking action failed", err)
	}
	if err := tx.Commit(); err != nil {
		return PendingAction{}, err
	}
	return s.GetAction(id)
}

// MarkActionTerminal moves an action straight to terminal-failed, used for
// permanent (validation) rejections that must never be retried.
func (s *Store) MarkActionTerminal(id, errMsg string) error {
	now := time.Now().UTC().Format(actionTime)
	res, err := s.db.Exec(`UPDATE pending_actions SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?`,
		errMsg, now, id)
	if err != nil {
		return wrapStorage("marking action terminal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAction removes a delivered (or abandoned) action from the queue.
func (s *Store) DeleteAction(id string) error {
	res, err := s.db.Exec(`DELETE FROM pending_actions WHERE id = ?`, id)
	if err != nil {
		return wrapStorage("deleting action", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RearmAction puts a terminal-failed action back in the queue with a fresh
// attempt budget. This is the manual-retry path; automatic retries never
// reset the count.
func (s *Store) RearmAction(id string) error {
	now := time.Now().UTC().Format(actionTime)
	res, err := s.db.Exec(`
		UPDATE pending_actions SET status = 'pending', retry_count = 0, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = 'failed'`, now, now, id)
	if err != nil {
		return wrapStorage("rearming action", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// actionTime is RFC3339 with fixed-width nanoseconds. RFC3339Nano trims
// trailing zeros, which breaks lexicographic ORDER BY on the stored strings.
const actionTime = "2006-01-02T15:04:05.000000000Z07:00"

// Backoff returns the delay before attempt retryCount+1: min(2^n * 1s, 30s).
func Backoff(retryCount int) time.Duration {
	d := time.Second << uint(retryCount)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (PendingAction, error) {
	var a PendingAction
	var nextAttempt, createdAt, updatedAt string
	err := row.Scan(&a.ID, &a.Type, &a.HandoffID, &a.Payload, &a.Status, &a.RetryCount,
		&nextAttempt, &createdAt, &updatedAt, &a.LastError)
	if err != nil {
		return PendingAction{}, err
	}
	if a.NextAttemptAt, err = time.Parse(time.RFC3339Nano, nextAttempt); err != nil {
		return PendingAction{}, fmt.Errorf("parsing next_attempt_at: %w", err)
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return PendingAction{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return PendingAction{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return a, nil
}
