package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding durable profiles, session snapshots,
// insights, the turn log and the job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "joyjoin.db")
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

// AppliedMigrations returns the list of applied migration versions in ascending order.
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

// --- Profile Attributes ---

// CommitAttribute upserts one durable profile field. An explicit stored value
// is never replaced by an inferred one. It reports whether the row changed.
func (s *Store) CommitAttribute(userID, field string, st attr.AttributeState) (bool, error) {
	valueJSON, err := json.Marshal(st.Value)
	if err != nil {
		return false, fmt.Errorf("encoding %s: %w", field, err)
	}
	ts := st.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO user_profile_attributes (user_id, field, value_json, source, confidence, evidence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, field) DO UPDATE SET
			value_json = excluded.value_json,
			source = excluded.source,
			confidence = excluded.confidence,
			evidence = excluded.evidence,
			updated_at = excluded.updated_at
		WHERE NOT (user_profile_attributes.source = 'explicit' AND excluded.source = 'inferred')`,
		userID, field, string(valueJSON), string(st.Source), st.Confidence, st.Evidence,
		ts.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetProfileAttributes returns every durable field of a user. An unknown
// user yields an empty map.
func (s *Store) GetProfileAttributes(userID string) (attr.Map, error) {
	rows, err := s.db.Query(`
		SELECT field, value_json, source, confidence, evidence, updated_at
		FROM user_profile_attributes WHERE user_id = ?`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(attr.Map)
	for rows.Next() {
		var field, valueJSON, source, updatedAt string
		var st attr.AttributeState
		if err := rows.Scan(&field, &valueJSON, &source, &st.Confidence, &st.Evidence, &updatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(valueJSON), &st.Value); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", field, err)
		}
		st.Source = attr.Source(source)
		if st.Timestamp, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out[field] = st
	}
	return out, rows.Err()
}

// --- Session Snapshots ---

// SaveSnapshot writes the latest state of a session, replacing any earlier
// snapshot. CreatedAt of an existing row is preserved.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	status := snap.Status
	if status == "" {
		status = SnapshotActive
	}
	now := time.Now().UTC()
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	_, err = s.db.Exec(`
		INSERT INTO session_snapshots (session_id, user_id, state_json, turns, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			user_id = excluded.user_id,
			state_json = excluded.state_json,
			turns = excluded.turns,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		snap.SessionID, snap.UserID, string(stateJSON), snap.Turns, status,
		createdAt.UTC().Format(time.RFC3339), updatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetSnapshot(sessionID string) (Snapshot, error) {
	var snap Snapshot
	var stateJSON, createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT session_id, user_id, state_json, turns, status, created_at, updated_at
		FROM session_snapshots WHERE session_id = ?`, sessionID,
	).Scan(&snap.SessionID, &snap.UserID, &stateJSON, &snap.Turns, &snap.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	if err := json.Unmarshal([]byte(stateJSON), &snap.State); err != nil {
		return Snapshot{}, fmt.Errorf("decoding state: %w", err)
	}
	if snap.State == nil {
		snap.State = attr.Map{}
	}
	if snap.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Snapshot{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if snap.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Snapshot{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return snap, nil
}

// --- Insights ---

func (s *Store) SaveInsight(in Insight) error {
	items := in.Insights
	if items == nil {
		items = []string{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encoding insights: %w", err)
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO insights (id, session_id, dimension, insights_json, confidence, reasoning, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.SessionID, in.Dimension, string(itemsJSON), in.Confidence, in.Reasoning,
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListInsights returns the insights recorded for a session, oldest first.
func (s *Store) ListInsights(sessionID string) ([]Insight, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, dimension, insights_json, confidence, reasoning, created_at
		FROM insights WHERE session_id = ? ORDER BY created_at ASC, rowid ASC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Insight
	for rows.Next() {
		var in Insight
		var itemsJSON, createdAt string
		if err := rows.Scan(&in.ID, &in.SessionID, &in.Dimension, &itemsJSON, &in.Confidence, &in.Reasoning, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(itemsJSON), &in.Insights); err != nil {
			return nil, fmt.Errorf("decoding insights: %w", err)
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		in.CreatedAt = t
		results = append(results, in)
	}
	return results, rows.Err()
}

// --- Inference Log ---

func (s *Store) AppendTurnLog(l TurnLog) error {
	conflicts := l.ConflictsJSON
	if conflicts == "" {
		conflicts = "[]"
	}
	createdAt := l.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var llmLatency sql.NullInt64
	if l.LLMLatencyMs != nil {
		llmLatency = sql.NullInt64{Int64: *l.LLMLatencyMs, Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO inference_log (session_id, created_at, message, matcher_hit, matcher_confidence, llm_called, llm_latency_ms, total_latency_ms, conflicts_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.SessionID, createdAt.UTC().Format(time.RFC3339), l.Message, l.MatcherHit, l.MatcherConfidence,
		l.LLMCalled, llmLatency, l.TotalLatencyMs, conflicts,
	)
	return err
}

// RecentTurnLogs returns up to limit log entries of a session, newest first.
func (s *Store) RecentTurnLogs(sessionID string, limit int) ([]TurnLog, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, created_at, message, matcher_hit, matcher_confidence, llm_called, llm_latency_ms, total_latency_ms, conflicts_json
		FROM inference_log WHERE session_id = ? ORDER BY id DESC LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TurnLog
	for rows.Next() {
		var l TurnLog
		var createdAt string
		var llmLatency sql.NullInt64
		if err := rows.Scan(&l.ID, &l.SessionID, &createdAt, &l.Message, &l.MatcherHit, &l.MatcherConfidence,
			&l.LLMCalled, &llmLatency, &l.TotalLatencyMs, &l.ConflictsJSON); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		l.CreatedAt = t
		if llmLatency.Valid {
			v := llmLatency.Int64
			l.LLMLatencyMs = &v
		}
		results = append(results, l)
	}
	return results, rows.Err()
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(id string) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := s.db.QueryRow(`
		SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &lastError)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
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

func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}
