package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding found items, matches, analytics
// events, and the work-message queue.
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
		dsn = filepath.Join(dataDir, "radar.db")
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
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

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

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

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

// --- Found items ---

func (s *Store) SaveFoundItem(item FoundItem) error {
	status := item.Status
	if status == "" {
		status = StatusAvailable
	}
	embedding := item.Embedding
	if embedding == "" {
		embedding = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO found_items (id, name, description, category, location, pickup_instructions, contact_info, embedding, status, created_at, expiry_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Name, item.Description, item.Category, item.Location,
		item.PickupInstructions, item.ContactInfo, embedding, status,
		item.CreatedAt.UTC().Format(time.RFC3339), item.ExpiryDate.UTC().Format(time.RFC3339),
	)
	return err
}

const foundItemColumns = `id, name, description, category, location, pickup_instructions, contact_info, embedding, status, created_at, expiry_date`

func scanFoundItem(row interface{ Scan(...any) error }) (FoundItem, error) {
	var item FoundItem
	var createdAt, expiryDate string
	err := row.Scan(&item.ID, &item.Name, &item.Description, &item.Category, &item.Location,
		&item.PickupInstructions, &item.ContactInfo, &item.Embedding, &item.Status,
		&createdAt, &expiryDate)
	if err != nil {
		return FoundItem{}, err
	}
	if item.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return FoundItem{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if item.ExpiryDate, err = time.Parse(time.RFC3339, expiryDate); err != nil {
		return FoundItem{}, fmt.Errorf("parsing expiry_date: %w", err)
	}
	return item, nil
}

func (s *Store) GetFoundItem(id string) (FoundItem, error) {
	row := s.db.QueryRow(`SELECT `+foundItemColumns+` FROM found_items WHERE id = ?`, id)
	item, err := scanFoundItem(row)
	if err == sql.ErrNoRows {
		return FoundItem{}, ErrNotFound
	}
	return item, err
}

func (s *Store) ListFoundItems(limit int) ([]FoundItem, error) {
	rows, err := s.db.Query(`SELECT `+foundItemColumns+` FROM found_items ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FoundItem
	for rows.Next() {
		item, err := scanFoundItem(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, item)
	}
	return results, rows.Err()
}

// ExpireAvailableBefore transitions every available item whose expiry date is
// before cutoff to expired, in a single batched write. The select and the
// update run in one transaction but the status filter alone makes re-runs
// no-ops. Returns the number of items expired.
func (s *Store) ExpireAvailableBefore(cutoff time.Time) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning expiry transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM found_items WHERE status = ? AND expiry_date < ?`,
		StatusAvailable, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("selecting expired items: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat(",?", len(ids)-1)
	args := make([]any, 0, len(ids)+1)
	args = append(args, StatusExpired)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := tx.Exec(`UPDATE found_items SET status = ? WHERE id IN (?`+placeholders+`)`, args...); err != nil {
		return 0, fmt.Errorf("marking items expired: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing expiry: %w", err)
	}
	return len(ids), nil
}

// --- Matches ---

func (s *Store) SaveMatch(m Match) error {
	_, err := s.db.Exec(`
		INSERT INTO matches (id, found_item_id, lost_ref, score, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.FoundItemID, m.LostRef, m.Score, m.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetMatch(id string) (Match, error) {
	var m Match
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, found_item_id, lost_ref, score, created_at
		FROM matches WHERE id = ?`, id,
	).Scan(&m.ID, &m.FoundItemID, &m.LostRef, &m.Score, &createdAt)
	if err == sql.ErrNoRows {
		return Match{}, ErrNotFound
	}
	if err != nil {
		return Match{}, err
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Match{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return m, nil
}

// --- Analytics ---

func (s *Store) AppendAnalyticsEvent(e AnalyticsEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO analytics_events (id, kind, category, location, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.Category, e.Location, e.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) ListAnalyticsEvents(limit int) ([]AnalyticsEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, category, location, created_at
		FROM analytics_events ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []AnalyticsEvent
	for rows.Next() {
		var e AnalyticsEvent
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Category, &e.Location, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// --- Queue ---

func (s *Store) PublishMessage(msg QueueMessage) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !msg.RunAfter.IsZero() {
		runAfter = msg.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := msg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO queue_messages (id, topic, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		msg.ID, msg.Topic, msg.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextMessage atomically claims the oldest deliverable message on the
// topic, or returns nil when the topic is empty.
func (s *Store) ClaimNextMessage(topic string) (*QueueMessage, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var m QueueMessage
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(`
		SELECT id, topic, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM queue_messages
		WHERE status = 'pending' AND topic = ? AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, topic, now,
	).Scan(&m.ID, &m.Topic, &m.PayloadJSON, &m.Status, &m.Attempts, &m.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next message: %w", err)
	}

	res, err := tx.Exec(`UPDATE queue_messages SET status = 'delivering', updated_at = ? WHERE id = ? AND status = 'pending'`, now, m.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating message status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated message rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	m.Status = "delivering"
	m.LastError = lastError.String
	if m.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for message %s: %w", m.ID, err)
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for message %s: %w", m.ID, err)
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for message %s: %w", m.ID, err)
	}
	return &m, nil
}

func (s *Store) CompleteMessage(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE queue_messages SET status = 'delivered', updated_at = ? WHERE id = ?`, now, id)
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

// FailMessage records a delivery failure. Messages below their attempt limit
// return to pending with exponential backoff; the rest are marked failed.
func (s *Store) FailMessage(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM queue_messages WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE queue_messages SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE queue_messages SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}
