package tracker

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kptv-checker/work/logger"
	"kptv-checker/work/types"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const globalCheckKey = "last_global_check"

// Store is the durable backing for the update tracker. The in-memory record
// map remains the source of truth during the process lifetime; the store only
// needs to survive restarts, so every method may fail without taking the
// tracker down.
type Store interface {
	LoadRecords() (map[int64]*types.UpdateRecord, error)
	SaveRecord(channelID int64, rec *types.UpdateRecord) error
	LoadGlobalCheck() (time.Time, error)
	SaveGlobalCheck(t time.Time) error
	Close() error
}

// SQLiteStore persists tracker state in a WAL-mode sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenStore creates a new database connection with optimized settings for WAL
// mode and runs any pending migrations.
func OpenStore(path string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Open with optimized pragmas
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Tracker writes are small and serialized behind the tracker mutex
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &SQLiteStore{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	logger.Info("[TRACKER] SQLite store opened with WAL mode: %s", path)
	return store, nil
}

// migrate runs all embedded migration files that have not been applied yet.
func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		// Extract version from filename (e.g., "001_initial_schema.sql" -> 1)
		var version int
		fmt.Sscanf(entry.Name(), "%d_", &version)

		var exists bool
		err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if exists {
			continue
		}

		content, err := migrations.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", entry.Name(), err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", entry.Name(), err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", entry.Name(), err)
		}

		logger.Info("[TRACKER] Applied migration: %s", entry.Name())
	}

	return nil
}

// LoadRecords reads every per-channel record into memory.
func (s *SQLiteStore) LoadRecords() (map[int64]*types.UpdateRecord, error) {
	rows, err := s.db.Query(`
		SELECT channel_id, last_update, needs_check, last_check,
		       stream_count, checked_stream_ids, force_check, queued_at
		FROM update_records
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query update records: %w", err)
	}
	defer rows.Close()

	records := make(map[int64]*types.UpdateRecord)
	for rows.Next() {
		var (
			channelID                                 int64
			lastUpdate, lastCheck, queuedAt           int64
			needsCheck, forceCheck                    bool
			streamCount                               int
			checkedJSON                               string
		)
		if err := rows.Scan(&channelID, &lastUpdate, &needsCheck, &lastCheck,
			&streamCount, &checkedJSON, &forceCheck, &queuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan update record: %w", err)
		}

		rec := &types.UpdateRecord{
			NeedsCheck:  needsCheck,
			StreamCount: streamCount,
			ForceCheck:  forceCheck,
		}
		if lastUpdate > 0 {
			rec.LastUpdate = time.Unix(lastUpdate, 0)
		}
		if lastCheck > 0 {
			rec.LastCheck = time.Unix(lastCheck, 0)
		}
		if queuedAt > 0 {
			rec.QueuedAt = time.Unix(queuedAt, 0)
		}
		if err := json.Unmarshal([]byte(checkedJSON), &rec.CheckedStreamIDs); err != nil {
			// corrupt set is recoverable: the channel just re-probes everything
			logger.Warn("[TRACKER] Channel %d has corrupt checked-stream set, resetting: %v", channelID, err)
			rec.CheckedStreamIDs = nil
		}
		records[channelID] = rec
	}

	return records, rows.Err()
}

// SaveRecord upserts one channel's record.
func (s *SQLiteStore) SaveRecord(channelID int64, rec *types.UpdateRecord) error {
	checkedJSON, err := json.Marshal(rec.CheckedStreamIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal checked stream IDs: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO update_records
			(channel_id, last_update, needs_check, last_check, stream_count,
			 checked_stream_ids, force_check, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			last_update = excluded.last_update,
			needs_check = excluded.needs_check,
			last_check = excluded.last_check,
			stream_count = excluded.stream_count,
			checked_stream_ids = excluded.checked_stream_ids,
			force_check = excluded.force_check,
			queued_at = excluded.queued_at
	`, channelID, unixOrZero(rec.LastUpdate), rec.NeedsCheck, unixOrZero(rec.LastCheck),
		rec.StreamCount, string(checkedJSON), rec.ForceCheck, unixOrZero(rec.QueuedAt))
	if err != nil {
		return fmt.Errorf("failed to save update record for channel %d: %w", channelID, err)
	}
	return nil
}

// LoadGlobalCheck returns the last recorded global-check timestamp, zero if
// none was ever recorded.
func (s *SQLiteStore) LoadGlobalCheck() (time.Time, error) {
	var value int64
	err := s.db.QueryRow("SELECT value FROM global_state WHERE key = ?", globalCheckKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load global check time: %w", err)
	}
	if value == 0 {
		return time.Time{}, nil
	}
	return time.Unix(value, 0), nil
}

// SaveGlobalCheck records the last global-check timestamp.
func (s *SQLiteStore) SaveGlobalCheck(t time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO global_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, globalCheckKey, t.Unix())
	if err != nil {
		return fmt.Errorf("failed to save global check time: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
