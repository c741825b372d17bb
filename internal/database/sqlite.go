package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go-civitai-daemon/internal/models"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// timestampLayout has a fixed width so timestamps sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// ErrClosed is returned by every operation once Close has been called.
var ErrClosed = errors.New("database is closed")

// DB wraps the SQLite database instance and provides helper methods.
type DB struct {
	db *sql.DB
	sync.RWMutex
	closeOnce sync.Once
	closed    bool
	closeErr  error
	now       func() time.Time
}

// Open initializes and returns a DB instance.
func Open(path string) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %s: %w", path, err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database at %s: %w", path, err)
	}

	dbWrapper := &DB{db: db, now: time.Now}

	if err := dbWrapper.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	log.Infof("SQLite database opened successfully at %s", path)
	return dbWrapper, nil
}

// initSchema creates the database schema if it doesn't exist
func (d *DB) initSchema() error {
	schema := `
	-- One row per terminal outcome; repeats of the same outcome are ignored
	CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		model_id INTEGER NOT NULL,
		model_version_id INTEGER NOT NULL,
		filename TEXT NOT NULL,
		model_type TEXT,
		status TEXT NOT NULL CHECK (status IN ('success', 'failed', 'skipped')),
		message TEXT,
		file_size INTEGER,
		download_time REAL,
		base_model TEXT,
		UNIQUE(model_id, model_version_id, filename, status)
	);

	-- Every failed attempt, cancellation and job panic
	CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		model_id INTEGER,
		filename TEXT,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_version ON downloads(model_id, model_version_id, status);
	CREATE INDEX IF NOT EXISTS idx_downloads_timestamp ON downloads(timestamp);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close safely closes the database connection.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		log.Info("Closing database...")
		d.Lock()
		defer d.Unlock()

		d.closeErr = d.db.Close()
		d.closed = true

		if d.closeErr != nil {
			log.Errorf("Error during database close operation: %v", d.closeErr)
		} else {
			log.Info("Database closed successfully.")
		}
	})

	return d.closeErr
}

func (d *DB) timestamp() string {
	return d.now().UTC().Format(timestampLayout)
}

// RecordOutcome stores a terminal outcome for job. Recording the same
// (model, version, filename, status) twice is a no-op.
func (d *DB) RecordOutcome(job *models.Job, status, message string, fileSize int64, seconds float64) error {
	d.Lock()
	defer d.Unlock()
	if d.closed {
		return ErrClosed
	}

	res, err := d.db.Exec(`
		INSERT OR IGNORE INTO downloads
			(timestamp, model_id, model_version_id, filename, model_type, status, message, file_size, download_time, base_model)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.timestamp(), job.ModelID, job.VersionID, job.Filename, job.Category, status, message,
		fileSize, seconds, nullString(job.BaseModel),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s outcome for %s: %w", status, job.Filename, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Infof("Logged download: %s (status=%s, model_id=%d)", job.Filename, status, job.ModelID)
	} else {
		log.Debugf("Outcome %s for %s already recorded", status, job.Filename)
	}
	return nil
}

// RecordError appends a row to the error log.
func (d *DB) RecordError(modelID int, filename, message string) error {
	d.Lock()
	defer d.Unlock()
	if d.closed {
		return ErrClosed
	}

	_, err := d.db.Exec(`INSERT INTO errors (timestamp, model_id, filename, error) VALUES (?, ?, ?, ?)`,
		d.timestamp(), modelID, filename, message)
	if err != nil {
		return fmt.Errorf("failed to record error for %s: %w", filename, err)
	}
	return nil
}

// IsAlreadyDownloaded reports whether a success row exists for the model version.
func (d *DB) IsAlreadyDownloaded(modelID, versionID int) (bool, error) {
	d.RLock()
	defer d.RUnlock()
	if d.closed {
		return false, ErrClosed
	}

	var exists bool
	err := d.db.QueryRow(`SELECT EXISTS(
		SELECT 1 FROM downloads WHERE model_id = ? AND model_version_id = ? AND status = 'success'
	)`, modelID, versionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check download state for model %d version %d: %w", modelID, versionID, err)
	}
	return exists, nil
}

// LastDownloads returns up to limit successful downloads, newest first.
func (d *DB) LastDownloads(limit int) ([]models.DownloadRecord, error) {
	return d.queryRecords(`
		SELECT timestamp, model_id, model_version_id, filename, COALESCE(model_type, ''), status,
		       COALESCE(message, ''), COALESCE(file_size, 0), COALESCE(download_time, 0), COALESCE(base_model, '')
		FROM downloads WHERE status = 'success'
		ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// History returns up to limit outcomes of any status, newest first.
func (d *DB) History(limit int) ([]models.DownloadRecord, error) {
	return d.queryRecords(`
		SELECT timestamp, model_id, model_version_id, filename, COALESCE(model_type, ''), status,
		       COALESCE(message, ''), COALESCE(file_size, 0), COALESCE(download_time, 0), COALESCE(base_model, '')
		FROM downloads
		ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// DownloadedIDs returns every model version with a success row, ordered by
// model then version.
func (d *DB) DownloadedIDs() ([]models.DedupKey, error) {
	d.RLock()
	defer d.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	rows, err := d.db.Query(`
		SELECT DISTINCT model_id, model_version_id FROM downloads
		WHERE status = 'success'
		ORDER BY model_id, model_version_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloaded ids: %w", err)
	}
	defer rows.Close()

	out := []models.DedupKey{}
	for rows.Next() {
		var k models.DedupKey
		if err := rows.Scan(&k.ModelID, &k.VersionID); err != nil {
			return nil, fmt.Errorf("failed to scan downloaded id: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RecentErrors returns up to limit error log rows, newest first.
func (d *DB) RecentErrors(limit int) ([]models.ErrorRecord, error) {
	d.RLock()
	defer d.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	rows, err := d.db.Query(`
		SELECT timestamp, COALESCE(model_id, 0), COALESCE(filename, ''), COALESCE(error, '')
		FROM errors ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query errors: %w", err)
	}
	defer rows.Close()

	var out []models.ErrorRecord
	for rows.Next() {
		var r models.ErrorRecord
		var ts string
		if err := rows.Scan(&ts, &r.ModelID, &r.Filename, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan error row: %w", err)
		}
		r.Timestamp = parseTimestamp(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) queryRecords(query string, limit int) ([]models.DownloadRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	d.RLock()
	defer d.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	rows, err := d.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var out []models.DownloadRecord
	for rows.Next() {
		var r models.DownloadRecord
		var ts string
		if err := rows.Scan(&ts, &r.ModelID, &r.VersionID, &r.Filename, &r.ModelType, &r.Status,
			&r.Message, &r.FileSize, &r.DownloadTime, &r.BaseModel); err != nil {
			return nil, fmt.Errorf("failed to scan download row: %w", err)
		}
		r.Timestamp = parseTimestamp(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		log.Debugf("Unparseable timestamp %q in database", s)
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
