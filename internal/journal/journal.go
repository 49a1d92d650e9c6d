// Package journal persists committed registry records in SQLite so that a
// restarted agent can reconcile against what it believed before.
//
// The journal is optional. The agent works without one and relies on target
// discovery alone.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jbweber/sma/internal/device"
	"github.com/jbweber/sma/internal/registry"
	"github.com/jbweber/sma/internal/status"
)

const schemaVersion = 1

// Journal is a SQLite-backed device journal.
type Journal struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens or creates the journal at path, creating parent directories
// as needed.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// Writers are serialized by the registry; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure journal: %w", err)
	}

	j := &Journal{db: db, path: path, logger: logger.With("component", "journal")}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}

	j.logger.Info("journal opened", "path", path)
	return j, nil
}

func (j *Journal) migrate() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS devices (
			handle          TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			phase           TEXT NOT NULL,
			backend_state   TEXT NOT NULL,
			reason          TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			fingerprint     TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS attachments (
			handle    TEXT NOT NULL,
			position  INTEGER NOT NULL,
			volume_id TEXT NOT NULL,
			token     TEXT NOT NULL,
			PRIMARY KEY (handle, volume_id),
			FOREIGN KEY (handle) REFERENCES devices(handle) ON DELETE CASCADE
		);
	`)
	if err != nil {
		return err
	}

	var version int
	if err := j.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return err
	}
	if version > schemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported version %d", version, schemaVersion)
	}
	if version < schemaVersion {
		_, err = j.db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			schemaVersion, time.Now().UTC().Format(time.RFC3339Nano))
	}
	return err
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// SaveDevice writes the record and replaces its attachments.
func (j *Journal) SaveDevice(ctx context.Context, dev *registry.Device) (err error) {
	backend, err := json.Marshal(dev.Backend)
	if err != nil {
		return fmt.Errorf("failed to encode backend state for %s: %w", dev.Handle, err)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (handle, kind, phase, backend_state, reason, idempotency_key, fingerprint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET
			kind = excluded.kind,
			phase = excluded.phase,
			backend_state = excluded.backend_state,
			reason = excluded.reason,
			idempotency_key = excluded.idempotency_key,
			fingerprint = excluded.fingerprint,
			updated_at = excluded.updated_at
	`, dev.Handle, string(dev.Kind), string(dev.Phase), string(backend), dev.Reason,
		dev.IdempotencyKey, dev.Fingerprint, formatTime(dev.CreatedAt), formatTime(dev.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save device %s: %w", dev.Handle, err)
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM attachments WHERE handle = ?", dev.Handle); err != nil {
		return fmt.Errorf("failed to clear attachments for %s: %w", dev.Handle, err)
	}
	for i, a := range dev.Volumes {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO attachments (handle, position, volume_id, token) VALUES (?, ?, ?, ?)",
			dev.Handle, i, a.VolumeID, a.Token)
		if err != nil {
			return fmt.Errorf("failed to save attachment %s for %s: %w", a.VolumeID, dev.Handle, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit device %s: %w", dev.Handle, err)
	}
	return nil
}

// DeleteDevice removes the record and its attachments.
func (j *Journal) DeleteDevice(ctx context.Context, handle string) error {
	if _, err := j.db.ExecContext(ctx, "DELETE FROM devices WHERE handle = ?", handle); err != nil {
		return fmt.Errorf("failed to delete device %s: %w", handle, err)
	}
	return nil
}

// LoadDevices returns every journaled record, oldest first.
func (j *Journal) LoadDevices(ctx context.Context) ([]*registry.Device, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT handle, kind, phase, backend_state, reason, idempotency_key, fingerprint, created_at, updated_at
		FROM devices ORDER BY created_at, handle
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*registry.Device
	byHandle := make(map[string]*registry.Device)
	for rows.Next() {
		var (
			dev                  registry.Device
			kind, phase, backend string
			created, updated     string
		)
		if err := rows.Scan(&dev.Handle, &kind, &phase, &backend, &dev.Reason,
			&dev.IdempotencyKey, &dev.Fingerprint, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}

		dev.Kind = device.Kind(kind)
		if dev.Phase, err = status.ParsePhase(phase); err != nil {
			return nil, fmt.Errorf("device %s: %w", dev.Handle, err)
		}
		if err := json.Unmarshal([]byte(backend), &dev.Backend); err != nil {
			return nil, fmt.Errorf("device %s: failed to decode backend state: %w", dev.Handle, err)
		}
		dev.CreatedAt = parseTime(created)
		dev.UpdatedAt = parseTime(updated)

		devices = append(devices, &dev)
		byHandle[dev.Handle] = &dev
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read devices: %w", err)
	}

	if err := j.loadAttachments(ctx, byHandle); err != nil {
		return nil, err
	}
	return devices, nil
}

func (j *Journal) loadAttachments(ctx context.Context, byHandle map[string]*registry.Device) error {
	rows, err := j.db.QueryContext(ctx, "SELECT handle, volume_id, token FROM attachments ORDER BY handle, position")
	if err != nil {
		return fmt.Errorf("failed to query attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var handle string
		var a device.Attachment
		if err := rows.Scan(&handle, &a.VolumeID, &a.Token); err != nil {
			return fmt.Errorf("failed to scan attachment: %w", err)
		}
		if dev, ok := byHandle[handle]; ok {
			dev.Volumes = append(dev.Volumes, a)
		}
	}
	return rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
