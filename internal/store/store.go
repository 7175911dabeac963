// Package store persists fetched garage records and sync bookkeeping in a
// local SQLite database.
//
// Three tables:
//   - vehicles:    one row per garage record, upserted idempotently by id
//   - sync_status: one row per customer, overwritten on every reconciliation
//   - sync_audit:  append-only log of every reconciliation attempt
//
// The database runs embedded with WAL mode enabled; the process is the only
// writer, WAL keeps concurrent readers (e.g. the status command) cheap.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection used for records and sync bookkeeping.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The parent directory is created if missing. The caller MUST call Close()
// when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return s, nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates tables and indexes if they don't exist. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS vehicles (
		id              INTEGER PRIMARY KEY,
		user_id         INTEGER NOT NULL,
		name            TEXT,
		comment         TEXT,
		year            INTEGER,
		vin             TEXT,
		frame           TEXT,
		mileage         INTEGER,
		manufacturer_id INTEGER,
		manufacturer    TEXT,
		model_id        INTEGER,
		model           TEXT,
		modification_id INTEGER,
		modification    TEXT,
		date_updated    TEXT NOT NULL,
		reg_plate       TEXT,
		raw_json        TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_vehicles_user ON vehicles(user_id);
	CREATE INDEX IF NOT EXISTS idx_vehicles_date_updated ON vehicles(date_updated);

	-- One row per customer: the latest reconciliation summary.
	CREATE TABLE IF NOT EXISTS sync_status (
		user_id              INTEGER PRIMARY KEY,
		deal_id              INTEGER,
		source_vehicle_id    INTEGER,
		source_date_updated  TEXT,
		last_synced_at       TEXT NOT NULL,
		last_result          TEXT NOT NULL,  -- 'updated' | 'skipped' | 'error'
		fields_updated_count INTEGER NOT NULL DEFAULT 0,
		fields_updated_json  TEXT,
		last_error           TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sync_status_deal ON sync_status(deal_id);

	-- Append-only: every reconciliation attempt, never updated or deleted.
	CREATE TABLE IF NOT EXISTS sync_audit (
		id                   INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id              INTEGER NOT NULL,
		deal_id              INTEGER,
		source_vehicle_id    INTEGER,
		source_date_updated  TEXT,
		result               TEXT NOT NULL,
		fields_updated_count INTEGER NOT NULL DEFAULT 0,
		fields_updated_json  TEXT,
		error                TEXT,
		created_at           TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sync_audit_user ON sync_audit(user_id);
	CREATE INDEX IF NOT EXISTS idx_sync_audit_created_at ON sync_audit(created_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// UpsertVehicles inserts or fully replaces vehicle rows keyed by id.
//
// The whole batch runs in a single transaction: either every row of the
// batch commits or none does. Re-running the same batch is idempotent.
func (s *Store) UpsertVehicles(ctx context.Context, vehicles []Vehicle) (int, error) {
	if len(vehicles) == 0 {
		return 0, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO vehicles (
		id, user_id, name, comment, year, vin, frame, mileage,
		manufacturer_id, manufacturer, model_id, model,
		modification_id, modification, date_updated, reg_plate, raw_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		name = excluded.name,
		comment = excluded.comment,
		year = excluded.year,
		vin = excluded.vin,
		frame = excluded.frame,
		mileage = excluded.mileage,
		manufacturer_id = excluded.manufacturer_id,
		manufacturer = excluded.manufacturer,
		model_id = excluded.model_id,
		model = excluded.model,
		modification_id = excluded.modification_id,
		modification = excluded.modification,
		date_updated = excluded.date_updated,
		reg_plate = excluded.reg_plate,
		raw_json = excluded.raw_json
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	count := 0
	for _, v := range vehicles {
		_, err := stmt.ExecContext(ctx,
			v.ID, v.UserID, v.Name, v.Comment, v.Year, v.VIN, v.Frame, v.Mileage,
			v.ManufacturerID, v.Manufacturer, v.ModelID, v.Model,
			v.ModificationID, v.Modification, v.DateUpdated, v.RegPlate, v.RawJSON,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert vehicle %d: %w", v.ID, err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit upsert batch: %w", err)
	}
	return count, nil
}

// SelectLatestPerCustomer returns, for each customer, the single vehicle
// with the maximum date_updated. Ties on equal timestamps resolve to the
// highest vehicle id. A non-zero userID restricts the result to one customer.
//
// datetime() returns NULL for a malformed timestamp, and a NULL comparison
// would let every row of that customer through; COALESCE falls back to the
// raw string so exactly one row per customer survives regardless.
func (s *Store) SelectLatestPerCustomer(ctx context.Context, userID int64) ([]Vehicle, error) {
	query := `
	SELECT id, user_id, name, comment, year, vin, frame, mileage,
	       manufacturer_id, manufacturer, model_id, model,
	       modification_id, modification, date_updated, reg_plate, raw_json
	FROM vehicles v
	WHERE NOT EXISTS (
		SELECT 1 FROM vehicles x
		WHERE x.user_id = v.user_id
		  AND (COALESCE(datetime(x.date_updated), x.date_updated) >
		       COALESCE(datetime(v.date_updated), v.date_updated)
		       OR (COALESCE(datetime(x.date_updated), x.date_updated) =
		           COALESCE(datetime(v.date_updated), v.date_updated) AND x.id > v.id))
	)
	`
	args := []interface{}{}
	if userID != 0 {
		query += " AND v.user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY v.user_id ASC"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest vehicles: %w", err)
	}
	defer rows.Close()

	return scanVehicles(rows)
}

// VehicleCount returns the total number of stored vehicle rows.
func (s *Store) VehicleCount(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM vehicles").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count vehicles: %w", err)
	}
	return count, nil
}

func scanVehicles(rows *sql.Rows) ([]Vehicle, error) {
	var vehicles []Vehicle
	for rows.Next() {
		var v Vehicle
		err := rows.Scan(
			&v.ID, &v.UserID, &v.Name, &v.Comment, &v.Year, &v.VIN, &v.Frame, &v.Mileage,
			&v.ManufacturerID, &v.Manufacturer, &v.ModelID, &v.Model,
			&v.ModificationID, &v.Modification, &v.DateUpdated, &v.RegPlate, &v.RawJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan vehicle: %w", err)
		}
		vehicles = append(vehicles, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating vehicles: %w", err)
	}
	return vehicles, nil
}

// nowStamp is the local timestamp format used in bookkeeping rows.
func nowStamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}
