package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Reconciliation results as recorded in sync_status and sync_audit.
const (
	ResultUpdated = "updated"
	ResultSkipped = "skipped"
	ResultError   = "error"
)

// Outcome is the result of reconciling one customer, as handed to
// RecordOutcome. A zero DealID means no deal was resolved.
type Outcome struct {
	UserID            int64
	DealID            int64
	SourceVehicleID   int64
	SourceDateUpdated string
	Result            string
	FieldCodes        []string
	Error             string
}

// Status is one sync_status row: the latest reconciliation summary for a
// customer.
type Status struct {
	UserID             int64
	DealID             int64
	SourceVehicleID    int64
	SourceDateUpdated  string
	LastSyncedAt       string
	LastResult         string
	FieldsUpdatedCount int
	FieldCodes         []string
	LastError          string
}

// AuditEntry is one sync_audit row.
type AuditEntry struct {
	ID                 int64
	UserID             int64
	DealID             int64
	SourceVehicleID    int64
	SourceDateUpdated  string
	Result             string
	FieldsUpdatedCount int
	FieldCodes         []string
	Error              string
	CreatedAt          string
}

// RecordOutcome appends one sync_audit row and upserts the customer's
// sync_status row in a single transaction, so the two tables can never
// disagree about the last attempt.
func (s *Store) RecordOutcome(ctx context.Context, o Outcome) error {
	codesJSON, err := json.Marshal(orEmpty(o.FieldCodes))
	if err != nil {
		return fmt.Errorf("failed to marshal field codes: %w", err)
	}

	now := nowStamp()
	dealID := nullInt64(o.DealID)
	vehicleID := nullInt64(o.SourceVehicleID)
	errText := nullString(o.Error)

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO sync_audit (
		user_id, deal_id, source_vehicle_id, source_date_updated,
		result, fields_updated_count, fields_updated_json, error, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.UserID, dealID, vehicleID, o.SourceDateUpdated,
		o.Result, len(o.FieldCodes), string(codesJSON), errText, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit row: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO sync_status (
		user_id, deal_id, source_vehicle_id, source_date_updated,
		last_synced_at, last_result, fields_updated_count, fields_updated_json, last_error
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		deal_id = excluded.deal_id,
		source_vehicle_id = excluded.source_vehicle_id,
		source_date_updated = excluded.source_date_updated,
		last_synced_at = excluded.last_synced_at,
		last_result = excluded.last_result,
		fields_updated_count = excluded.fields_updated_count,
		fields_updated_json = excluded.fields_updated_json,
		last_error = excluded.last_error`,
		o.UserID, dealID, vehicleID, o.SourceDateUpdated,
		now, o.Result, len(o.FieldCodes), string(codesJSON), errText,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert status row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outcome: %w", err)
	}
	return nil
}

// GetStatus returns the sync_status row for one customer.
// Returns sql.ErrNoRows if the customer has never been reconciled.
func (s *Store) GetStatus(ctx context.Context, userID int64) (*Status, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT user_id, deal_id, source_vehicle_id, source_date_updated,
	       last_synced_at, last_result, fields_updated_count, fields_updated_json, last_error
	FROM sync_status WHERE user_id = ?`, userID)

	st, err := scanStatus(row)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// ListStatuses returns every sync_status row ordered by customer id.
func (s *Store) ListStatuses(ctx context.Context) ([]Status, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT user_id, deal_id, source_vehicle_id, source_date_updated,
	       last_synced_at, last_result, fields_updated_count, fields_updated_json, last_error
	FROM sync_status ORDER BY user_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query statuses: %w", err)
	}
	defer rows.Close()

	var statuses []Status
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating statuses: %w", err)
	}
	return statuses, nil
}

// ListAudit returns the most recent audit rows, newest first. A non-zero
// userID restricts the result to one customer; limit 0 means no limit.
func (s *Store) ListAudit(ctx context.Context, userID int64, limit int) ([]AuditEntry, error) {
	query := `
	SELECT id, user_id, deal_id, source_vehicle_id, source_date_updated,
	       result, fields_updated_count, fields_updated_json, error, created_at
	FROM sync_audit`
	args := []interface{}{}
	if userID != 0 {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var dealID, vehicleID sql.NullInt64
		var dateUpdated, codesJSON, errText sql.NullString
		err := rows.Scan(
			&e.ID, &e.UserID, &dealID, &vehicleID, &dateUpdated,
			&e.Result, &e.FieldsUpdatedCount, &codesJSON, &errText, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		e.DealID = dealID.Int64
		e.SourceVehicleID = vehicleID.Int64
		e.SourceDateUpdated = dateUpdated.String
		e.Error = errText.String
		e.FieldCodes = decodeCodes(codesJSON.String)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStatus(row rowScanner) (*Status, error) {
	var st Status
	var dealID, vehicleID sql.NullInt64
	var dateUpdated, codesJSON, errText sql.NullString
	err := row.Scan(
		&st.UserID, &dealID, &vehicleID, &dateUpdated,
		&st.LastSyncedAt, &st.LastResult, &st.FieldsUpdatedCount, &codesJSON, &errText,
	)
	if err != nil {
		return nil, err
	}
	st.DealID = dealID.Int64
	st.SourceVehicleID = vehicleID.Int64
	st.SourceDateUpdated = dateUpdated.String
	st.LastError = errText.String
	st.FieldCodes = decodeCodes(codesJSON.String)
	return &st, nil
}

func decodeCodes(raw string) []string {
	if raw == "" || raw == "null" {
		return []string{}
	}
	var codes []string
	if err := json.Unmarshal([]byte(raw), &codes); err != nil {
		return []string{}
	}
	return codes
}

func orEmpty(codes []string) []string {
	if codes == nil {
		return []string{}
	}
	return codes
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
