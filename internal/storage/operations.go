package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operation errors
var (
	ErrOperationNotFound = errors.New("operation not found")
)

// OperationState is the journal state of a transfer.
type OperationState string

const (
	OperationSubmitting    OperationState = "submitting"    // Being prepared, sponsored or sent
	OperationAwaiting      OperationState = "awaiting"      // Submitted, polling for receipt
	OperationConfirmed     OperationState = "confirmed"     // Receipt observed
	OperationFailed        OperationState = "failed"        // Never reached the bundler
	OperationTimedOut      OperationState = "timed_out"     // No receipt before deadline
	OperationIndeterminate OperationState = "indeterminate" // Tracking stopped by disconnect
)

// Unresolved reports whether the on-chain outcome is still unknown.
func (s OperationState) Unresolved() bool {
	return s == OperationTimedOut || s == OperationIndeterminate || s == OperationAwaiting
}

// Operation is a journaled transfer.
type Operation struct {
	ID             string
	SessionID      string
	PrimaryAddress string
	Sender         string
	Recipient      string
	Value          string
	Data           string
	Handle         string
	State          OperationState

	// Receipt, set once confirmed
	Success  *bool
	Reason   string
	TxHash   string
	Attempts int

	// Failure
	ErrorStage   string
	ErrorKind    string
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OperationFilter selects operations for ListOperations.
type OperationFilter struct {
	Sender string
	States []OperationState
	Limit  int
}

// SaveOperation inserts or replaces op.
func (s *Storage) SaveOperation(op *Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now

	var success sql.NullInt64
	if op.Success != nil {
		success = sql.NullInt64{Int64: int64(boolToInt(*op.Success)), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO operations (
			id, session_id, primary_address, sender, recipient, value, data, handle, state,
			success, reason, tx_hash, attempts, error_stage, error_kind, error_message,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			handle = excluded.handle,
			state = excluded.state,
			success = excluded.success,
			reason = excluded.reason,
			tx_hash = excluded.tx_hash,
			attempts = excluded.attempts,
			error_stage = excluded.error_stage,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at
	`,
		op.ID, op.SessionID, op.PrimaryAddress, op.Sender, op.Recipient, op.Value, op.Data,
		nullString(op.Handle), op.State,
		success, nullString(op.Reason), nullString(op.TxHash), op.Attempts,
		nullString(op.ErrorStage), nullString(op.ErrorKind), nullString(op.ErrorMessage),
		op.CreatedAt.Unix(), op.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}
	return nil
}

const operationColumns = `
	id, session_id, primary_address, sender, recipient, value, data, handle, state,
	success, reason, tx_hash, attempts, error_stage, error_kind, error_message,
	created_at, updated_at`

// GetOperation retrieves an operation by ID.
func (s *Storage) GetOperation(id string) (*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	return scanOperation(row)
}

// GetOperationByHandle retrieves an operation by its userOpHash.
func (s *Storage) GetOperationByHandle(handle string) (*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+operationColumns+` FROM operations WHERE handle = ?`, handle)
	return scanOperation(row)
}

// ListOperations returns operations matching filter, newest first.
func (s *Storage) ListOperations(filter OperationFilter) ([]*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + operationColumns + ` FROM operations WHERE 1=1`
	var args []interface{}

	if filter.Sender != "" {
		query += " AND sender = ? COLLATE NOCASE"
		args = append(args, filter.Sender)
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += " AND state IN (" + strings.Join(placeholders, ", ") + ")"
	}

	query += " ORDER BY created_at DESC, rowid DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// GetUnresolvedOperations returns submitted operations whose outcome is
// unknown and no session is tracking: timed_out and indeterminate. Rows
// come oldest first so callers can page through them with offset.
func (s *Storage) GetUnresolvedOperations(limit, offset int) ([]*Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + operationColumns + ` FROM operations
		WHERE state IN (?, ?)
		ORDER BY created_at ASC, rowid ASC`
	args := []interface{}{OperationTimedOut, OperationIndeterminate}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, max(offset, 0))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Recorded on submitting rows a previous process never sent.
const (
	interruptedStage   = "submit"
	interruptedKind    = "cancelled"
	interruptedMessage = "interrupted by restart"
)

// MarkStaleAwaiting recovers operations a previous process left in
// flight. Awaiting rows may be on chain and become indeterminate.
// Submitting rows never got a handle, so the bundler never saw them, and
// they fail as cancelled. Returns rows changed.
func (s *Storage) MarkStaleAwaiting() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	awaiting, err := tx.Exec(`
		UPDATE operations SET state = ?, updated_at = ?
		WHERE state = ?
	`, OperationIndeterminate, now, OperationAwaiting)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale operations: %w", err)
	}
	submitting, err := tx.Exec(`
		UPDATE operations SET state = ?, error_stage = ?, error_kind = ?, error_message = ?, updated_at = ?
		WHERE state = ?
	`, OperationFailed, interruptedStage, interruptedKind, interruptedMessage, now, OperationSubmitting)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale operations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit stale operations: %w", err)
	}

	n1, err := awaiting.RowsAffected()
	if err != nil {
		return 0, err
	}
	n2, err := submitting.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n1 + n2, nil
}

// CountOperations returns the number of operations per state.
func (s *Storage) CountOperations() (map[OperationState]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM operations GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count operations: %w", err)
	}
	defer rows.Close()

	counts := make(map[OperationState]int)
	for rows.Next() {
		var state OperationState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	var op Operation
	var handle, reason, txHash, errStage, errKind, errMsg sql.NullString
	var success sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&op.ID, &op.SessionID, &op.PrimaryAddress, &op.Sender, &op.Recipient, &op.Value, &op.Data,
		&handle, &op.State,
		&success, &reason, &txHash, &op.Attempts,
		&errStage, &errKind, &errMsg,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	op.Handle = handle.String
	op.Reason = reason.String
	op.TxHash = txHash.String
	op.ErrorStage = errStage.String
	op.ErrorKind = errKind.String
	op.ErrorMessage = errMsg.String
	if success.Valid {
		v := success.Int64 != 0
		op.Success = &v
	}
	op.CreatedAt = time.Unix(createdAt, 0)
	op.UpdatedAt = time.Unix(updatedAt, 0)
	return &op, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
