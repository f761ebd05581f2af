package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const transferColumns = `
	transfer_id,
	direction,
	peer,
	filename,
	filesize,
	stored_path,
	bytes_transferred,
	status,
	error,
	started_at,
	updated_at`

// SaveTransfer inserts a new transfer row.
func (s *Store) SaveTransfer(transfer Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.Filename == "" {
		return errors.New("filename is required")
	}
	if transfer.Filesize < 0 {
		return errors.New("filesize must be >= 0")
	}
	if err := validateTransferDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.Status == "" {
		transfer.Status = TransferStatusPending
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = nowUnixMilli()
	}
	if transfer.UpdatedAt == 0 {
		transfer.UpdatedAt = transfer.StartedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.Direction,
		transfer.Peer,
		transfer.Filename,
		transfer.Filesize,
		transfer.StoredPath,
		transfer.BytesTransferred,
		transfer.Status,
		transfer.Error,
		transfer.StartedAt,
		transfer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}
	return nil
}

// UpdateTransferProgress records the byte count and the in-flight status of a transfer.
func (s *Store) UpdateTransferProgress(transferID string, bytesTransferred int64, status string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if bytesTransferred < 0 {
		return errors.New("bytes_transferred must be >= 0")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET bytes_transferred = ?, status = ?, updated_at = ?
		WHERE transfer_id = ?`,
		bytesTransferred,
		status,
		nowUnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer progress %q: %w", transferID, err)
	}
	return requireRow(res, transferID)
}

// UpdateTransferStatus sets the status of a transfer, with the stored path and
// failure text once known. Empty storedPath or errText leave the column unchanged.
func (s *Store) UpdateTransferStatus(transferID, status, storedPath, errText string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET status = ?,
			stored_path = CASE WHEN ? = '' THEN stored_path ELSE ? END,
			error = CASE WHEN ? = '' THEN error ELSE ? END,
			bytes_transferred = CASE WHEN ? = 'complete' THEN filesize ELSE bytes_transferred END,
			updated_at = ?
		WHERE transfer_id = ?`,
		status,
		storedPath, storedPath,
		errText, errText,
		status,
		nowUnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
	}
	return requireRow(res, transferID)
}

// GetTransfer fetches one transfer by ID.
func (s *Store) GetTransfer(transferID string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return transfer, nil
}

// ListTransfers returns transfers newest first, optionally filtered by direction.
// A limit <= 0 returns every row.
func (s *Store) ListTransfers(direction string, limit int) ([]Transfer, error) {
	var where conditions
	if direction != "" {
		if err := validateTransferDirection(direction); err != nil {
			return nil, err
		}
		where.add("direction = ?", direction)
	}
	query := `SELECT` + transferColumns + `
	FROM transfers` + where.clause() + `
	ORDER BY started_at DESC, transfer_id`
	args := where.args
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer row: %w", scanErr)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return transfers, nil
}

func requireRow(res sql.Result, transferID string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %q: %w", transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var transfer Transfer
	if err := row.Scan(
		&transfer.TransferID,
		&transfer.Direction,
		&transfer.Peer,
		&transfer.Filename,
		&transfer.Filesize,
		&transfer.StoredPath,
		&transfer.BytesTransferred,
		&transfer.Status,
		&transfer.Error,
		&transfer.StartedAt,
		&transfer.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &transfer, nil
}
