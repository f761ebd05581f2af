package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// TransferDirectionSend marks transfers this device sent.
	TransferDirectionSend = "send"
	// TransferDirectionReceive marks transfers this device received.
	TransferDirectionReceive = "receive"
)

const (
	// TransferStatusPending is a row saved before any bytes moved.
	TransferStatusPending = "pending"
	// TransferStatusActive is a transfer in progress.
	TransferStatusActive = "active"
	// TransferStatusPaused is a sender held by a pause.
	TransferStatusPaused = "paused"
	// TransferStatusComplete is a finished transfer.
	TransferStatusComplete = "complete"
	// TransferStatusFailed is a transfer that stopped on an error.
	TransferStatusFailed = "failed"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// Transfer is the SQLite representation of one file transfer.
type Transfer struct {
	TransferID       string
	Direction        string
	Peer             string
	Filename         string
	Filesize         int64
	StoredPath       string
	BytesTransferred int64
	Status           string
	Error            string
	StartedAt        int64
	UpdatedAt        int64
}

// Terminal reports whether the transfer reached complete or failed.
func (t Transfer) Terminal() bool {
	return t.Status == TransferStatusComplete || t.Status == TransferStatusFailed
}

// SecurityEvent stores a security-relevant transfer failure, such as a chunk that
// failed authentication.
type SecurityEvent struct {
	ID         int64
	EventType  string
	TransferID *string
	Peer       *string
	Details    string
	Severity   string
	Timestamp  int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	TransferID    string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateTransferDirection(direction string) error {
	switch direction {
	case TransferDirectionSend, TransferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusActive, TransferStatusPaused, TransferStatusComplete, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

// conditions accumulates AND-joined WHERE terms with their bind arguments.
type conditions struct {
	terms []string
	args  []any
}

func (c *conditions) add(term string, arg any) {
	c.terms = append(c.terms, term)
	c.args = append(c.args, arg)
}

func (c *conditions) clause() string {
	if len(c.terms) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.terms, " AND ")
}
