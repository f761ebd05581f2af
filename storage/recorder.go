package storage

import (
	"encoding/json"
	"errors"

	"e2edrop/crypto"
	"e2edrop/transfer"
)

const (
	// SecurityEventDecryptionFailed is logged when a chunk fails authentication.
	SecurityEventDecryptionFailed = "chunk_decryption_failed"
	// SecurityEventProtocolDesync is logged when a peer breaks the frame sequence.
	SecurityEventProtocolDesync = "protocol_desync"
)

// Recorder writes transfer lifecycle updates into a Store.
type Recorder struct {
	store *Store
}

var _ transfer.Recorder = (*Recorder)(nil)

// NewRecorder returns a transfer.Recorder backed by store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// TransferStarted inserts the transfer row as active.
func (r *Recorder) TransferStarted(info transfer.TransferInfo) error {
	return r.store.SaveTransfer(Transfer{
		TransferID: info.ID,
		Direction:  string(info.Direction),
		Peer:       info.Peer,
		Filename:   info.FileName,
		Filesize:   info.FileSize,
		Status:     TransferStatusActive,
	})
}

// TransferProgress updates the byte count and status.
func (r *Recorder) TransferProgress(id string, bytes int64, status transfer.Status) error {
	return r.store.UpdateTransferProgress(id, bytes, string(status))
}

// TransferFinished stores the terminal status. Authentication failures and
// protocol desyncs are also logged as security events, even when the transfer
// failed before its row was created.
func (r *Recorder) TransferFinished(id string, status transfer.Status, storedPath string, cause error) error {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}

	err := r.store.UpdateTransferStatus(id, string(status), storedPath, errText)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	if eventErr := r.logSecurityEvent(id, cause); eventErr != nil {
		return errors.Join(err, eventErr)
	}
	return err
}

func (r *Recorder) logSecurityEvent(id string, cause error) error {
	var (
		eventType string
		severity  string
	)
	switch {
	case cause == nil:
		return nil
	case errors.Is(cause, crypto.ErrDecryption):
		eventType, severity = SecurityEventDecryptionFailed, SecuritySeverityCritical
	case errors.Is(cause, transfer.ErrProtocolDesync):
		eventType, severity = SecurityEventProtocolDesync, SecuritySeverityWarning
	default:
		return nil
	}

	details, err := json.Marshal(map[string]string{"error": cause.Error()})
	if err != nil {
		return err
	}

	var peer *string
	if t, getErr := r.store.GetTransfer(id); getErr == nil && t.Peer != "" {
		peer = &t.Peer
	}

	return r.store.LogSecurityEvent(SecurityEvent{
		EventType:  eventType,
		TransferID: &id,
		Peer:       peer,
		Details:    string(details),
		Severity:   severity,
	})
}
