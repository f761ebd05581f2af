package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveTransfer(t *testing.T, store *Store, transferID, direction string, startedAt int64) {
	t.Helper()

	err := store.SaveTransfer(Transfer{
		TransferID: transferID,
		Direction:  direction,
		Peer:       "peer-" + transferID,
		Filename:   transferID + ".bin",
		Filesize:   4096,
		StartedAt:  startedAt,
	})
	if err != nil {
		t.Fatalf("save transfer %q: %v", transferID, err)
	}
}
