package transfer

// Direction is which side of a transfer this process is on.
type Direction string

const (
	// DirectionSend marks a transfer this process is sending.
	DirectionSend Direction = "send"
	// DirectionReceive marks a transfer this process is receiving.
	DirectionReceive Direction = "receive"
)

// Status is the persisted form of a transfer's state.
type Status string

const (
	// StatusPending is a transfer that has not moved any bytes yet.
	StatusPending Status = "pending"
	// StatusActive is a transfer moving chunks.
	StatusActive Status = "active"
	// StatusPaused is a sender held by Pause.
	StatusPaused Status = "paused"
	// StatusComplete is a transfer that finished successfully.
	StatusComplete Status = "complete"
	// StatusFailed is a transfer that stopped on an error.
	StatusFailed Status = "failed"
)

// progressRecordInterval is how many bytes pass between two recorded progress updates.
const progressRecordInterval = 1 << 20

// TransferInfo describes a transfer when it starts.
type TransferInfo struct {
	ID        string
	Direction Direction
	Peer      string
	FileName  string
	FileSize  int64
}

// Recorder persists transfer history. Errors are logged by the caller and never abort a transfer.
type Recorder interface {
	TransferStarted(info TransferInfo) error
	TransferProgress(id string, bytes int64, status Status) error
	TransferFinished(id string, status Status, storedPath string, cause error) error
}

type nopRecorder struct{}

func (nopRecorder) TransferStarted(TransferInfo) error { return nil }
func (nopRecorder) TransferProgress(string, int64, Status) error { return nil }
func (nopRecorder) TransferFinished(string, Status, string, error) error { return nil }
