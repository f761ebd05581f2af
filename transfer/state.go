package transfer

// SenderState is the lifecycle state of a Sender.
type SenderState uint8

const (
	// SenderIdle is a sender whose Run has not started.
	SenderIdle SenderState = iota
	// SenderSending is emitting chunks.
	SenderSending
	// SenderPaused is holding at a chunk boundary until Resume.
	SenderPaused
	// SenderComplete has handed every chunk to the channel.
	SenderComplete
	// SenderFailed stopped on an error.
	SenderFailed
)

// String returns the lowercase state name used in logs.
func (s SenderState) String() string {
	switch s {
	case SenderIdle:
		return "idle"
	case SenderSending:
		return "sending"
	case SenderPaused:
		return "paused"
	case SenderComplete:
		return "complete"
	case SenderFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status maps the sender state onto a recorded transfer status.
func (s SenderState) Status() Status {
	switch s {
	case SenderSending:
		return StatusActive
	case SenderPaused:
		return StatusPaused
	case SenderComplete:
		return StatusComplete
	case SenderFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// ReceiverState is the lifecycle state of a Receiver.
type ReceiverState uint8

const (
	// ReceiverAwaitingKey waits for the KeyExchange frame.
	ReceiverAwaitingKey ReceiverState = iota
	// ReceiverAwaitingMetadata waits for the Metadata frame.
	ReceiverAwaitingMetadata
	// ReceiverReceiving accepts ChunkHeader/data pairs.
	ReceiverReceiving
	// ReceiverComplete has materialized the file.
	ReceiverComplete
	// ReceiverFailed stopped on an error.
	ReceiverFailed
)

// String returns the lowercase state name used in logs.
func (s ReceiverState) String() string {
	switch s {
	case ReceiverAwaitingKey:
		return "awaiting_key"
	case ReceiverAwaitingMetadata:
		return "awaiting_metadata"
	case ReceiverReceiving:
		return "receiving"
	case ReceiverComplete:
		return "complete"
	case ReceiverFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status maps the receiver state onto a recorded transfer status.
func (s ReceiverState) Status() Status {
	switch s {
	case ReceiverReceiving:
		return StatusActive
	case ReceiverComplete:
		return StatusComplete
	case ReceiverFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}
