// Package transfer implements the encrypted single-file transfer protocol:
// a backpressure-aware sender and an in-order receiver that reassembles and
// decrypts the file once every announced byte has arrived.
package transfer

import (
	"context"
	"errors"

	"e2edrop/crypto"
	"e2edrop/network"
)

const (
	// DefaultChunkSize is the plaintext slice size read from the source per chunk.
	DefaultChunkSize = 16384
	// MaxChunkSize bounds ChunkSize so a sealed chunk always fits one data frame.
	MaxChunkSize = network.MaxFrameSize - crypto.Overhead
	// DefaultHighWaterMark is the queued byte count at which the sender stops emitting chunks.
	DefaultHighWaterMark = 65536
)

var (
	// ErrProtocolDesync indicates frames that do not follow the header/data pairing or state order.
	ErrProtocolDesync = errors.New("transfer: protocol desync")
	// ErrChannelClosed indicates the peer channel closed before the transfer completed.
	ErrChannelClosed = errors.New("transfer: channel closed")
	// ErrFileTooLarge indicates an announced size above the configured maximum.
	ErrFileTooLarge = errors.New("transfer: file exceeds maximum size")
	// ErrAlreadyStarted is returned when Run is called twice on one Sender.
	ErrAlreadyStarted = errors.New("transfer: already started")
)

// Session is the transfer metadata one side holds. Offset counts plaintext bytes
// sent by a sender or received by a receiver.
type Session struct {
	ID       string
	Key      crypto.Key
	FileName string
	FileSize int64
	Offset   int64
}

// Channel is the outbound half of a peer channel.
type Channel interface {
	SendControl(payload []byte) error
	SendData(payload []byte) error
	// BufferedAmount is the number of bytes queued but not yet sent.
	BufferedAmount() uint64
	// Done is closed once the channel is closed.
	Done() <-chan struct{}
}

// DrainNotifier is implemented by channels that can signal when their queue has drained,
// letting the sender wait for an event instead of polling.
type DrainNotifier interface {
	Drained() <-chan struct{}
}

// MessageLimiter is implemented by channels that cap the size of a single message.
// The sender shrinks its chunk size so a sealed chunk fits in one message.
type MessageLimiter interface {
	MaxMessageSize() int
}

// Flusher is implemented by channels that can wait until queued bytes are sent.
type Flusher interface {
	Flush(ctx context.Context) error
}

// FrameSource is the inbound half of a peer channel.
type FrameSource interface {
	ReceiveFrame(ctx context.Context) (network.Frame, error)
}
