package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"e2edrop/crypto"
	"e2edrop/network"
)

// ReceiverOptions configures a Receiver. Zero values select the defaults.
type ReceiverOptions struct {
	SessionID string
	Peer      string
	// MaxFileSize rejects announced sizes above it. Zero means unlimited.
	MaxFileSize int64

	OnProgress    func(received, total int64)
	OnStateChange func(ReceiverState)
	Recorder      Recorder
	Logger        *logrus.Entry
}

func (o ReceiverOptions) withDefaults() ReceiverOptions {
	out := o
	if out.SessionID == "" {
		out.SessionID = uuid.NewString()
	}
	if out.Recorder == nil {
		out.Recorder = nopRecorder{}
	}
	if out.Logger == nil {
		out.Logger = logrus.WithField("component", "receiver")
	}
	return out
}

type chunkRecord struct {
	seq        uint64
	iv         []byte
	ciphertext []byte
}

// Receiver consumes frames in arrival order, pairs every ChunkHeader with the data
// frame that follows it, and materializes the decrypted file once the announced
// number of plaintext bytes has arrived. All mutations happen under one lock.
type Receiver struct {
	sink Sink
	opts ReceiverOptions
	log  *logrus.Entry

	done chan struct{}

	mu           sync.Mutex
	state        ReceiverState
	session      Session
	chunks       []chunkRecord
	pending      *chunkRecord
	nextSeq      uint64
	lastRecorded int64
	storedPath   string
	err          error
}

// NewReceiver returns a receiver awaiting the key exchange.
func NewReceiver(sink Sink, options ReceiverOptions) *Receiver {
	opts := options.withDefaults()
	return &Receiver{
		sink:    sink,
		opts:    opts,
		log:     opts.Logger.WithField("session_id", opts.SessionID),
		done:    make(chan struct{}),
		session: Session{ID: opts.SessionID},
	}
}

// State returns the current receiver state.
func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Session returns a snapshot of the receiver's session.
func (r *Receiver) Session() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// StoredPath is where the file was materialized, once complete.
func (r *Receiver) StoredPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storedPath
}

// Err returns the terminal error, if the receiver failed.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed once the receiver is complete or failed.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the receiver finishes and returns its terminal error.
func (r *Receiver) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleFrame processes one inbound frame. Any error before completion is terminal:
// the receiver moves to ReceiverFailed and returns the same error for every later
// frame. Frames after completion are rejected without touching the stored file.
// OnStateChange runs under the receiver lock and must not call back into it.
func (r *Receiver) HandleFrame(frame network.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case ReceiverFailed:
		return r.err
	case ReceiverComplete:
		return fmt.Errorf("%w: %s frame after completion", ErrProtocolDesync, frame.Kind)
	}

	var err error
	switch frame.Kind {
	case network.FrameControl:
		var msg network.ControlMessage
		msg, err = network.DecodeControl(frame.Payload)
		if err == nil {
			err = r.handleControlLocked(msg)
		}
	case network.FrameData:
		err = r.handleDataLocked(frame.Payload)
	default:
		err = fmt.Errorf("%w: unexpected %s frame", ErrProtocolDesync, frame.Kind)
	}

	if err != nil {
		return r.failLocked(err)
	}
	return nil
}

// Close abandons the transfer because the channel closed. Nothing is materialized.
// It is a no-op once the receiver is complete or failed.
func (r *Receiver) Close(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == ReceiverComplete || r.state == ReceiverFailed {
		return
	}

	err := ErrChannelClosed
	if cause != nil && !errors.Is(cause, ErrChannelClosed) {
		err = fmt.Errorf("%w: %v", ErrChannelClosed, cause)
	}
	_ = r.failLocked(err)
}

func (r *Receiver) handleControlLocked(msg network.ControlMessage) error {
	switch m := msg.(type) {
	case network.KeyExchange:
		if r.state != ReceiverAwaitingKey {
			return fmt.Errorf("%w: key exchange in state %s", ErrProtocolDesync, r.state)
		}
		key, err := crypto.ImportKey(m.Key)
		if err != nil {
			return err
		}
		r.session.Key = key
		r.log.WithField("fingerprint", crypto.Fingerprint(key)).Info("session key received")
		r.setStateLocked(ReceiverAwaitingMetadata)
		return nil

	case network.Metadata:
		if r.state != ReceiverAwaitingMetadata {
			return fmt.Errorf("%w: metadata in state %s", ErrProtocolDesync, r.state)
		}
		if r.opts.MaxFileSize > 0 && m.Size > r.opts.MaxFileSize {
			return fmt.Errorf("%w: %d bytes announced, limit %d", ErrFileTooLarge, m.Size, r.opts.MaxFileSize)
		}
		r.session.FileName = m.Name
		r.session.FileSize = m.Size
		r.session.Offset = 0
		r.chunks = r.chunks[:0]
		r.pending = nil
		r.nextSeq = 0

		r.log = r.log.WithFields(logrus.Fields{"file_name": m.Name, "file_size": m.Size})
		r.record(r.opts.Recorder.TransferStarted(TransferInfo{
			ID:        r.session.ID,
			Direction: DirectionReceive,
			Peer:      r.opts.Peer,
			FileName:  m.Name,
			FileSize:  m.Size,
		}))
		r.setStateLocked(ReceiverReceiving)

		if m.Size == 0 {
			return r.finalizeLocked()
		}
		return nil

	case network.ChunkHeader:
		if r.state != ReceiverReceiving {
			return fmt.Errorf("%w: chunk header in state %s", ErrProtocolDesync, r.state)
		}
		if r.pending != nil {
			return fmt.Errorf("%w: chunk header %d while chunk %d awaits data", ErrProtocolDesync, m.Seq, r.pending.seq)
		}
		if m.Seq != r.nextSeq {
			return fmt.Errorf("%w: chunk header seq %d, expected %d", ErrProtocolDesync, m.Seq, r.nextSeq)
		}
		r.pending = &chunkRecord{seq: m.Seq, iv: m.IV}
		return nil

	default:
		return fmt.Errorf("%w: unsupported control message %T", network.ErrMalformedControlFrame, msg)
	}
}

func (r *Receiver) handleDataLocked(payload []byte) error {
	if r.state != ReceiverReceiving || r.pending == nil {
		return fmt.Errorf("%w: data frame without chunk header", ErrProtocolDesync)
	}
	if len(payload) < crypto.Overhead {
		return fmt.Errorf("%w: data frame of %d bytes is shorter than the authentication tag", ErrProtocolDesync, len(payload))
	}

	chunk := *r.pending
	chunk.ciphertext = payload
	r.pending = nil
	r.chunks = append(r.chunks, chunk)
	r.nextSeq++

	received := r.session.Offset + int64(len(payload)-crypto.Overhead)
	if received > r.session.FileSize {
		return fmt.Errorf("%w: received %d bytes, announced %d", ErrProtocolDesync, received, r.session.FileSize)
	}
	r.session.Offset = received

	r.log.WithFields(logrus.Fields{"seq": chunk.seq, "received": received}).Debug("chunk received")
	if received-r.lastRecorded >= progressRecordInterval {
		r.lastRecorded = received
		r.record(r.opts.Recorder.TransferProgress(r.session.ID, received, StatusActive))
	}
	if r.opts.OnProgress != nil {
		r.opts.OnProgress(received, r.session.FileSize)
	}

	if received >= r.session.FileSize {
		return r.finalizeLocked()
	}
	return nil
}

// finalizeLocked decrypts every chunk in receipt order and hands the plaintext to the sink.
// It runs at most once because success and failure both leave ReceiverReceiving.
func (r *Receiver) finalizeLocked() error {
	chunks := r.chunks
	key := r.session.Key

	path, err := r.sink.Materialize(r.session.FileName, func(w io.Writer) error {
		for _, chunk := range chunks {
			plaintext, err := crypto.OpenChunk(key, chunk.seq, chunk.iv, chunk.ciphertext)
			if err != nil {
				return err
			}
			if _, err := w.Write(plaintext); err != nil {
				return fmt.Errorf("write chunk %d: %w", chunk.seq, err)
			}
		}
		return nil
	})
	r.chunks = nil
	if err != nil {
		return err
	}

	r.storedPath = path
	r.setStateLocked(ReceiverComplete)
	close(r.done)
	r.record(r.opts.Recorder.TransferFinished(r.session.ID, StatusComplete, path, nil))
	r.log.WithField("stored_path", path).Info("transfer complete")
	return nil
}

func (r *Receiver) failLocked(err error) error {
	r.err = err
	r.chunks = nil
	r.pending = nil
	r.setStateLocked(ReceiverFailed)
	close(r.done)
	r.record(r.opts.Recorder.TransferFinished(r.session.ID, StatusFailed, "", err))
	r.log.WithError(err).Error("transfer failed")
	return err
}

func (r *Receiver) setStateLocked(state ReceiverState) {
	if r.state == state {
		return
	}
	r.state = state
	if r.opts.OnStateChange != nil {
		r.opts.OnStateChange(state)
	}
}

func (r *Receiver) record(err error) {
	if err != nil {
		r.log.WithError(err).Warn("record transfer history")
	}
}

// Pump feeds frames from source into the receiver until it completes, fails,
// or the source closes.
func Pump(ctx context.Context, source FrameSource, r *Receiver) error {
	for {
		frame, err := source.ReceiveFrame(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				r.Close(ctxErr)
				return ctxErr
			}
			r.Close(err)
			return r.Err()
		}

		if err := r.HandleFrame(frame); err != nil {
			return err
		}
		if r.State() == ReceiverComplete {
			return nil
		}
	}
}
