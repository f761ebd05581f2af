package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"e2edrop/crypto"
	"e2edrop/network"
)

// DefaultPollInterval is the backpressure recheck delay when the channel cannot signal drain.
const DefaultPollInterval = 100 * time.Millisecond

// SenderOptions configures a Sender. Zero values select the defaults.
type SenderOptions struct {
	SessionID     string
	Peer          string
	ChunkSize     int
	HighWaterMark uint64
	PollInterval  time.Duration

	OnProgress    func(sent, total int64)
	OnStateChange func(SenderState)
	Recorder      Recorder
	Logger        *logrus.Entry
}

func (o SenderOptions) withDefaults() SenderOptions {
	out := o
	if out.SessionID == "" {
		out.SessionID = uuid.NewString()
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.ChunkSize > MaxChunkSize {
		out.ChunkSize = MaxChunkSize
	}
	if out.HighWaterMark == 0 {
		out.HighWaterMark = DefaultHighWaterMark
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.Recorder == nil {
		out.Recorder = nopRecorder{}
	}
	if out.Logger == nil {
		out.Logger = logrus.WithField("component", "sender")
	}
	return out
}

// Sender walks a source in fixed-size slices, encrypts each one and emits a
// ChunkHeader/data frame pair per slice, throttled by the channel's queue.
type Sender struct {
	channel Channel
	source  io.ReaderAt
	opts    SenderOptions
	log     *logrus.Entry

	resume chan struct{}

	mu           sync.Mutex
	started      bool
	state        SenderState
	paused       bool
	session      Session
	seq          uint64
	lastRecorded int64
	err          error
}

// NewSender prepares a transfer of size bytes read from source under the given name.
func NewSender(channel Channel, source io.ReaderAt, name string, size int64, options SenderOptions) *Sender {
	opts := options.withDefaults()
	if limiter, ok := channel.(MessageLimiter); ok {
		opts.ChunkSize = clampChunkSize(opts.ChunkSize, limiter.MaxMessageSize(), opts.Logger)
	}
	return &Sender{
		channel: channel,
		source:  source,
		opts:    opts,
		log: opts.Logger.WithFields(logrus.Fields{
			"session_id": opts.SessionID,
			"file_name":  name,
			"file_size":  size,
		}),
		resume: make(chan struct{}, 1),
		session: Session{
			ID:       opts.SessionID,
			FileName: name,
			FileSize: size,
		},
	}
}

// State returns the current sender state.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Session returns a snapshot of the sender's session.
func (s *Sender) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Paused reports whether a pause has been requested and not yet resumed.
func (s *Sender) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Pause stops the chunk loop at the next chunk boundary. A chunk already read
// and encrypted is still sent.
func (s *Sender) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SenderComplete || s.state == SenderFailed {
		return
	}
	s.paused = true
}

// Resume continues the chunk loop from the current offset.
func (s *Sender) Resume() {
	s.mu.Lock()
	wasPaused := s.paused
	s.paused = false
	s.mu.Unlock()

	if wasPaused {
		select {
		case s.resume <- struct{}{}:
		default:
		}
	}
}

// Run performs the whole transfer: key exchange, metadata, then the chunk loop.
// It returns once every chunk has been handed to the channel (and flushed, when
// the channel supports it), or on the first error.
func (s *Sender) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if s.session.FileSize < 0 {
		return s.fail(fmt.Errorf("invalid file size %d", s.session.FileSize))
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return s.fail(err)
	}
	s.mu.Lock()
	s.session.Key = key
	s.mu.Unlock()

	if err := s.sendControl(network.KeyExchange{Key: key.Export()}); err != nil {
		return s.fail(err)
	}
	if err := s.sendControl(network.Metadata{Name: s.session.FileName, Size: s.session.FileSize}); err != nil {
		return s.fail(err)
	}

	s.record(s.opts.Recorder.TransferStarted(TransferInfo{
		ID:        s.session.ID,
		Direction: DirectionSend,
		Peer:      s.opts.Peer,
		FileName:  s.session.FileName,
		FileSize:  s.session.FileSize,
	}))
	s.log.WithField("fingerprint", crypto.Fingerprint(key)).Info("session key sent")
	s.setState(SenderSending)

	for s.offset() < s.session.FileSize {
		if err := s.waitWhilePaused(ctx); err != nil {
			return s.fail(err)
		}
		if err := s.sendNextChunk(ctx, key); err != nil {
			return s.fail(err)
		}
	}

	if flusher, ok := s.channel.(Flusher); ok {
		if err := flusher.Flush(ctx); err != nil {
			return s.fail(s.channelErr(err))
		}
	}

	s.setState(SenderComplete)
	s.record(s.opts.Recorder.TransferFinished(s.session.ID, StatusComplete, "", nil))
	s.log.Info("transfer complete")
	return nil
}

func (s *Sender) sendNextChunk(ctx context.Context, key crypto.Key) error {
	offset := s.offset()
	size := int64(s.opts.ChunkSize)
	if remaining := s.session.FileSize - offset; remaining < size {
		size = remaining
	}

	plaintext, err := readChunk(s.source, offset, int(size))
	if err != nil {
		return err
	}

	s.mu.Lock()
	seq := s.seq
	s.mu.Unlock()

	ciphertext, iv, err := crypto.SealChunk(key, seq, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt chunk %d: %w", seq, err)
	}

	if err := s.waitForCapacity(ctx); err != nil {
		return err
	}

	if err := s.sendControl(network.ChunkHeader{Seq: seq, IV: iv}); err != nil {
		return err
	}
	if err := s.channel.SendData(ciphertext); err != nil {
		return s.channelErr(err)
	}

	s.mu.Lock()
	s.session.Offset += int64(len(plaintext))
	s.seq++
	sent := s.session.Offset
	recordDue := sent-s.lastRecorded >= progressRecordInterval
	if recordDue {
		s.lastRecorded = sent
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"seq": seq, "offset": sent}).Debug("chunk sent")
	if recordDue {
		s.record(s.opts.Recorder.TransferProgress(s.session.ID, sent, StatusActive))
	}
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(sent, s.session.FileSize)
	}
	return nil
}

// waitForCapacity blocks while the channel holds at least HighWaterMark queued bytes.
// Channels implementing DrainNotifier wake the sender early; PollInterval bounds every wait.
func (s *Sender) waitForCapacity(ctx context.Context) error {
	var drained <-chan struct{}
	if notifier, ok := s.channel.(DrainNotifier); ok {
		drained = notifier.Drained()
	}

	for s.channel.BufferedAmount() >= s.opts.HighWaterMark {
		timer := time.NewTimer(s.opts.PollInterval)
		select {
		case <-drained:
		case <-timer.C:
		case <-s.channel.Done():
			timer.Stop()
			return ErrChannelClosed
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
	return nil
}

func (s *Sender) waitWhilePaused(ctx context.Context) error {
	for {
		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if !paused {
			if s.State() == SenderPaused {
				s.setState(SenderSending)
				s.log.WithField("offset", s.offset()).Info("transfer resumed")
			}
			return nil
		}

		if s.State() != SenderPaused {
			s.setState(SenderPaused)
			s.record(s.opts.Recorder.TransferProgress(s.session.ID, s.offset(), StatusPaused))
			s.log.WithField("offset", s.offset()).Info("transfer paused")
		}

		select {
		case <-s.resume:
		case <-s.channel.Done():
			return ErrChannelClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Sender) sendControl(msg network.ControlMessage) error {
	payload, err := network.EncodeControl(msg)
	if err != nil {
		return err
	}
	if err := s.channel.SendControl(payload); err != nil {
		return s.channelErr(err)
	}
	return nil
}

// channelErr reports err as ErrChannelClosed only when the channel is actually gone.
// Other send failures, such as an oversized frame, pass through.
func (s *Sender) channelErr(err error) error {
	if errors.Is(err, ErrChannelClosed) {
		return err
	}
	closed := errors.Is(err, network.ErrClosed)
	select {
	case <-s.channel.Done():
		closed = true
	default:
	}
	if closed {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return fmt.Errorf("send frame: %w", err)
}

func (s *Sender) offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Offset
}

func (s *Sender) setState(state SenderState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed && s.opts.OnStateChange != nil {
		s.opts.OnStateChange(state)
	}
}

func (s *Sender) fail(err error) error {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	s.setState(SenderFailed)
	s.record(s.opts.Recorder.TransferFinished(s.session.ID, StatusFailed, "", err))
	s.log.WithError(err).Error("transfer failed")
	return err
}

func (s *Sender) record(err error) {
	if err != nil {
		s.log.WithError(err).Warn("record transfer history")
	}
}

// clampChunkSize shrinks chunkSize so a sealed chunk fits in maxMessage bytes.
func clampChunkSize(chunkSize, maxMessage int, log *logrus.Entry) int {
	limit := maxMessage - crypto.Overhead
	if maxMessage <= 0 || chunkSize <= limit {
		return chunkSize
	}
	if limit < 1 {
		limit = 1
	}
	log.WithFields(logrus.Fields{
		"chunk_size":       chunkSize,
		"max_message_size": maxMessage,
	}).Warn("chunk size exceeds channel message limit, reducing")
	return limit
}

func readChunk(source io.ReaderAt, offset int64, size int) ([]byte, error) {
	buffer := make([]byte, size)
	n, err := source.ReadAt(buffer, offset)
	if err != nil && !(errors.Is(err, io.EOF) && n == size) {
		return nil, fmt.Errorf("read chunk at offset %d: %w", offset, err)
	}
	return buffer[:n], nil
}
