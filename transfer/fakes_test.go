package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"e2edrop/network"
)

// recordingChannel captures every frame the sender emits.
type recordingChannel struct {
	mu       sync.Mutex
	frames   []network.Frame
	buffered atomic.Uint64
	done     chan struct{}
	sendErr  error
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{done: make(chan struct{})}
}

func (c *recordingChannel) SendControl(payload []byte) error {
	return c.append(network.Frame{Kind: network.FrameControl, Payload: payload})
}

func (c *recordingChannel) SendData(payload []byte) error {
	return c.append(network.Frame{Kind: network.FrameData, Payload: payload})
}

func (c *recordingChannel) append(frame network.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *recordingChannel) BufferedAmount() uint64 { return c.buffered.Load() }

func (c *recordingChannel) Done() <-chan struct{} { return c.done }

func (c *recordingChannel) Frames() []network.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]network.Frame(nil), c.frames...)
}

// drainingChannel adds a drain signal to recordingChannel.
type drainingChannel struct {
	*recordingChannel
	drained chan struct{}
}

func (c *drainingChannel) Drained() <-chan struct{} { return c.drained }

// loopbackChannel delivers every frame straight into a receiver.
type loopbackChannel struct {
	receiver *Receiver
	done     chan struct{}
}

func (c *loopbackChannel) SendControl(payload []byte) error {
	return c.receiver.HandleFrame(network.Frame{Kind: network.FrameControl, Payload: payload})
}

func (c *loopbackChannel) SendData(payload []byte) error {
	return c.receiver.HandleFrame(network.Frame{Kind: network.FrameData, Payload: payload})
}

func (c *loopbackChannel) BufferedAmount() uint64 { return 0 }

func (c *loopbackChannel) Done() <-chan struct{} { return c.done }

// limitedChannel is a loopback channel that rejects data frames above maxMessage,
// the way a WebRTC data channel does.
type limitedChannel struct {
	*loopbackChannel
	maxMessage int
}

func (c *limitedChannel) MaxMessageSize() int { return c.maxMessage }

func (c *limitedChannel) SendData(payload []byte) error {
	if len(payload) > c.maxMessage {
		return errTooLarge
	}
	return c.loopbackChannel.SendData(payload)
}

// memorySink keeps materialized files in memory.
type memorySink struct {
	mu    sync.Mutex
	calls int
	name  string
	data  []byte
}

func (s *memorySink) Materialize(name string, write func(io.Writer) error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		return "", err
	}
	s.name = name
	s.data = buf.Bytes()
	return "mem://" + name, nil
}

func (s *memorySink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// sliceSource replays a fixed frame list, then reports the channel closed.
type sliceSource struct {
	frames []network.Frame
	err    error
}

func (s *sliceSource) ReceiveFrame(ctx context.Context) (network.Frame, error) {
	if err := ctx.Err(); err != nil {
		return network.Frame{}, err
	}
	if len(s.frames) == 0 {
		if s.err != nil {
			return network.Frame{}, s.err
		}
		return network.Frame{}, network.ErrClosed
	}
	frame := s.frames[0]
	s.frames = s.frames[1:]
	return frame, nil
}

type recordedEvent struct {
	kind   string
	id     string
	status Status
	path   string
	err    error
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *fakeRecorder) TransferStarted(info TransferInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: "started:" + string(info.Direction), id: info.ID})
	return nil
}

func (r *fakeRecorder) TransferProgress(id string, _ int64, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: "progress", id: id, status: status})
	return nil
}

func (r *fakeRecorder) TransferFinished(id string, status Status, path string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: "finished", id: id, status: status, path: path, err: cause})
	return nil
}

func (r *fakeRecorder) Last() recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return recordedEvent{}
	}
	return r.events[len(r.events)-1]
}

func fixtureBytes(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// captureTransfer runs a sender against a recording channel and returns its frames.
func captureTransfer(t *testing.T, data []byte, chunkSize int) []network.Frame {
	t.Helper()

	channel := newRecordingChannel()
	sender := NewSender(channel, bytes.NewReader(data), "fixture.bin", int64(len(data)), SenderOptions{ChunkSize: chunkSize})
	require.NoError(t, sender.Run(context.Background()))
	return channel.Frames()
}

func feed(receiver *Receiver, frames []network.Frame) error {
	for _, frame := range frames {
		if err := receiver.HandleFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

func decodeHeader(t *testing.T, frame network.Frame) network.ChunkHeader {
	t.Helper()

	require.Equal(t, network.FrameControl, frame.Kind)
	msg, err := network.DecodeControl(frame.Payload)
	require.NoError(t, err)
	header, ok := msg.(network.ChunkHeader)
	require.True(t, ok, "expected chunk header, got %T", msg)
	return header
}

var (
	errBoom     = errors.New("boom")
	errTooLarge = errors.New("outbound packet larger than maximum message size")
)
