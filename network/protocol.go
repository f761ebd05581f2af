package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// MaxControlFrameSize bounds control and hello payloads.
	MaxControlFrameSize = 64 * 1024
	// DefaultConnectionTimeout bounds TCP dial/hello duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultQueueDepth is the number of frames a Conn buffers before SendControl/SendData block.
	DefaultQueueDepth = 256
	// DefaultLowWaterMark is the queued byte count under which a Conn reports itself drained.
	DefaultLowWaterMark = 16 * 1024

	frameHeaderSize = 5
)

// FrameKind is the channel-level type tag distinguishing control from data frames.
type FrameKind byte

const (
	frameHello FrameKind = 0x00
	// FrameControl carries a JSON control message.
	FrameControl FrameKind = 0x01
	// FrameData carries one sealed chunk.
	FrameData FrameKind = 0x02
)

func (k FrameKind) String() string {
	switch k {
	case frameHello:
		return "hello"
	case FrameControl:
		return "control"
	case FrameData:
		return "data"
	default:
		return fmt.Sprintf("kind(0x%02x)", byte(k))
	}
}

// Frame is one message as delivered by a peer channel.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnknownFrameKind indicates a frame header with an unrecognized kind byte.
	ErrUnknownFrameKind = errors.New("network: unknown frame kind")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrClosed is returned by operations on a closed connection or listener.
	ErrClosed = errors.New("network: connection closed")
)

// WriteFrame writes one kind-tagged, length-prefixed frame.
func WriteFrame(w io.Writer, frame Frame) error {
	if len(frame.Payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, frameHeaderSize+len(frame.Payload))
	buf[0] = byte(frame.Kind)
	binary.BigEndian.PutUint32(buf[1:frameHeaderSize], uint32(len(frame.Payload)))
	copy(buf[frameHeaderSize:], frame.Payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Kind, err)
	}
	return nil
}

// ReadFrame reads one kind-tagged, length-prefixed frame.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}

	kind := FrameKind(header[0])
	limit := uint32(MaxFrameSize)
	switch kind {
	case frameHello, FrameControl:
		limit = MaxControlFrameSize
	case FrameData:
	default:
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameKind, header[0])
	}

	length := binary.BigEndian.Uint32(header[1:])
	if length > limit {
		return Frame{}, ErrFrameTooLarge
	}
	if length == 0 {
		return Frame{Kind: kind, Payload: []byte{}}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("read frame payload: %w", err)
	}

	return Frame{Kind: kind, Payload: payload}, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) (Frame, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Frame{}, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
