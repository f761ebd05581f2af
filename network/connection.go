package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const flushPollInterval = 10 * time.Millisecond

// Conn is a framed TCP peer channel. Outbound frames are queued and written by a
// single writer goroutine so BufferedAmount reflects bytes not yet on the wire.
type Conn struct {
	conn net.Conn
	peer PeerInfo
	log  *logrus.Entry

	outbound chan Frame
	queued   atomic.Int64
	lowWater uint64
	drained  chan struct{}

	inbound chan Frame

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConn(conn net.Conn, peer PeerInfo, options ConnOptions) *Conn {
	opts := options.withDefaults()

	c := &Conn{
		conn:     conn,
		peer:     peer,
		log:      opts.Logger.WithField("peer_device_id", peer.DeviceID),
		outbound: make(chan Frame, opts.QueueDepth),
		lowWater: opts.LowWaterMark,
		drained:  make(chan struct{}, 1),
		inbound:  make(chan Frame, 64),
		closed:   make(chan struct{}),
	}

	go c.readLoop()
	go c.writeLoop()

	return c
}

// Peer returns the remote side's hello information.
func (c *Conn) Peer() PeerInfo {
	return c.peer
}

// RemoteAddr returns the underlying socket's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Done is closed when the connection is fully disconnected.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err returns the terminal connection error, if any.
func (c *Conn) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// SendControl queues a control frame. The payload must not be modified afterwards.
func (c *Conn) SendControl(payload []byte) error {
	return c.enqueue(Frame{Kind: FrameControl, Payload: payload})
}

// SendData queues a data frame. The payload must not be modified afterwards.
func (c *Conn) SendData(payload []byte) error {
	return c.enqueue(Frame{Kind: FrameData, Payload: payload})
}

// MaxMessageSize reports the largest payload a single frame may carry.
func (c *Conn) MaxMessageSize() int {
	return MaxFrameSize
}

// BufferedAmount is the number of payload bytes queued but not yet written to the socket.
func (c *Conn) BufferedAmount() uint64 {
	n := c.queued.Load()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// Drained receives a value whenever the queue falls to the low-water mark.
func (c *Conn) Drained() <-chan struct{} {
	return c.drained
}

// Flush blocks until every queued frame has been written.
func (c *Conn) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()

	for {
		if c.queued.Load() == 0 && len(c.outbound) == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-c.closed:
			return c.closedErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReceiveFrame waits for the next inbound frame. Frames read before the peer
// closed are still returned before the close is reported.
func (c *Conn) ReceiveFrame(ctx context.Context) (Frame, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	default:
	}

	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		select {
		case frame := <-c.inbound:
			return frame, nil
		default:
		}
		return Frame{}, c.closedErr()
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Close terminates the connection without flushing.
func (c *Conn) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Conn) enqueue(frame Frame) error {
	if len(frame.Payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	select {
	case <-c.closed:
		return c.closedErr()
	default:
	}

	size := int64(len(frame.Payload))
	c.queued.Add(size)
	select {
	case c.outbound <- frame:
		return nil
	case <-c.closed:
		c.queued.Add(-size)
		return c.closedErr()
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case frame := <-c.outbound:
			err := WriteFrame(c.conn, frame)
			c.queued.Add(-int64(len(frame.Payload)))
			if err != nil {
				c.closeWithError(fmt.Errorf("write frame: %w", err))
				return
			}
			if c.BufferedAmount() <= c.lowWater {
				select {
				case c.drained <- struct{}{}:
				default:
				}
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) readLoop() {
	for {
		frame, err := ReadFrame(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		if frame.Kind == frameHello {
			c.closeWithError(errors.New("unexpected hello after connection setup"))
			return
		}

		select {
		case c.inbound <- frame:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) closedErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

func (c *Conn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		if err != nil {
			c.log.WithError(err).Warn("connection closed with error")
		} else {
			c.log.Debug("connection closed")
		}
		_ = c.conn.Close()
		close(c.closed)
	})
}
