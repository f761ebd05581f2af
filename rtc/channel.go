// Package rtc provides a WebRTC data-channel peer channel negotiated through a relay.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"e2edrop/network"
)

const (
	// DefaultSTUNServer is used when Options.ICEServers is nil.
	DefaultSTUNServer = "stun:stun.l.google.com:19302"
	// DefaultLabel is the data channel label both peers agree on.
	DefaultLabel = "fileTransfer"
	// DefaultLowWaterMark is the buffered amount at which the channel reports itself drained.
	DefaultLowWaterMark = 16 * 1024
	// MaxMessageSize is the largest message pion's SCTP association will send.
	MaxMessageSize = 65536

	flushPollInterval = 10 * time.Millisecond
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("rtc: channel closed")

// Options configures peer connection setup.
type Options struct {
	// ICEServers lists STUN/TURN URLs. Nil selects DefaultSTUNServer; empty means none.
	ICEServers []string
	Label      string
	// IncludeLoopback gathers loopback candidates, for peers on the same host.
	IncludeLoopback bool
	LowWaterMark    uint64
	Logger          *logrus.Entry
}

func (o Options) withDefaults() Options {
	out := o
	if out.ICEServers == nil {
		out.ICEServers = []string{DefaultSTUNServer}
	}
	if out.Label == "" {
		out.Label = DefaultLabel
	}
	if out.LowWaterMark == 0 {
		out.LowWaterMark = DefaultLowWaterMark
	}
	if out.Logger == nil {
		out.Logger = logrus.WithField("component", "rtc")
	}
	return out
}

func (o Options) newPeerConnection() (*webrtc.PeerConnection, error) {
	settings := webrtc.SettingEngine{}
	settings.SetIncludeLoopbackCandidate(o.IncludeLoopback)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	config := webrtc.Configuration{}
	if len(o.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: o.ICEServers}}
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return pc, nil
}

// Channel adapts a pion data channel to the frame-oriented peer channel contract:
// text messages are control frames, binary messages are data frames.
type Channel struct {
	pc  *webrtc.PeerConnection
	log *logrus.Entry

	lowWater uint64

	mu sync.RWMutex
	dc *webrtc.DataChannel

	inbound chan network.Frame
	drained chan struct{}
	opened  chan struct{}

	openOnce  sync.Once
	closeOnce sync.Once
	closed    chan struct{}

	errMu sync.RWMutex
	err   error
}

func newChannel(pc *webrtc.PeerConnection, opts Options) *Channel {
	c := &Channel{
		pc:       pc,
		log:      opts.Logger,
		lowWater: opts.LowWaterMark,
		inbound:  make(chan network.Frame, 64),
		drained:  make(chan struct{}, 1),
		opened:   make(chan struct{}),
		closed:   make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.WithField("state", state.String()).Debug("peer connection state changed")
		switch state {
		case webrtc.PeerConnectionStateFailed:
			c.closeWithError(errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			c.closeWithError(nil)
		}
	})
	return c
}

func (c *Channel) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(c.lowWater)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.drained <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		c.log.WithField("label", dc.Label()).Info("data channel open")
		c.openOnce.Do(func() { close(c.opened) })
	})
	dc.OnClose(func() {
		c.log.Debug("data channel closed")
		c.closeWithError(nil)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		frame := network.Frame{Kind: network.FrameData, Payload: append([]byte(nil), msg.Data...)}
		if msg.IsString {
			frame.Kind = network.FrameControl
		}
		select {
		case c.inbound <- frame:
		case <-c.closed:
		}
	})
}

func (c *Channel) channel() (*webrtc.DataChannel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.dc == nil {
		return nil, ErrClosed
	}
	return c.dc, nil
}

func (c *Channel) waitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-c.closed:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendControl sends payload as a text message.
func (c *Channel) SendControl(payload []byte) error {
	dc, err := c.channel()
	if err != nil {
		return err
	}
	if err := dc.SendText(string(payload)); err != nil {
		return fmt.Errorf("send control frame: %w", err)
	}
	return nil
}

// SendData sends payload as a binary message.
func (c *Channel) SendData(payload []byte) error {
	dc, err := c.channel()
	if err != nil {
		return err
	}
	if err := dc.Send(payload); err != nil {
		return fmt.Errorf("send data frame: %w", err)
	}
	return nil
}

// MaxMessageSize reports the largest payload a single SendData call accepts.
func (c *Channel) MaxMessageSize() int {
	return MaxMessageSize
}

// BufferedAmount is the data channel's queued-but-unsent byte count.
func (c *Channel) BufferedAmount() uint64 {
	dc, err := c.channel()
	if err != nil {
		return 0
	}
	return dc.BufferedAmount()
}

// Drained receives a value when the buffered amount falls below the low-water mark.
func (c *Channel) Drained() <-chan struct{} {
	return c.drained
}

// Done is closed once the channel or its peer connection closes.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that closed the channel, if any.
func (c *Channel) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// Flush blocks until the data channel's send buffer is empty.
func (c *Channel) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()

	for c.BufferedAmount() > 0 {
		select {
		case <-ticker.C:
		case <-c.closed:
			return c.closedErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ReceiveFrame waits for the next inbound frame. Frames that arrived before the
// channel closed are returned before the close is reported.
func (c *Channel) ReceiveFrame(ctx context.Context) (network.Frame, error) {
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
		return network.Frame{}, c.closedErr()
	case <-ctx.Done():
		return network.Frame{}, ctx.Err()
	}
}

// Close tears down the data channel and the peer connection.
func (c *Channel) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Channel) closedErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

func (c *Channel) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()

		if err != nil {
			c.log.WithError(err).Warn("channel closed with error")
		}
		close(c.closed)

		// pion invokes callbacks from its own goroutines; closing inline could deadlock.
		go func() {
			if dc, derr := c.channel(); derr == nil {
				_ = dc.Close()
			}
			_ = c.pc.Close()
		}()
	})
}
