package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// LocalIdentity identifies this device in the hello exchange.
type LocalIdentity struct {
	DeviceID   string
	DeviceName string
}

// PeerInfo is what the remote side announced in its hello.
type PeerInfo struct {
	DeviceID   string
	DeviceName string
	Version    int
}

// ConnOptions configures the hello exchange and the resulting Conn.
type ConnOptions struct {
	Identity LocalIdentity

	ConnectionTimeout time.Duration
	QueueDepth        int
	LowWaterMark      uint64
	Logger            *logrus.Entry
}

func (o ConnOptions) withDefaults() ConnOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.QueueDepth <= 0 {
		out.QueueDepth = DefaultQueueDepth
	}
	if out.LowWaterMark == 0 {
		out.LowWaterMark = DefaultLowWaterMark
	}
	if out.Logger == nil {
		out.Logger = logrus.WithField("component", "network")
	}
	return out
}

func (o ConnOptions) validateIdentity() error {
	if o.Identity.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	return nil
}

type helloMessage struct {
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

func writeHello(conn net.Conn, identity LocalIdentity) error {
	payload, err := json.Marshal(helloMessage{
		DeviceID:        identity.DeviceID,
		DeviceName:      identity.DeviceName,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal hello: %w", err)
	}
	return WriteFrame(conn, Frame{Kind: frameHello, Payload: payload})
}

func readHello(conn net.Conn, timeout time.Duration) (PeerInfo, error) {
	frame, err := ReadFrameWithTimeout(conn, timeout)
	if err != nil {
		return PeerInfo{}, fmt.Errorf("read hello: %w", err)
	}
	if frame.Kind != frameHello {
		return PeerInfo{}, fmt.Errorf("expected hello frame, got %s", frame.Kind)
	}

	var msg helloMessage
	if err := json.Unmarshal(frame.Payload, &msg); err != nil {
		return PeerInfo{}, fmt.Errorf("decode hello: %w", err)
	}
	if msg.ProtocolVersion != ProtocolVersion {
		return PeerInfo{}, fmt.Errorf("%w: got %d want %d", ErrUnsupportedVersion, msg.ProtocolVersion, ProtocolVersion)
	}
	if msg.DeviceID == "" {
		return PeerInfo{}, errors.New("hello missing device ID")
	}

	return PeerInfo{
		DeviceID:   msg.DeviceID,
		DeviceName: msg.DeviceName,
		Version:    msg.ProtocolVersion,
	}, nil
}
