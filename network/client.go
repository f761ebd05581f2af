package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// Dial connects to a peer, performs the hello exchange, and returns a ready Conn.
func Dial(ctx context.Context, address string, options ConnOptions) (*Conn, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set hello deadline: %w", err)
	}

	if err := writeHello(conn, opts.Identity); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	peer, err := readHello(conn, opts.ConnectionTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear hello deadline: %w", err)
	}

	opts.Logger.WithFields(logrus.Fields{
		"peer_device_id": peer.DeviceID,
		"address":        address,
	}).Info("connected to peer")

	return newConn(conn, peer, opts), nil
}
