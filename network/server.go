package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Listener accepts inbound TCP sessions and completes the hello exchange.
type Listener struct {
	listener net.Listener
	options  ConnOptions

	incoming chan *Conn
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and hello accept loop.
func Listen(address string, options ConnOptions) (*Listener, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	l := &Listener{
		listener: listener,
		options:  opts,
		incoming: make(chan *Conn, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Port returns the TCP port the listener is bound to.
func (l *Listener) Port() int {
	if addr, ok := l.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Errors returns asynchronous accept and hello errors.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Accept waits for the next connection that completed the hello exchange.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case conn, ok := <-l.incoming:
		if !ok {
			return nil, ErrClosed
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting and closes all listener channels.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		closeErr = l.listener.Close()
		l.wg.Wait()
		close(l.incoming)
		close(l.errs)
	})
	return closeErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}

			l.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		l.wg.Add(1)
		go l.handleInboundConn(conn)
	}
}

func (l *Listener) handleInboundConn(conn net.Conn) {
	defer l.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(l.options.ConnectionTimeout)); err != nil {
		l.reportError(fmt.Errorf("set hello deadline: %w", err))
		return
	}

	peer, err := readHello(conn, l.options.ConnectionTimeout)
	if err != nil {
		l.reportError(fmt.Errorf("hello from %s: %w", conn.RemoteAddr(), err))
		return
	}
	if err := writeHello(conn, l.options.Identity); err != nil {
		l.reportError(fmt.Errorf("write hello: %w", err))
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		l.reportError(fmt.Errorf("clear hello deadline: %w", err))
		return
	}

	l.options.Logger.WithFields(logrus.Fields{
		"peer_device_id": peer.DeviceID,
		"remote_addr":    conn.RemoteAddr().String(),
	}).Info("accepted peer connection")

	peerConn := newConn(conn, peer, l.options)
	closeConn = false
	select {
	case l.incoming <- peerConn:
	case <-l.closed:
		_ = peerConn.Close()
	}
}

func (l *Listener) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	l.options.Logger.WithError(err).Debug("inbound connection rejected")
	select {
	case l.errs <- err:
	default:
	}
}
