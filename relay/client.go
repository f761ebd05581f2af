package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrClientClosed is returned by Send after the relay connection closed.
var ErrClientClosed = errors.New("relay: client closed")

// Client is one party's connection to a relay.
type Client struct {
	ws  *websocket.Conn
	log *logrus.Entry

	writeMu sync.Mutex

	messages chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu sync.RWMutex
	err   error
}

// Dial connects to the relay websocket at url (for example ws://host:3000/ws).
func Dial(ctx context.Context, url string, logger *logrus.Entry) (*Client, error) {
	if logger == nil {
		logger = logrus.WithField("component", "relay-client")
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %q: %w", url, err)
	}
	ws.SetReadLimit(DefaultMaxMessageSize)

	c := &Client{
		ws:       ws,
		log:      logger.WithField("relay_url", url),
		messages: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
	go c.readLoop()

	c.log.Info("connected to relay")
	return c, nil
}

// Send marshals v as JSON and forwards it to every other relay party.
func (c *Client) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}
	return c.SendRaw(payload)
}

// SendRaw writes payload as one text message without validation.
func (c *Client) SendRaw(payload []byte) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.closeWithError(fmt.Errorf("write relay message: %w", err))
		return err
	}
	return nil
}

// Messages delivers every message relayed from other parties. It is closed when
// the connection ends.
func (c *Client) Messages() <-chan []byte {
	return c.messages
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	c.writeMu.Unlock()

	c.closeWithError(nil)
	return nil
}

func (c *Client) readLoop() {
	defer close(c.messages)

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.closeWithError(err)
			} else {
				c.closeWithError(nil)
			}
			return
		}

		select {
		case c.messages <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()

		if err != nil {
			c.log.WithError(err).Warn("relay connection lost")
		}
		_ = c.ws.Close()
		close(c.closed)
	})
}
