package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMember struct {
	id       string
	accept   bool
	mu       sync.Mutex
	received [][]byte
}

func (m *fakeMember) ID() string { return m.id }

func (m *fakeMember) Deliver(msg []byte) bool {
	if !m.accept {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, msg)
	return true
}

func TestRegistryBroadcastSkipsSender(t *testing.T) {
	registry := NewRegistry()
	a := &fakeMember{id: "a", accept: true}
	b := &fakeMember{id: "b", accept: true}
	c := &fakeMember{id: "c", accept: true}
	registry.Add(a)
	registry.Add(b)
	registry.Add(c)

	delivered, dropped := registry.Broadcast("a", []byte(`{"offer":"x"}`))
	assert.Equal(t, 2, delivered)
	assert.Empty(t, dropped)
	assert.Empty(t, a.received)
	assert.Len(t, b.received, 1)
	assert.Len(t, c.received, 1)
}

func TestRegistryDropsMembersThatRefuseDelivery(t *testing.T) {
	registry := NewRegistry()
	registry.Add(&fakeMember{id: "a", accept: true})
	slow := &fakeMember{id: "slow", accept: false}
	registry.Add(slow)

	delivered, dropped := registry.Broadcast("a", []byte(`{}`))
	assert.Equal(t, 0, delivered)
	require.Len(t, dropped, 1)
	assert.Equal(t, "slow", dropped[0].ID())
	assert.Equal(t, 1, registry.Len())

	assert.False(t, registry.Remove("slow"))
	assert.True(t, registry.Remove("a"))
	assert.Equal(t, 0, registry.Len())
}

func startRelay(t *testing.T) (*Server, string) {
	t.Helper()

	server := NewServer(ServerOptions{})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.CloseAll()
		ts.Close()
	})
	return server, "ws" + strings.TrimPrefix(ts.URL, "http") + Path
}

func dialClient(t *testing.T, url string) *Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return server.Registry().Len() == n
	}, 2*time.Second, 5*time.Millisecond)
}

func expectMessage(t *testing.T, client *Client) []byte {
	t.Helper()
	select {
	case msg, ok := <-client.Messages():
		require.True(t, ok, "message channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed message")
		return nil
	}
}

func expectNoMessage(t *testing.T, client *Client) {
	t.Helper()
	select {
	case msg := <-client.Messages():
		t.Fatalf("unexpected message %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayForwardsToOtherClients(t *testing.T) {
	server, url := startRelay(t)
	alice := dialClient(t, url)
	bob := dialClient(t, url)
	carol := dialClient(t, url)
	waitForClients(t, server, 3)

	require.NoError(t, alice.Send(map[string]string{"offer": "v=0"}))

	for _, client := range []*Client{bob, carol} {
		var got map[string]string
		require.NoError(t, json.Unmarshal(expectMessage(t, client), &got))
		assert.Equal(t, "v=0", got["offer"])
	}
	expectNoMessage(t, alice)
}

func TestRelayDropsNonJSON(t *testing.T) {
	server, url := startRelay(t)
	alice := dialClient(t, url)
	bob := dialClient(t, url)
	waitForClients(t, server, 2)

	require.NoError(t, alice.SendRaw([]byte("definitely not json")))
	require.NoError(t, alice.SendRaw([]byte(`{"answer":"ok"}`)))

	assert.JSONEq(t, `{"answer":"ok"}`, string(expectMessage(t, bob)))
	expectNoMessage(t, bob)
}

func TestRelayRemovesDisconnectedClients(t *testing.T) {
	server, url := startRelay(t)
	alice := dialClient(t, url)
	bob := dialClient(t, url)
	waitForClients(t, server, 2)

	require.NoError(t, bob.Close())
	waitForClients(t, server, 1)

	require.NoError(t, alice.Send(map[string]string{"candidate": "c"}))
	select {
	case <-bob.Done():
	default:
		t.Fatal("closed client should report done")
	}
}

func TestRelayHealthz(t *testing.T) {
	server := NewServer(ServerOptions{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"clients":0}`, rec.Body.String())
}

func TestServeStopsOnContextCancel(t *testing.T) {
	server := NewServer(ServerOptions{})
	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe(ctx, "127.0.0.1:0")
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not stop")
	}
}
