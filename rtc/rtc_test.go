package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2edrop/network"
	"e2edrop/relay"
	"e2edrop/transfer"
)

func TestSignalWireShape(t *testing.T) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	payload, err := json.Marshal(signal{Offer: &offer})
	require.NoError(t, err)
	assert.JSONEq(t, `{"offer":{"type":"offer","sdp":"v=0"}}`, string(payload))

	mid := "0"
	payload, err = json.Marshal(signal{Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid}})
	require.NoError(t, err)

	decoded, err := decodeSignal(payload)
	require.NoError(t, err)
	require.NotNil(t, decoded.Candidate)
	assert.Nil(t, decoded.Offer)
	assert.Nil(t, decoded.Answer)
	assert.Equal(t, "candidate:1", decoded.Candidate.Candidate)
}

func TestDecodeSignalRejectsGarbage(t *testing.T) {
	_, err := decodeSignal([]byte("not json"))
	assert.Error(t, err)
}

func TestCandidateQueueHoldsUntilReady(t *testing.T) {
	var q candidateQueue
	require.NoError(t, q.add(nil, webrtc.ICECandidateInit{Candidate: "a"}))
	require.NoError(t, q.add(nil, webrtc.ICECandidateInit{Candidate: "b"}))
	assert.Len(t, q.pending, 2)
	assert.False(t, q.ready)
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, []string{DefaultSTUNServer}, opts.ICEServers)
	assert.Equal(t, DefaultLabel, opts.Label)
	assert.EqualValues(t, DefaultLowWaterMark, opts.LowWaterMark)
	assert.NotNil(t, opts.Logger)

	none := Options{ICEServers: []string{}}.withDefaults()
	assert.Empty(t, none.ICEServers)
}

// pipeSignaler delivers to its peer's inbox directly.
type pipeSignaler struct {
	out chan<- []byte
	in  <-chan []byte
}

func (p pipeSignaler) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.out <- payload
	return nil
}

func (p pipeSignaler) Messages() <-chan []byte { return p.in }

func signalerPair() (pipeSignaler, pipeSignaler) {
	ab := make(chan []byte, 128)
	ba := make(chan []byte, 128)
	return pipeSignaler{out: ab, in: ba}, pipeSignaler{out: ba, in: ab}
}

func localOptions() Options {
	return Options{ICEServers: []string{}, IncludeLoopback: true}
}

func connectPair(t *testing.T, offerSig, answerSig Signaler) (*Channel, *Channel) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	type result struct {
		ch  *Channel
		err error
	}
	answered := make(chan result, 1)
	go func() {
		ch, err := Answer(ctx, answerSig, localOptions())
		answered <- result{ch, err}
	}()

	offerer, err := Offer(ctx, offerSig, localOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = offerer.Close() })

	res := <-answered
	require.NoError(t, res.err)
	t.Cleanup(func() { _ = res.ch.Close() })
	return offerer, res.ch
}

func TestDataChannelCarriesTypedFrames(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sessions")
	}

	a, b := signalerPair()
	offerer, answerer := connectPair(t, a, b)

	require.NoError(t, offerer.SendControl([]byte(`{"type":"fileMetadata","name":"x","size":1}`)))
	require.NoError(t, offerer.SendData([]byte{0xde, 0xad}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frame, err := answerer.ReceiveFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, network.FrameControl, frame.Kind)

	frame, err = answerer.ReceiveFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, network.FrameData, frame.Kind)
	assert.Equal(t, []byte{0xde, 0xad}, frame.Payload)

	require.NoError(t, offerer.Flush(ctx))

	require.NoError(t, offerer.Close())
	select {
	case <-answerer.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("answerer did not observe close")
	}
	_, err = answerer.ReceiveFrame(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTransferOverRelayNegotiatedChannel(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sessions")
	}

	server := relay.NewServer(relay.ServerOptions{})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.CloseAll()
		ts.Close()
	})
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + relay.Path

	dialCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	senderSig, err := relay.Dial(dialCtx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = senderSig.Close() })
	receiverSig, err := relay.Dial(dialCtx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = receiverSig.Close() })
	require.Eventually(t, func() bool { return server.Registry().Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	offerer, answerer := connectPair(t, senderSig, receiverSig)

	content := bytes.Repeat([]byte("e2edrop"), 10000)
	dir := t.TempDir()
	receiver := transfer.NewReceiver(transfer.DirSink{Dir: dir}, transfer.ReceiverOptions{})
	sender := transfer.NewSender(offerer, bytes.NewReader(content), "notes.txt", int64(len(content)), transfer.SenderOptions{})

	ctx, cancelRun := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancelRun()

	pumped := make(chan error, 1)
	go func() { pumped <- transfer.Pump(ctx, answerer, receiver) }()

	require.NoError(t, sender.Run(ctx))
	require.NoError(t, <-pumped)
	assert.Equal(t, transfer.ReceiverComplete, receiver.State())

	got, err := os.ReadFile(receiver.StoredPath())
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestOversizedChunkSizeStillCompletes(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE sessions")
	}

	a, b := signalerPair()
	offerer, answerer := connectPair(t, a, b)

	content := bytes.Repeat([]byte{0x5a, 0xa5, 0x3c}, 100000)
	receiver := transfer.NewReceiver(transfer.DirSink{Dir: t.TempDir()}, transfer.ReceiverOptions{})
	sender := transfer.NewSender(offerer, bytes.NewReader(content), "large.bin", int64(len(content)), transfer.SenderOptions{
		ChunkSize: 200000,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pumped := make(chan error, 1)
	go func() { pumped <- transfer.Pump(ctx, answerer, receiver) }()

	require.NoError(t, sender.Run(ctx))
	require.NoError(t, <-pumped)

	got, err := os.ReadFile(receiver.StoredPath())
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestChannelReportsMessageLimit(t *testing.T) {
	var c *Channel
	assert.Equal(t, MaxMessageSize, c.MaxMessageSize())

	var limiter transfer.MessageLimiter = c
	assert.Greater(t, limiter.MaxMessageSize(), transfer.DefaultChunkSize)
}
