package network

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func newPipeConns(t *testing.T) (*Conn, *Conn) {
	t.Helper()

	localConn, remoteConn := net.Pipe()
	local := newConn(localConn, PeerInfo{DeviceID: "remote"}, ConnOptions{})
	remote := newConn(remoteConn, PeerInfo{DeviceID: "local"}, ConnOptions{})
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return local, remote
}

func TestConnDeliversFramesInOrder(t *testing.T) {
	local, remote := newPipeConns(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	want := []Frame{
		{Kind: FrameControl, Payload: []byte(`{"type":"chunk","seq":0}`)},
		{Kind: FrameData, Payload: bytes.Repeat([]byte{0xaa}, 4096)},
		{Kind: FrameControl, Payload: []byte(`{"type":"chunk","seq":1}`)},
		{Kind: FrameData, Payload: bytes.Repeat([]byte{0xbb}, 10)},
	}
	for _, frame := range want {
		var err error
		if frame.Kind == FrameControl {
			err = local.SendControl(frame.Payload)
		} else {
			err = local.SendData(frame.Payload)
		}
		if err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}

	for i, expected := range want {
		got, err := remote.ReceiveFrame(ctx)
		if err != nil {
			t.Fatalf("ReceiveFrame %d failed: %v", i, err)
		}
		if got.Kind != expected.Kind || !bytes.Equal(got.Payload, expected.Payload) {
			t.Fatalf("frame %d mismatch: got %s/%d bytes", i, got.Kind, len(got.Payload))
		}
	}

	if err := local.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := local.BufferedAmount(); got != 0 {
		t.Fatalf("expected empty queue after flush, got %d", got)
	}
}

func TestConnBufferedAmountTracksUnwrittenBytes(t *testing.T) {
	localConn, rawRemote := net.Pipe()
	defer func() {
		_ = rawRemote.Close()
	}()

	local := newConn(localConn, PeerInfo{DeviceID: "remote"}, ConnOptions{LowWaterMark: 1})
	defer func() {
		_ = local.Close()
	}()

	if err := local.SendData(make([]byte, 1000)); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}

	// Nobody reads rawRemote yet, so the writer is stuck on the pipe.
	time.Sleep(20 * time.Millisecond)
	if got := local.BufferedAmount(); got != 1000 {
		t.Fatalf("expected 1000 queued bytes, got %d", got)
	}

	frame, err := ReadFrame(rawRemote)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if frame.Kind != FrameData || len(frame.Payload) != 1000 {
		t.Fatalf("unexpected frame %s/%d", frame.Kind, len(frame.Payload))
	}

	select {
	case <-local.Drained():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected drained signal")
	}
	if got := local.BufferedAmount(); got != 0 {
		t.Fatalf("expected 0 queued bytes, got %d", got)
	}
}

func TestConnReceiveDrainsBeforeReportingClose(t *testing.T) {
	local, remote := newPipeConns(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := local.SendControl([]byte(`{"type":"fileMetadata"}`)); err != nil {
		t.Fatalf("SendControl failed: %v", err)
	}
	if err := local.SendData([]byte("last")); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}
	if err := local.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	_ = local.Close()

	select {
	case <-remote.Done():
	case <-ctx.Done():
		t.Fatalf("remote did not observe close")
	}

	for i := 0; i < 2; i++ {
		if _, err := remote.ReceiveFrame(ctx); err != nil {
			t.Fatalf("ReceiveFrame %d failed: %v", i, err)
		}
	}
	if _, err := remote.ReceiveFrame(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestConnSendAfterCloseFails(t *testing.T) {
	local, _ := newPipeConns(t)
	_ = local.Close()

	if err := local.SendData([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
