package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	frames := []Frame{
		{Kind: FrameControl, Payload: []byte(`{"type":"fileMetadata","name":"a.txt","size":3}`)},
		{Kind: FrameData, Payload: []byte{0x00, 0x01, 0xfe, 0xff}},
		{Kind: FrameData, Payload: []byte{}},
	}

	var buffer bytes.Buffer
	for _, frame := range frames {
		if err := WriteFrame(&buffer, frame); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	for i, want := range frames {
		got, err := ReadFrame(&buffer)
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if got.Kind != want.Kind {
			t.Fatalf("frame %d kind mismatch: got %s want %s", i, got.Kind, want.Kind)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("frame %d payload mismatch", i)
		}
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, Frame{Kind: FrameData, Payload: payload}); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedControlPayload(t *testing.T) {
	payload := make([]byte, MaxControlFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, Frame{Kind: FrameControl, Payload: payload}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	if _, err := ReadFrame(&buffer); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsUnknownKind(t *testing.T) {
	header := make([]byte, frameHeaderSize)
	header[0] = 0x7f
	binary.BigEndian.PutUint32(header[1:], 0)

	if _, err := ReadFrame(bytes.NewReader(header)); !errors.Is(err, ErrUnknownFrameKind) {
		t.Fatalf("expected ErrUnknownFrameKind, got %v", err)
	}
}
