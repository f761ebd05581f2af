package network

import (
	"encoding/json"
	"errors"
	"fmt"

	"e2edrop/crypto"
)

const (
	// TypeEncryptionKey tags a KeyExchange control frame.
	TypeEncryptionKey = "encryptionKey"
	// TypeFileMetadata tags a Metadata control frame.
	TypeFileMetadata = "fileMetadata"
	// TypeChunk tags a ChunkHeader control frame.
	TypeChunk = "chunk"
)

// ErrMalformedControlFrame indicates a control frame that is not one of the known shapes.
var ErrMalformedControlFrame = errors.New("network: malformed control frame")

// ControlMessage is one of KeyExchange, Metadata or ChunkHeader.
type ControlMessage interface {
	controlType() string
	validate() error
}

// KeyExchange carries the raw session key, sent once per session.
type KeyExchange struct {
	Key []byte
}

// Metadata announces the file name and plaintext size.
type Metadata struct {
	Name string
	Size int64
}

// ChunkHeader announces the next data frame. Seq starts at 0 and increases by one per chunk.
type ChunkHeader struct {
	Seq uint64
	IV  []byte
}

func (KeyExchange) controlType() string { return TypeEncryptionKey }
func (Metadata) controlType() string    { return TypeFileMetadata }
func (ChunkHeader) controlType() string { return TypeChunk }

func (m KeyExchange) validate() error {
	if len(m.Key) != crypto.KeySize {
		return fmt.Errorf("key length %d, want %d", len(m.Key), crypto.KeySize)
	}
	return nil
}

func (m Metadata) validate() error {
	if m.Name == "" {
		return errors.New("empty file name")
	}
	if m.Size < 0 {
		return fmt.Errorf("negative file size %d", m.Size)
	}
	return nil
}

func (m ChunkHeader) validate() error {
	if len(m.IV) != crypto.IVSize {
		return fmt.Errorf("iv length %d, want %d", len(m.IV), crypto.IVSize)
	}
	return nil
}

type keyExchangeWire struct {
	Type string `json:"type"`
	Key  []byte `json:"key"`
}

type metadataWire struct {
	Type string `json:"type"`
	Name string `json:"name"`
	Size *int64 `json:"size"`
}

type chunkHeaderWire struct {
	Type string  `json:"type"`
	Seq  *uint64 `json:"seq"`
	IV   []byte  `json:"iv"`
}

// EncodeControl marshals a control message to its JSON wire form.
func EncodeControl(msg ControlMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformedControlFrame)
	}
	if err := msg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedControlFrame, msg.controlType(), err)
	}

	var wire any
	switch m := msg.(type) {
	case KeyExchange:
		wire = keyExchangeWire{Type: TypeEncryptionKey, Key: m.Key}
	case Metadata:
		wire = metadataWire{Type: TypeFileMetadata, Name: m.Name, Size: &m.Size}
	case ChunkHeader:
		wire = chunkHeaderWire{Type: TypeChunk, Seq: &m.Seq, IV: m.IV}
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrMalformedControlFrame, msg)
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal control message: %w", err)
	}
	return payload, nil
}

// DecodeControl parses a control frame payload into exactly one ControlMessage variant.
func DecodeControl(payload []byte) (ControlMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedControlFrame, err)
	}

	var msg ControlMessage
	switch envelope.Type {
	case TypeEncryptionKey:
		var wire keyExchangeWire
		if err := json.Unmarshal(payload, &wire); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedControlFrame, envelope.Type, err)
		}
		msg = KeyExchange{Key: wire.Key}
	case TypeFileMetadata:
		var wire metadataWire
		if err := json.Unmarshal(payload, &wire); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedControlFrame, envelope.Type, err)
		}
		if wire.Size == nil {
			return nil, fmt.Errorf("%w: %s: missing size", ErrMalformedControlFrame, envelope.Type)
		}
		msg = Metadata{Name: wire.Name, Size: *wire.Size}
	case TypeChunk:
		var wire chunkHeaderWire
		if err := json.Unmarshal(payload, &wire); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedControlFrame, envelope.Type, err)
		}
		if wire.Seq == nil {
			return nil, fmt.Errorf("%w: %s: missing seq", ErrMalformedControlFrame, envelope.Type)
		}
		msg = ChunkHeader{Seq: *wire.Seq, IV: wire.IV}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedControlFrame)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedControlFrame, envelope.Type)
	}

	if err := msg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedControlFrame, envelope.Type, err)
	}
	return msg, nil
}
