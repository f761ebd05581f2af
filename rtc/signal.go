package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"
)

// Signaler carries negotiation messages to the other party. *relay.Client satisfies it.
type Signaler interface {
	Send(v any) error
	Messages() <-chan []byte
}

// signal is the negotiation message shape exchanged through the relay:
// exactly one of {"offer":...}, {"answer":...} or {"candidate":...}.
type signal struct {
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func decodeSignal(payload []byte) (signal, error) {
	var msg signal
	if err := json.Unmarshal(payload, &msg); err != nil {
		return signal{}, fmt.Errorf("decode signal: %w", err)
	}
	return msg, nil
}

// candidateQueue holds remote candidates until the remote description is set.
type candidateQueue struct {
	pending []webrtc.ICECandidateInit
	ready   bool
}

func (q *candidateQueue) add(pc *webrtc.PeerConnection, candidate webrtc.ICECandidateInit) error {
	if !q.ready {
		q.pending = append(q.pending, candidate)
		return nil
	}
	return pc.AddICECandidate(candidate)
}

func (q *candidateQueue) flush(pc *webrtc.PeerConnection) error {
	q.ready = true
	pending := q.pending
	q.pending = nil
	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("add ICE candidate: %w", err)
		}
	}
	return nil
}
