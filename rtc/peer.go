package rtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

var errSignalingClosed = errors.New("signaling closed before data channel opened")

// Offer creates the data channel, sends an offer through sig and waits until the
// channel opens or ctx ends.
func Offer(ctx context.Context, sig Signaler, options Options) (*Channel, error) {
	opts := options.withDefaults()
	pc, err := opts.newPeerConnection()
	if err != nil {
		return nil, err
	}

	c := newChannel(pc, opts)
	dc, err := pc.CreateDataChannel(opts.Label, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	c.attach(dc)

	n := newNegotiator(pc, sig, c, false, opts.Logger)
	pc.OnICECandidate(n.sendCandidate)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		c.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := sig.Send(signal{Offer: &offer}); err != nil {
		c.Close()
		return nil, fmt.Errorf("send offer: %w", err)
	}
	n.log.Info("offer sent")

	go n.run()
	if err := n.await(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Answer waits for an offer through sig, answers it and waits until the offered
// data channel opens or ctx ends.
func Answer(ctx context.Context, sig Signaler, options Options) (*Channel, error) {
	opts := options.withDefaults()
	pc, err := opts.newPeerConnection()
	if err != nil {
		return nil, err
	}

	c := newChannel(pc, opts)
	n := newNegotiator(pc, sig, c, true, opts.Logger)
	pc.OnICECandidate(n.sendCandidate)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != opts.Label {
			n.log.WithField("label", dc.Label()).Warn("ignoring unexpected data channel")
			return
		}
		c.attach(dc)
	})

	go n.run()
	if err := n.await(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// negotiator applies remote signaling messages to one peer connection.
type negotiator struct {
	pc       *webrtc.PeerConnection
	sig      Signaler
	channel  *Channel
	answerer bool
	log      *logrus.Entry

	candidates candidateQueue
}

func newNegotiator(pc *webrtc.PeerConnection, sig Signaler, c *Channel, answerer bool, logger *logrus.Entry) *negotiator {
	role := "offerer"
	if answerer {
		role = "answerer"
	}
	return &negotiator{
		pc:       pc,
		sig:      sig,
		channel:  c,
		answerer: answerer,
		log:      logger.WithField("role", role),
	}
}

// await returns once the data channel is open. On failure the channel is torn down.
func (n *negotiator) await(ctx context.Context) error {
	if err := n.channel.waitOpen(ctx); err != nil {
		n.channel.Close()
		return err
	}
	return nil
}

func (n *negotiator) run() {
	messages := n.sig.Messages()
	for {
		select {
		case payload, ok := <-messages:
			if !ok {
				select {
				case <-n.channel.opened:
				default:
					n.channel.closeWithError(errSignalingClosed)
				}
				return
			}
			if err := n.handle(payload); err != nil {
				n.channel.closeWithError(err)
				return
			}
		case <-n.channel.closed:
			return
		}
	}
}

func (n *negotiator) handle(payload []byte) error {
	msg, err := decodeSignal(payload)
	if err != nil {
		n.log.WithError(err).Debug("ignoring undecodable signal")
		return nil
	}

	switch {
	case msg.Offer != nil:
		if !n.answerer || n.pc.RemoteDescription() != nil {
			return nil
		}
		return n.acceptOffer(*msg.Offer)
	case msg.Answer != nil:
		if n.answerer || n.pc.RemoteDescription() != nil {
			return nil
		}
		if err := n.pc.SetRemoteDescription(*msg.Answer); err != nil {
			return fmt.Errorf("set remote description: %w", err)
		}
		n.log.Info("answer applied")
		return n.candidates.flush(n.pc)
	case msg.Candidate != nil:
		if err := n.candidates.add(n.pc, *msg.Candidate); err != nil {
			n.log.WithError(err).Warn("rejected remote ICE candidate")
		}
	}
	return nil
}

func (n *negotiator) acceptOffer(offer webrtc.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	if err := n.candidates.flush(n.pc); err != nil {
		return err
	}

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := n.sig.Send(signal{Answer: &answer}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	n.log.Info("answer sent")
	return nil
}

func (n *negotiator) sendCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	init := candidate.ToJSON()
	if err := n.sig.Send(signal{Candidate: &init}); err != nil {
		n.log.WithError(err).Warn("failed to send ICE candidate")
	}
}
