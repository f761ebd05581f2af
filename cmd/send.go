package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"e2edrop/discovery"
	"e2edrop/network"
	"e2edrop/relay"
	"e2edrop/rtc"
	"e2edrop/storage"
	"e2edrop/transfer"
)

// peerCloseTimeout bounds how long a finished sender waits for the receiver to hang up.
const peerCloseTimeout = 30 * time.Second

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Send a file to a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		relayURL, _ := cmd.Flags().GetString("relay")
		peerAddr, _ := cmd.Flags().GetString("peer")
		discover, _ := cmd.Flags().GetBool("discover")
		deviceID, _ := cmd.Flags().GetString("device")

		if peerAddr != "" && discover {
			return fmt.Errorf("--peer and --discover are mutually exclusive")
		}

		file, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening file: %w", err)
		}
		defer file.Close()

		info, err := file.Stat()
		if err != nil {
			return fmt.Errorf("reading file info: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", args[0])
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		log := logger("send")

		var (
			channel peerChannel
			peer    string
		)
		switch {
		case peerAddr != "":
			channel, peer, err = dialDirect(ctx, peerAddr, log)
		case discover:
			channel, peer, err = dialDiscovered(ctx, deviceID, log)
		default:
			if relayURL == "" {
				relayURL = env.cfg.RelayURL
			}
			channel, peer, err = offerOverRelay(ctx, relayURL, log)
		}
		if err != nil {
			return err
		}
		defer channel.Close()

		sender := transfer.NewSender(channel, file, filepath.Base(args[0]), info.Size(), transfer.SenderOptions{
			Peer:          peer,
			ChunkSize:     env.cfg.ChunkSize,
			HighWaterMark: env.cfg.HighWaterMark,
			PollInterval:  env.cfg.PollInterval(),
			OnProgress:    progressPrinter("sending"),
			Recorder:      storage.NewRecorder(store),
			Logger:        log,
		})

		stopPauseToggle := watchPauseSignal(sender, log)
		defer stopPauseToggle()

		if err := sender.Run(ctx); err != nil {
			return fmt.Errorf("sending %s: %w", info.Name(), err)
		}

		waitForPeerClose(ctx, channel, log)
		fmt.Printf("Sent %s (%d bytes) to %s\n", info.Name(), info.Size(), peer)
		return nil
	},
}

func init() {
	sendCmd.Flags().String("relay", "", "relay websocket URL (default from config)")
	sendCmd.Flags().String("peer", "", "receiver address host:port for a direct TCP transfer")
	sendCmd.Flags().Bool("discover", false, "find a receiver on the LAN via mDNS")
	sendCmd.Flags().String("device", "", "with --discover, only send to this device ID")
}

func localIdentity() network.ConnOptions {
	return network.ConnOptions{
		Identity: network.LocalIdentity{
			DeviceID:   env.cfg.DeviceID,
			DeviceName: env.cfg.DeviceName,
		},
		Logger: logger("network"),
	}
}

func dialDirect(ctx context.Context, address string, log *logrus.Entry) (peerChannel, string, error) {
	conn, err := network.Dial(ctx, address, localIdentity())
	if err != nil {
		return nil, "", fmt.Errorf("connecting to %s: %w", address, err)
	}
	peer := conn.Peer()
	log.WithFields(logrus.Fields{
		"peer_id":   peer.DeviceID,
		"peer_name": peer.DeviceName,
		"address":   address,
	}).Info("connected to receiver")
	return conn, peer.DeviceName, nil
}

func dialDiscovered(ctx context.Context, deviceID string, log *logrus.Entry) (peerChannel, string, error) {
	found, err := discovery.FindPeer(ctx, discovery.Config{
		DeviceID: env.cfg.DeviceID,
		Logger:   logger("discovery"),
	}, deviceID)
	if err != nil {
		return nil, "", fmt.Errorf("discovering receiver: %w", err)
	}
	log.WithFields(logrus.Fields{
		"peer_id": found.DeviceID,
		"address": found.Address(),
	}).Info("receiver discovered")
	return dialDirect(ctx, found.Address(), log)
}

func offerOverRelay(ctx context.Context, relayURL string, log *logrus.Entry) (peerChannel, string, error) {
	signaling, err := relay.Dial(ctx, relayURL, logger("relay-client"))
	if err != nil {
		return nil, "", err
	}

	channel, err := rtc.Offer(ctx, signaling, rtc.Options{Logger: logger("rtc")})
	if err != nil {
		_ = signaling.Close()
		return nil, "", fmt.Errorf("negotiating data channel: %w", err)
	}
	log.WithField("relay_url", relayURL).Info("data channel open")
	return &relayedChannel{Channel: channel, signaling: signaling}, relayURL, nil
}

// relayedChannel closes the relay connection along with the data channel.
type relayedChannel struct {
	*rtc.Channel
	signaling *relay.Client
}

func (c *relayedChannel) Close() error {
	err := c.Channel.Close()
	return errors.Join(err, c.signaling.Close())
}

// waitForPeerClose blocks until the receiver hangs up or peerCloseTimeout passes.
func waitForPeerClose(ctx context.Context, channel transfer.Channel, log *logrus.Entry) {
	timer := time.NewTimer(peerCloseTimeout)
	defer timer.Stop()

	select {
	case <-channel.Done():
	case <-timer.C:
		log.Warn("receiver did not close the channel; closing")
	case <-ctx.Done():
	}
}
