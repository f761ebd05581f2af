package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"e2edrop/discovery"
	"e2edrop/network"
	"e2edrop/relay"
	"e2edrop/rtc"
	"e2edrop/storage"
	"e2edrop/transfer"
)

// listenFromConfig is the value of a bare --listen flag.
const listenFromConfig = "config"

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Receive one file from a peer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		relayURL, _ := cmd.Flags().GetString("relay")
		listenAddr, _ := cmd.Flags().GetString("listen")
		dir, _ := cmd.Flags().GetString("dir")
		advertise, _ := cmd.Flags().GetBool("advertise")

		if dir == "" {
			dir = env.cfg.DownloadDir
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		log := logger("receive")

		var (
			channel peerChannel
			peer    string
		)
		if cmd.Flags().Changed("listen") {
			if listenAddr == listenFromConfig {
				listenAddr = fmt.Sprintf(":%d", env.cfg.ListenPort)
			}
			channel, peer, err = acceptDirect(ctx, listenAddr, advertise, log)
		} else {
			if relayURL == "" {
				relayURL = env.cfg.RelayURL
			}
			channel, peer, err = answerOverRelay(ctx, relayURL, log)
		}
		if err != nil {
			return err
		}
		defer channel.Close()

		receiver := transfer.NewReceiver(transfer.DirSink{Dir: dir}, transfer.ReceiverOptions{
			Peer:        peer,
			MaxFileSize: env.cfg.MaxFileSize,
			OnProgress:  progressPrinter("receiving"),
			Recorder:    storage.NewRecorder(store),
			Logger:      log,
		})

		if err := transfer.Pump(ctx, channel, receiver); err != nil {
			return fmt.Errorf("receiving from %s: %w", peer, err)
		}

		session := receiver.Session()
		fmt.Printf("Received %s (%d bytes) from %s\n", session.FileName, session.FileSize, peer)
		fmt.Printf("Saved to %s\n", receiver.StoredPath())
		return nil
	},
}

func init() {
	receiveCmd.Flags().String("relay", "", "relay websocket URL (default from config)")
	receiveCmd.Flags().String("listen", "", "accept a direct TCP sender on this address; bare --listen uses listen_port from config")
	receiveCmd.Flags().Lookup("listen").NoOptDefVal = listenFromConfig
	receiveCmd.Flags().Bool("advertise", true, "with --listen, advertise this receiver via mDNS")
	receiveCmd.Flags().String("dir", "", "download directory (default from config)")
}

func acceptDirect(ctx context.Context, address string, advertise bool, log *logrus.Entry) (peerChannel, string, error) {
	listener, err := network.Listen(address, localIdentity())
	if err != nil {
		return nil, "", fmt.Errorf("listening on %s: %w", address, err)
	}
	defer listener.Close()

	if advertise {
		broadcaster, err := discovery.Advertise(discovery.Config{
			DeviceID:   env.cfg.DeviceID,
			DeviceName: env.cfg.DeviceName,
			Port:       listener.Port(),
			Logger:     logger("discovery"),
		})
		if err != nil {
			log.WithError(err).Warn("mDNS advertisement unavailable")
		} else {
			defer broadcaster.Stop()
		}
	}

	fmt.Printf("Waiting for a sender on %s (device %s)\n", listener.Addr(), env.cfg.DeviceID)
	go logHandshakeFailures(ctx, listener, log)

	conn, err := listener.Accept(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("accepting sender: %w", err)
	}
	peer := conn.Peer()
	log.WithFields(logrus.Fields{
		"peer_id":   peer.DeviceID,
		"peer_name": peer.DeviceName,
		"address":   conn.RemoteAddr().String(),
	}).Info("sender connected")
	return conn, peer.DeviceName, nil
}

func logHandshakeFailures(ctx context.Context, listener *network.Listener, log *logrus.Entry) {
	for {
		select {
		case err, ok := <-listener.Errors():
			if !ok {
				return
			}
			log.WithError(err).Warn("rejected inbound connection")
		case <-ctx.Done():
			return
		}
	}
}

func answerOverRelay(ctx context.Context, relayURL string, log *logrus.Entry) (peerChannel, string, error) {
	signaling, err := relay.Dial(ctx, relayURL, logger("relay-client"))
	if err != nil {
		return nil, "", err
	}

	fmt.Printf("Waiting for a sender via %s\n", relayURL)
	channel, err := rtc.Answer(ctx, signaling, rtc.Options{Logger: logger("rtc")})
	if err != nil {
		_ = signaling.Close()
		return nil, "", fmt.Errorf("negotiating data channel: %w", err)
	}
	log.WithField("relay_url", relayURL).Info("data channel open")
	return &relayedChannel{Channel: channel, signaling: signaling}, relayURL, nil
}
