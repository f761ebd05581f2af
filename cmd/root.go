// Package cmd holds the e2edrop command-line interface.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"e2edrop/config"
	"e2edrop/storage"
	"e2edrop/transfer"
)

var logLevel string

// env is loaded once per invocation by the root command's pre-run hook.
var env struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
}

var rootCmd = &cobra.Command{
	Use:          "e2edrop",
	Short:        "End-to-end encrypted peer-to-peer file transfer",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgPath, dataDir, err := config.LoadOrCreate()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		env.cfg, env.cfgPath, env.dataDir = cfg, cfgPath, dataDir

		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logrus.SetOutput(os.Stderr)
		level := cfg.Level()
		if logLevel != "" {
			parsed, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
			level = parsed
		}
		logrus.SetLevel(level)

		logrus.WithFields(logrus.Fields{
			"device_id": cfg.DeviceID,
			"config":    cfgPath,
		}).Debug("configuration loaded")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error); overrides config")
	rootCmd.AddCommand(relayCmd, sendCmd, receiveCmd, historyCmd)
}

// Execute runs the root command until it finishes or SIGINT/SIGTERM arrives.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func logger(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

func openStore() (*storage.Store, error) {
	store, dbPath, err := storage.Open(env.dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	logrus.WithField("path", dbPath).Debug("history database opened")
	return store, nil
}

// progressPrinter writes whole-percent progress to stderr.
func progressPrinter(verb string) func(done, total int64) {
	last := -1
	return func(done, total int64) {
		percent := 100
		if total > 0 {
			percent = int(done * 100 / total)
		}
		if percent == last {
			return
		}
		last = percent
		fmt.Fprintf(os.Stderr, "\r%s %3d%% (%d/%d bytes)", verb, percent, done, total)
		if done >= total {
			fmt.Fprintln(os.Stderr)
		}
	}
}

// peerChannel is what both the TCP and WebRTC transports provide to a transfer.
type peerChannel interface {
	transfer.Channel
	transfer.FrameSource
	Close() error
}
