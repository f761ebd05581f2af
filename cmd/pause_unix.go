//go:build !windows

package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"e2edrop/transfer"
)

// watchPauseSignal toggles pause on the sender for every SIGUSR1.
func watchPauseSignal(sender *transfer.Sender, log *logrus.Entry) (stop func()) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR1)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-signals:
				if sender.Paused() {
					log.Info("resuming on SIGUSR1")
					sender.Resume()
				} else {
					log.Info("pausing on SIGUSR1")
					sender.Pause()
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(signals)
		close(done)
	}
}
