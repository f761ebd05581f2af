//go:build windows

package cmd

import (
	"github.com/sirupsen/logrus"

	"e2edrop/transfer"
)

// watchPauseSignal is a no-op: Windows has no SIGUSR1.
func watchPauseSignal(*transfer.Sender, *logrus.Entry) (stop func()) {
	return func() {}
}
