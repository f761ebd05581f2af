package cmd

import (
	"github.com/spf13/cobra"

	"e2edrop/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the signaling relay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		staticDir, _ := cmd.Flags().GetString("static")

		server := relay.NewServer(relay.ServerOptions{
			StaticDir: staticDir,
			Logger:    logger("relay"),
		})
		return server.ListenAndServe(cmd.Context(), addr)
	},
}

func init() {
	relayCmd.Flags().String("addr", ":3000", "listen address")
	relayCmd.Flags().String("static", "", "directory served at / next to the websocket endpoint")
}
