package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"e2edrop/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sent, _ := cmd.Flags().GetBool("sent")
		received, _ := cmd.Flags().GetBool("received")
		limit, _ := cmd.Flags().GetInt("limit")
		security, _ := cmd.Flags().GetBool("security")

		if sent && received {
			return fmt.Errorf("--sent and --received are mutually exclusive")
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if security {
			return printSecurityEvents(os.Stdout, store, limit)
		}

		direction := ""
		switch {
		case sent:
			direction = storage.TransferDirectionSend
		case received:
			direction = storage.TransferDirectionReceive
		}

		transfers, err := store.ListTransfers(direction, limit)
		if err != nil {
			return fmt.Errorf("listing transfers: %w", err)
		}
		if len(transfers) == 0 {
			fmt.Println("No transfers recorded.")
			return nil
		}
		return printTransfers(os.Stdout, transfers)
	},
}

func init() {
	historyCmd.Flags().Bool("sent", false, "only show sent files")
	historyCmd.Flags().Bool("received", false, "only show received files")
	historyCmd.Flags().Int("limit", 20, "maximum rows to show (0 for all)")
	historyCmd.Flags().Bool("security", false, "show security events instead of transfers")
}

func printTransfers(out io.Writer, transfers []storage.Transfer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tDIRECTION\tSTATUS\tFILE\tSIZE\tPEER\tDETAIL")
	for _, t := range transfers {
		detail := t.StoredPath
		if t.Status == storage.TransferStatusFailed {
			detail = t.Error
		} else if !t.Terminal() {
			detail = fmt.Sprintf("%d/%d bytes", t.BytesTransferred, t.Filesize)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			formatMillis(t.StartedAt),
			t.Direction,
			t.Status,
			t.Filename,
			t.Filesize,
			t.Peer,
			detail,
		)
	}
	return w.Flush()
}

func printSecurityEvents(out io.Writer, store *storage.Store, limit int) error {
	events, err := store.GetSecurityEvents(storage.SecurityEventFilter{Limit: limit})
	if err != nil {
		return fmt.Errorf("listing security events: %w", err)
	}
	if len(events) == 0 {
		fmt.Fprintln(out, "No security events recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSEVERITY\tEVENT\tTRANSFER\tDETAILS")
	for _, e := range events {
		transferID := "-"
		if e.TransferID != nil {
			transferID = *e.TransferID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			formatMillis(e.Timestamp),
			e.Severity,
			e.EventType,
			transferID,
			e.Details,
		)
	}
	return w.Flush()
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}
