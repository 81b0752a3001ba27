package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Hara602/usbWarden/internal/journal"
	"github.com/Hara602/usbWarden/internal/model"
)

var reportLimit int

func init() {
	reportCmd.Flags().IntVarP(&reportLimit, "limit", "n", 20, "number of entries per section")
	rootCmd.AddCommand(reportCmd)
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print recent file audit events and device history from the journal",
	RunE:  runReport,
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	jr, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer jr.Close()

	ctx := cmd.Context()
	events, err := jr.RecentAudit(ctx, reportLimit)
	if err != nil {
		return fmt.Errorf("read audit events: %w", err)
	}
	history, err := jr.RecentHistory(ctx, reportLimit)
	if err != nil {
		return fmt.Errorf("read device history: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "== File activity (%d) ==\n", len(events))
	for _, ev := range events {
		printAuditEvent(out, ev)
	}
	fmt.Fprintf(out, "\n== Device history (%d) ==\n", len(history))
	for _, h := range history {
		d := h.Device
		line := fmt.Sprintf("%s  %-10s %s:%s %-12s %s", h.TimeStamp.Local().Format(time.DateTime),
			h.Event, d.VendorID, d.ProductID, d.BusPath, h.State)
		if h.Origin != "" {
			line += " (" + string(h.Origin) + ")"
		}
		if h.LastError != "" {
			line += "  error: " + h.LastError
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func printAuditEvent(out io.Writer, ev model.AuditEvent) {
	line := fmt.Sprintf("%s  %-7s %s", ev.TimeStamp.Local().Format(time.DateTime), ev.Operation, ev.Path)
	if ev.OldPath != "" {
		line += " (from " + ev.OldPath + ")"
	}
	if ev.ProcName != "" {
		line += fmt.Sprintf("  by %s[%d]", ev.ProcName, ev.PID)
	}
	if ev.Risk != "" {
		line += fmt.Sprintf("  ⚠️ %s: %s", ev.Risk, ev.Detail)
	}
	fmt.Fprintln(out, line)
}
