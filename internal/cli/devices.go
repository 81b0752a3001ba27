package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Hara602/usbWarden/internal/ipc"
	"github.com/Hara602/usbWarden/internal/model"
)

var devicesJSON bool

func init() {
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "print the snapshot as JSON")
	rootCmd.AddCommand(devicesCmd)
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Print the running agent's device registry",
	RunE:  runDevices,
}

func runDevices(cmd *cobra.Command, args []string) error {
	socket, err := socketPath()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	snap, err := ipc.NewClient(socket).Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("query agent at %s: %w", socket, err)
	}
	out := cmd.OutOrStdout()
	if devicesJSON {
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	printSnapshot(out, snap, time.Now())
	return nil
}

func printSnapshot(out io.Writer, snap model.Snapshot, now time.Time) {
	if len(snap.Devices) == 0 {
		fmt.Fprintln(out, "No USB devices attached.")
	} else {
		fmt.Fprintf(out, "%-3s %-9s %-22s %-14s %-15s %-7s %s\n", "#", "ID", "NAME", "CLASS", "STATE", "ORIGIN", "FIRST SEEN")
	}
	for _, v := range snap.Devices {
		d := v.Device
		name := d.Label
		if name == "" {
			name = d.BusPath
		}
		fmt.Fprintf(out, "%-3d %-9s %-22s %-14s %-15s %-7s %s\n",
			v.Index, d.VendorID+":"+d.ProductID, truncate(name, 22), d.Class, v.State, v.Origin,
			humanize.RelTime(v.FirstSeen, now, "ago", "from now"))
		if v.NeedsAttention {
			fmt.Fprintf(out, "    ⚠️ needs attention: %s\n", v.LastError)
		}
		if v.Suspicion != "" {
			fmt.Fprintf(out, "    🚨 suspicious: %s\n", v.Suspicion)
		}
	}
	if snap.Draining {
		fmt.Fprintln(out, "Agent is shutting down.")
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
