package cli

import (
	"github.com/spf13/cobra"

	"github.com/Hara602/usbWarden/internal/surface"
)

func init() {
	rootCmd.AddCommand(surfaceCmd)
}

var surfaceCmd = &cobra.Command{
	Use:   "surface",
	Short: "Open the interactive control surface of a running agent",
	Long: "Connects to the agent's control socket and shows the device list with live overrides. " +
		"Closing the surface does not stop monitoring.",
	RunE: func(cmd *cobra.Command, args []string) error {
		socket, err := socketPath()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		return surface.Run(ctx, socket)
	},
}
