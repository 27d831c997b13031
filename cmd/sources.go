package cmd

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/camcapture/internal/video"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available camera sources",
	Long:  `List the camera sources the configured video backend can record from.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := video.NewBackend(cfg.Video)
		if err != nil {
			return err
		}

		sources, err := backend.ListSources(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list %s sources: %w", backend.GetType(), err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Camera sources (%s backend, %d found):\n", backend.GetType(), len(sources))

		v4l2 := video.NewV4L2()
		rows := make([][]string, 0, len(sources))
		for i, source := range sources {
			status := "available"
			if err := backend.ValidateSource(source); err != nil {
				status = fmt.Sprintf("unavailable: %v", err)
			}
			rows = append(rows, []string{fmt.Sprintf("%d", i+1), source, v4l2.DeviceName(source), status})
		}
		if len(rows) > 0 {
			fmt.Fprintln(out, renderTable([]string{"#", "Source", "Name", "Status"}, rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft}))
		}

		available := make([]string, 0, 2)
		for _, b := range video.GetAvailableBackends() {
			available = append(available, string(b))
		}
		fmt.Fprintf(out, "\nAvailable backends: %s\n", strings.Join(available, ", "))
		if cfg.Video.Device != "" {
			fmt.Fprintf(out, "Configured device: %s\n", cfg.Video.Device)
		}
		return nil
	},
}
