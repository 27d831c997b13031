package cmd

import (
	"fmt"
	"io"

	"github.com/audiolibrelab/camcapture/internal/video"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the resolved configuration with inheritance indicators",
	Long:  `Display the resolved configuration of the selected profile. Each value shows whether it comes from the built-in defaults, the default profile, the selected profile or the globals section.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "=== RESOLVED CONFIGURATION (%s) ===\n", cfg.Profile)

		fmt.Fprintf(out, "\n[Capture]\n")
		printSetting(out, "resolution", cfg.Capture.Resolution, "capture.resolution")
		printSetting(out, "bit_rate", cfg.Capture.BitRate, "capture.bit_rate")
		printSetting(out, "frame_rate", cfg.Capture.FrameRate, "capture.frame_rate")
		printSetting(out, "mime_type", cfg.Capture.MimeType, "capture.mime_type")

		fmt.Fprintf(out, "\n[Video]\n")
		printSetting(out, "backend", cfg.Video.Backend, "video.backend")
		printSetting(out, "device", cfg.Video.Device, "video.device")
		printSetting(out, "ffmpeg_path", cfg.Video.FFmpegPath, "video.ffmpeg_path")
		printSetting(out, "ffprobe_path", cfg.Video.FFprobePath, "video.ffprobe_path")
		printSetting(out, "fragment_interval_ms", cfg.Video.FragmentIntervalMs, "video.fragment_interval_ms")

		fmt.Fprintf(out, "\n[Server]\n")
		printSetting(out, "listen", cfg.Server.Listen, "server.listen")

		if backend, err := video.NewBackend(cfg.Video); err == nil {
			fmt.Fprintf(out, "\nbackend in use: %s\n", backend.GetType())
		} else {
			fmt.Fprintf(out, "\nbackend in use: none (%v)\n", err)
		}
		return nil
	},
}

func printSetting(w io.Writer, name string, value interface{}, key string) {
	fmt.Fprintf(w, "%s: %v %s\n", name, value, getInheritanceIndicator(cfg.Inheritance[key]))
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "default":
		return "[default]"
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	case "global":
		return "[global]"
	default:
		return "[unknown]"
	}
}
