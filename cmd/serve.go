package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/camcapture/internal/server"
	"github.com/audiolibrelab/camcapture/internal/service"
	"github.com/audiolibrelab/camcapture/internal/video"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for browser control",
	Long: `Start the CamCapture web server to control recording over HTTP.
Recordings made through the server stay in memory and can be played back
from /artifacts/{id}/content while the server runs.

The server binds to 127.0.0.1 unless --listen or the profile says otherwise.
Unplugging the camera during a recording stops the session and keeps what
was captured.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = cfg.Server.Listen
		}

		svc, err := service.New(cfg, cfgFile)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
			defer cancel()
			if err := svc.Close(ctx); err != nil {
				slog.Warn("Service did not close cleanly", "error", err)
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hotplug := video.NewHotplugMonitor(func(ev video.DeviceEvent) {
			if ev.Action == "remove" {
				svc.DeviceRemoved(ev.Device)
			}
		})
		if err := hotplug.Start(ctx); err != nil {
			return err
		}
		defer hotplug.Stop()

		slog.Info("CamCapture web server starting", "listen", listen, "config", cfgFile, "profile", cfg.Profile, "backend", svc.GetBackendType())

		if err := server.New(svc, cfgFile, listen).Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "address for the web server (overrides config)")
}
