package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/camcapture/internal/capture"
	"github.com/audiolibrelab/camcapture/internal/recording"
	"github.com/audiolibrelab/camcapture/internal/service"

	"github.com/spf13/cobra"
)

const finalizeTimeout = 10 * time.Second

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record one or more takes from the camera",
	Long: `Record video from the configured camera. Each take ends after --duration or
on Ctrl+C and becomes one recording. With --takes N the takes are recorded back
to back and numbered in order.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolution, _ := cmd.Flags().GetString("resolution")
		bitRate, _ := cmd.Flags().GetString("bit-rate")
		frameRate, _ := cmd.Flags().GetString("frame-rate")
		duration, _ := cmd.Flags().GetDuration("duration")
		takes, _ := cmd.Flags().GetInt("takes")
		output, _ := cmd.Flags().GetString("output")
		playLast, _ := cmd.Flags().GetBool("play")

		if takes < 1 {
			return fmt.Errorf("--takes must be at least 1, got %d", takes)
		}
		if output != "table" && output != "yaml" {
			return fmt.Errorf("unsupported output format: %s (valid: table, yaml)", output)
		}

		overrides := capture.CaptureConfig{
			Resolution: capture.Resolution(resolution),
			BitRate:    capture.BitRate(bitRate),
			FrameRate:  capture.FrameRate(frameRate),
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

		for take := 1; take <= takes; take++ {
			if err := recordTake(ctx, svc, overrides, duration, take); err != nil {
				return err
			}
			if ctx.Err() != nil {
				slog.Info("Interrupted, no further takes")
				break
			}
		}
		svc.WaitEnrichment()

		artifacts := svc.ListArtifacts()
		if err := printArtifacts(cmd.OutOrStdout(), artifacts, output); err != nil {
			return err
		}

		if playLast && len(artifacts) > 0 {
			last := artifacts[len(artifacts)-1]
			if err := svc.Play(context.Background(), last.ID); err != nil {
				return fmt.Errorf("failed to play %s: %w", last.Name, err)
			}
		}
		return nil
	},
}

// recordTake runs one session until the duration elapses, ctx is cancelled
// or the engine stops on its own, and waits for its artifact
func recordTake(ctx context.Context, svc service.Service, overrides capture.CaptureConfig, duration time.Duration, take int) error {
	if err := svc.StartRecording(ctx, overrides); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}

	if duration > 0 {
		slog.Info("Recording", "take", take, "duration", duration)
	} else {
		slog.Info("Recording - Press Ctrl+C to stop", "take", take)
	}

	waitCtx := ctx
	if duration > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	err := svc.WaitIdle(waitCtx)
	if err == nil {
		slog.Warn("Camera stopped on its own", "take", take)
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}

	_, session := svc.GetRecordingStatus()
	if session != nil {
		slog.Info("Stopping recording...", "take", take, "captured", humanize.IBytes(uint64(session.Bytes)))
	}
	if err := svc.StopRecording(); err != nil {
		slog.Warn("Recording teardown reported errors", "error", err)
	}

	finalizeCtx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := svc.WaitIdle(finalizeCtx); err != nil {
		return fmt.Errorf("recording did not finalize: %w", err)
	}
	return nil
}

func printArtifacts(w io.Writer, artifacts []recording.Artifact, format string) error {
	if format == "yaml" {
		out, err := yaml.Marshal(artifacts)
		if err != nil {
			return fmt.Errorf("error marshaling recordings: %w", err)
		}
		_, err = w.Write(out)
		return err
	}

	if len(artifacts) == 0 {
		fmt.Fprintln(w, "No recordings")
		return nil
	}

	rows := make([][]string, 0, len(artifacts))
	var total int64
	for _, a := range artifacts {
		total += a.Size
		dimensions, length := "-", "-"
		if a.VideoWidth != nil && a.VideoHeight != nil {
			dimensions = fmt.Sprintf("%dx%d", *a.VideoWidth, *a.VideoHeight)
		}
		if a.Duration != nil {
			length = time.Duration(*a.Duration * float64(time.Second)).Round(time.Millisecond).String()
		}
		rows = append(rows, []string{
			a.Name, a.SizeLabel, string(a.Resolution), string(a.BitRate), string(a.FrameRate),
			dimensions, length, humanize.Time(a.CreatedAt),
		})
	}

	fmt.Fprintln(w, renderTable(
		[]string{"Name", "Size", "Resolution", "Bit rate", "FPS", "Dimensions", "Duration", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignLeft, alignRight, alignRight, alignLeft, alignRight, alignLeft},
	))
	fmt.Fprintf(w, "\n%d %s, %s in memory\n", len(artifacts), plural(len(artifacts), "recording"), humanize.IBytes(uint64(total)))
	return nil
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func init() {
	recordCmd.Flags().String("resolution", "", "resolution: "+optionValues(capture.Resolutions)+" (overrides config)")
	recordCmd.Flags().String("bit-rate", "", "bit rate: "+optionValues(capture.BitRates)+" (overrides config)")
	recordCmd.Flags().String("frame-rate", "", "frame rate: "+optionValues(capture.FrameRates)+" (overrides config)")
	recordCmd.Flags().Duration("duration", 0, "length of each take, 0 records until Ctrl+C")
	recordCmd.Flags().Int("takes", 1, "number of takes to record")
	recordCmd.Flags().StringP("output", "o", "table", "output format: table, yaml")
	recordCmd.Flags().Bool("play", false, "play the last recording when done")
}

func optionValues[T ~string](catalog []capture.Option[T]) string {
	values := make([]string, len(catalog))
	for i, o := range catalog {
		values[i] = string(o.Value)
	}
	return strings.Join(values, "|")
}
