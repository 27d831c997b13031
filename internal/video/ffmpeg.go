package video

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/camcapture/internal/capture"
	"github.com/audiolibrelab/camcapture/internal/config"
	"github.com/audiolibrelab/camcapture/internal/recording"
)

const (
	stopTimeout = 5 * time.Second
	readSize    = 64 * 1024
	tailLines   = 20
)

// container is how a mime type maps onto ffmpeg output options
type container struct {
	format string
	codec  []string
}

var containers = map[string]container{
	"video/webm": {
		format: "webm",
		codec:  []string{"-c:v", "libvpx", "-deadline", "realtime", "-cpu-used", "8"},
	},
	"video/mp4": {
		format: "mp4",
		codec:  []string{"-c:v", "libx264", "-preset", "ultrafast", "-movflags", "frag_keyframe+empty_moov"},
	},
	"video/x-matroska": {
		format: "matroska",
		codec:  []string{"-c:v", "libx264", "-preset", "ultrafast"},
	},
}

// FFmpegBackend captures V4L2 devices with ffmpeg and probes artifacts with ffprobe
type FFmpegBackend struct {
	cfg      config.VideoConfig
	v4l2     *V4L2
	interval time.Duration
}

// NewFFmpegBackend creates an ffmpeg backend
func NewFFmpegBackend(cfg config.VideoConfig, interval time.Duration) *FFmpegBackend {
	return &FFmpegBackend{
		cfg:      cfg,
		v4l2:     NewV4L2(),
		interval: interval,
	}
}

// WithV4L2 makes the backend discover devices through v
func (b *FFmpegBackend) WithV4L2(v *V4L2) *FFmpegBackend {
	b.v4l2 = v
	return b
}

func (b *FFmpegBackend) Devices() capture.DeviceSource {
	return &v4l2Devices{v4l2: b.v4l2, device: b.cfg.Device, ffmpegPath: b.cfg.FFmpegPath}
}

func (b *FFmpegBackend) Engine() capture.Engine {
	return NewFFmpegEngine(b.cfg.FFmpegPath, b.interval)
}

func (b *FFmpegBackend) Decoder() recording.Decoder {
	return NewFFprobeDecoder(b.cfg.FFprobePath)
}

// ListSources returns the V4L2 device nodes with their driver names
func (b *FFmpegBackend) ListSources(ctx context.Context) ([]string, error) {
	devices := b.v4l2.ListDevices()
	sources := make([]string, 0, len(devices))
	for _, device := range devices {
		if name := b.v4l2.DeviceName(device); name != "" {
			sources = append(sources, fmt.Sprintf("%s (%s)", device, name))
			continue
		}
		sources = append(sources, device)
	}
	return sources, nil
}

func (b *FFmpegBackend) ValidateSource(source string) error {
	return b.v4l2.ValidateDevice(source)
}

func (b *FFmpegBackend) GetType() BackendType {
	return BackendTypeFFmpeg
}

// FFmpegEngine records a V4L2 track by running ffmpeg with its output on stdout
type FFmpegEngine struct {
	path     string
	interval time.Duration
}

// NewFFmpegEngine creates an engine. Fragments are cut every interval.
func NewFFmpegEngine(path string, interval time.Duration) *FFmpegEngine {
	if path == "" {
		path = config.DefaultFFmpegPath
	}
	if interval <= 0 {
		interval = time.Duration(config.DefaultIntervalMs) * time.Millisecond
	}
	return &FFmpegEngine{path: path, interval: interval}
}

// buildArgs constructs the ffmpeg command line for a device
func (e *FFmpegEngine) buildArgs(device string, req capture.SourceRequest, opts capture.EngineOptions) ([]string, error) {
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = capture.DefaultMimeType
	}
	out, ok := containers[mimeType]
	if !ok {
		return nil, fmt.Errorf("unsupported mime type for ffmpeg: %s", mimeType)
	}

	args := []string{"-hide_banner", "-nostdin", "-loglevel", "warning", "-f", "v4l2"}
	if req.FrameRate > 0 {
		args = append(args, "-framerate", strconv.Itoa(req.FrameRate))
	}
	if req.Width > 0 && req.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", req.Width, req.Height))
	}
	args = append(args, "-i", device, "-an")
	args = append(args, out.codec...)
	if opts.BitsPerSecond > 0 {
		args = append(args, "-b:v", strconv.FormatInt(opts.BitsPerSecond, 10))
	}
	args = append(args, "-f", out.format, "pipe:1")

	return args, nil
}

// Start launches ffmpeg on the first video track of src
func (e *FFmpegEngine) Start(src *capture.Source, opts capture.EngineOptions) (capture.Recorder, error) {
	tracks := src.Tracks()
	if len(tracks) == 0 {
		return nil, capture.ErrNoVideoTrack
	}
	device := tracks[0].ID()

	args, err := e.buildArgs(device, src.Request(), opts)
	if err != nil {
		return nil, err
	}

	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = capture.DefaultMimeType
	}

	slog.Info("Starting FFmpeg", "command", e.path+" "+strings.Join(args, " "))

	cmd := exec.Command(e.path, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	r := &ffmpegRecorder{
		cmd:      cmd,
		mimeType: mimeType,
		interval: e.interval,
		events:   make(chan capture.Event, 16),
		exited:   make(chan struct{}),
	}

	r.stderrDone.Add(1)
	go r.readOutput(stderr)
	go r.pump(stdout)

	return r, nil
}

type ffmpegRecorder struct {
	cmd      *exec.Cmd
	mimeType string
	interval time.Duration
	events   chan capture.Event

	stopOnce sync.Once
	stopping atomic.Bool
	exited   chan struct{}

	stderrDone sync.WaitGroup
	tailMu     sync.Mutex
	tail       []string
}

func (r *ffmpegRecorder) Events() <-chan capture.Event {
	return r.events
}

// Stop sends SIGINT so ffmpeg finalizes its output, and kills it if it has
// not exited after stopTimeout. It does not wait.
func (r *ffmpegRecorder) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		r.stopping.Store(true)

		slog.Debug("Sending SIGINT to FFmpeg process", "pid", r.cmd.Process.Pid)
		if sigErr := r.cmd.Process.Signal(os.Interrupt); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			slog.Debug("Failed to send interrupt to FFmpeg, falling back to SIGKILL", "error", sigErr)
			if killErr := r.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
				err = fmt.Errorf("failed to stop FFmpeg: %w", killErr)
			}
		}

		go r.killAfter(stopTimeout)
	})
	return err
}

func (r *ffmpegRecorder) killAfter(timeout time.Duration) {
	select {
	case <-r.exited:
	case <-time.After(timeout):
		slog.Warn("FFmpeg did not exit within timeout, force killing")
		if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.Debug("Failed to kill FFmpeg", "error", err)
		}
	}
}

// readOutput logs ffmpeg diagnostics and keeps the last lines for error reports
func (r *ffmpegRecorder) readOutput(pipe io.Reader) {
	defer r.stderrDone.Done()

	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		slog.Debug("FFmpeg output", "stream", "stderr", "line", line)

		r.tailMu.Lock()
		r.tail = append(r.tail, line)
		if len(r.tail) > tailLines {
			r.tail = r.tail[len(r.tail)-tailLines:]
		}
		r.tailMu.Unlock()
	}
}

func (r *ffmpegRecorder) stderrTail() string {
	r.tailMu.Lock()
	defer r.tailMu.Unlock()
	return strings.Join(r.tail, "\n")
}

// pump cuts stdout into fragments every interval, then reports how ffmpeg
// exited and closes the event channel
func (r *ffmpegRecorder) pump(stdout io.Reader) {
	chunks := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		defer close(chunks)
		buf := make([]byte, readSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				chunks <- data
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					readErr <- err
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var pending []byte
	flush := func() {
		if len(pending) == 0 {
			return
		}
		r.events <- capture.Event{
			Kind:     capture.EventFragment,
			Fragment: capture.Fragment{Data: pending, Type: r.mimeType},
		}
		pending = nil
	}

loop:
	for {
		select {
		case data, ok := <-chunks:
			if !ok {
				break loop
			}
			pending = append(pending, data...)
		case <-ticker.C:
			flush()
		}
	}
	flush()

	select {
	case err := <-readErr:
		r.events <- capture.Event{Kind: capture.EventError, Err: fmt.Errorf("failed to read FFmpeg output: %w", err)}
	default:
	}

	r.stderrDone.Wait()
	waitErr := r.cmd.Wait()
	close(r.exited)

	if err := r.exitError(waitErr); err != nil {
		slog.Debug("FFmpeg stderr", "output", r.stderrTail())
		r.events <- capture.Event{Kind: capture.EventError, Err: err}
	}

	r.events <- capture.Event{Kind: capture.EventStopped}
	close(r.events)
}

// exitError interprets how ffmpeg ended. Exits caused by our own stop are
// not errors; anything else means the capture ended on its own.
func (r *ffmpegRecorder) exitError(err error) error {
	if err == nil {
		if !r.stopping.Load() {
			return errors.New("FFmpeg exited before stop was requested")
		}
		slog.Debug("FFmpeg exited successfully")
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && r.stopping.Load() {
		// Exit code 255 is ffmpeg's answer to an interrupt
		if exitErr.ExitCode() == 255 {
			slog.Debug("FFmpeg exited normally after interrupt signal")
			return nil
		}
		if exitErr.ProcessState != nil {
			state := exitErr.ProcessState.String()
			if state == "signal: interrupt" || state == "signal: killed" {
				slog.Debug("FFmpeg exited normally due to signal", "state", state)
				return nil
			}
		}
	}

	if tail := r.stderrTail(); tail != "" {
		return fmt.Errorf("FFmpeg process failed: %w (output: %s)", err, tail)
	}
	return fmt.Errorf("FFmpeg process failed: %w", err)
}
