package video

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/audiolibrelab/camcapture/internal/capture"
	"github.com/audiolibrelab/camcapture/internal/config"
)

// V4L2 discovers Video4Linux capture devices
type V4L2 struct {
	devRoot   string
	sysfsRoot string
}

// NewV4L2 creates a V4L2 instance looking at /dev and sysfs
func NewV4L2() *V4L2 {
	return &V4L2{
		devRoot:   "/dev",
		sysfsRoot: "/sys/class/video4linux",
	}
}

// NewV4L2At creates a V4L2 instance rooted at the given device and sysfs directories
func NewV4L2At(devRoot, sysfsRoot string) *V4L2 {
	return &V4L2{devRoot: devRoot, sysfsRoot: sysfsRoot}
}

// ListDevices returns the /dev/video* nodes, sorted
func (v *V4L2) ListDevices() []string {
	matches, err := filepath.Glob(filepath.Join(v.devRoot, "video*"))
	if err != nil {
		slog.Debug("Failed to list video devices", "error", err)
		return nil
	}
	sort.Strings(matches)
	return matches
}

// DeviceName returns the human readable name the driver reports for a node
func (v *V4L2) DeviceName(device string) string {
	data, err := os.ReadFile(filepath.Join(v.sysfsRoot, filepath.Base(device), "name"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ValidateDevice checks that a device node exists and can be opened for capture
func (v *V4L2) ValidateDevice(device string) error {
	info, err := os.Stat(device)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", capture.ErrDeviceNotFound, device)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", capture.ErrPermissionDenied, device)
	case err != nil:
		return fmt.Errorf("failed to inspect %s: %w", device, err)
	}

	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", capture.ErrDeviceNotFound, device)
	}

	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %s (is the user in the video group?)", capture.ErrPermissionDenied, device)
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", device, err)
	}
	return f.Close()
}

// DeviceTrack is the video track of a V4L2 node. The node itself is opened
// by the capture engine; stopping the track marks it unusable.
type DeviceTrack struct {
	path    string
	stopped atomic.Bool
}

func (t *DeviceTrack) ID() string              { return t.path }
func (t *DeviceTrack) Kind() capture.TrackKind { return capture.TrackVideo }

func (t *DeviceTrack) Stop() error {
	if t.stopped.CompareAndSwap(false, true) {
		slog.Debug("Camera track stopped", "device", t.path)
	}
	return nil
}

// Stopped reports whether Stop has been called
func (t *DeviceTrack) Stopped() bool {
	return t.stopped.Load()
}

type trackSet []capture.Track

func (s trackSet) Tracks() []capture.Track { return s }

// v4l2Devices hands out the configured device, or the first one found.
// Without an ffmpeg binary no device can be captured.
type v4l2Devices struct {
	v4l2       *V4L2
	device     string
	ffmpegPath string
}

func (d *v4l2Devices) RequestVideoSource(ctx context.Context, req capture.SourceRequest) (capture.RawSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !ffmpegAvailable(d.ffmpegPath) {
		path := d.ffmpegPath
		if path == "" {
			path = config.DefaultFFmpegPath
		}
		return nil, fmt.Errorf("%w: capture requires %s, which was not found", capture.ErrDeviceNotFound, path)
	}

	device := d.device
	if device == "" {
		devices := d.v4l2.ListDevices()
		if len(devices) == 0 {
			return nil, fmt.Errorf("%w: no /dev/video* node present", capture.ErrDeviceNotFound)
		}
		device = devices[0]
	}

	if err := d.v4l2.ValidateDevice(device); err != nil {
		return nil, err
	}

	slog.Debug("Camera device acquired", "device", device, "request", req.String())
	return trackSet{&DeviceTrack{path: device}}, nil
}
