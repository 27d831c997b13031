package video

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/camcapture/internal/capture"
	"github.com/audiolibrelab/camcapture/internal/config"
	"github.com/audiolibrelab/camcapture/internal/recording"
)

func newTestV4L2(t *testing.T) (*V4L2, string, string) {
	t.Helper()
	dev := t.TempDir()
	sysfs := t.TempDir()
	return &V4L2{devRoot: dev, sysfsRoot: sysfs}, dev, sysfs
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func TestV4L2_ListDevicesSorted(t *testing.T) {
	v, dev, _ := newTestV4L2(t)
	touch(t, filepath.Join(dev, "video2"))
	touch(t, filepath.Join(dev, "video0"))
	touch(t, filepath.Join(dev, "audio0"))

	require.Equal(t, []string{filepath.Join(dev, "video0"), filepath.Join(dev, "video2")}, v.ListDevices())
}

func TestV4L2_DeviceName(t *testing.T) {
	v, dev, sysfs := newTestV4L2(t)
	require.NoError(t, os.MkdirAll(filepath.Join(sysfs, "video0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sysfs, "video0", "name"), []byte("Integrated Camera\n"), 0o644))

	require.Equal(t, "Integrated Camera", v.DeviceName(filepath.Join(dev, "video0")))
	require.Empty(t, v.DeviceName(filepath.Join(dev, "video9")))
}

func TestV4L2_ValidateDevice(t *testing.T) {
	v, dev, _ := newTestV4L2(t)

	err := v.ValidateDevice(filepath.Join(dev, "video0"))
	require.ErrorIs(t, err, capture.ErrDeviceNotFound)

	err = v.ValidateDevice(dev)
	require.ErrorIs(t, err, capture.ErrDeviceNotFound)

	node := filepath.Join(dev, "video1")
	touch(t, node)
	require.NoError(t, v.ValidateDevice(node))
}

func TestV4L2_ValidateDevice_PermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses file permissions")
	}

	v, dev, _ := newTestV4L2(t)
	node := filepath.Join(dev, "video0")
	require.NoError(t, os.WriteFile(node, nil, 0o000))

	err := v.ValidateDevice(node)
	require.ErrorIs(t, err, capture.ErrPermissionDenied)
}

func TestV4L2Devices_RequestVideoSource(t *testing.T) {
	v, dev, _ := newTestV4L2(t)
	ffmpeg := fakeFFmpeg(t, "exit 0\n")
	devices := &v4l2Devices{v4l2: v, ffmpegPath: ffmpeg}

	_, err := devices.RequestVideoSource(context.Background(), capture.SourceRequest{})
	require.ErrorIs(t, err, capture.ErrDeviceNotFound)

	touch(t, filepath.Join(dev, "video3"))
	touch(t, filepath.Join(dev, "video1"))

	raw, err := devices.RequestVideoSource(context.Background(), capture.SourceRequest{Width: 1280, Height: 720})
	require.NoError(t, err)
	tracks := raw.Tracks()
	require.Len(t, tracks, 1)
	require.Equal(t, filepath.Join(dev, "video1"), tracks[0].ID())
	require.Equal(t, capture.TrackVideo, tracks[0].Kind())

	require.NoError(t, tracks[0].Stop())
	require.NoError(t, tracks[0].Stop())
	require.True(t, tracks[0].(*DeviceTrack).Stopped())

	pinned := &v4l2Devices{v4l2: v, device: filepath.Join(dev, "video7"), ffmpegPath: ffmpeg}
	_, err = pinned.RequestVideoSource(context.Background(), capture.SourceRequest{})
	require.ErrorIs(t, err, capture.ErrDeviceNotFound)
}

func TestV4L2Devices_MissingFFmpeg(t *testing.T) {
	v, dev, _ := newTestV4L2(t)
	touch(t, filepath.Join(dev, "video0"))
	devices := &v4l2Devices{v4l2: v, ffmpegPath: filepath.Join(t.TempDir(), "ffmpeg")}

	_, err := devices.RequestVideoSource(context.Background(), capture.SourceRequest{})
	require.ErrorIs(t, err, capture.ErrDeviceNotFound)
	require.Contains(t, err.Error(), "not found")
}

func TestFFmpegEngine_BuildArgs(t *testing.T) {
	e := NewFFmpegEngine("", 0)
	require.Equal(t, config.DefaultFFmpegPath, e.path)
	require.Equal(t, time.Second, e.interval)

	args, err := e.buildArgs("/dev/video0", capture.SourceRequest{}, capture.EngineOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{
		"-hide_banner", "-nostdin", "-loglevel", "warning", "-f", "v4l2",
		"-i", "/dev/video0", "-an",
		"-c:v", "libvpx", "-deadline", "realtime", "-cpu-used", "8",
		"-f", "webm", "pipe:1",
	}, args)

	args, err = e.buildArgs("/dev/video0",
		capture.SourceRequest{Width: 1920, Height: 1080, FrameRate: 30},
		capture.EngineOptions{MimeType: "video/mp4", BitsPerSecond: 8000000})
	require.NoError(t, err)
	require.Subset(t, args, []string{"-framerate", "30", "-video_size", "1920x1080", "-b:v", "8000000", "mp4", "libx264"})

	_, err = e.buildArgs("/dev/video0", capture.SourceRequest{}, capture.EngineOptions{MimeType: "video/ogg"})
	require.Error(t, err)
}

func TestParseProbe(t *testing.T) {
	md, err := parseProbe([]byte(`{
		"streams": [
			{"codec_type": "audio"},
			{"codec_type": "video", "width": 1280, "height": 720, "duration": "4.200000"}
		],
		"format": {"duration": "N/A"}
	}`))
	require.NoError(t, err)
	require.Equal(t, recording.Metadata{Duration: 4.2, VideoWidth: 1280, VideoHeight: 720}, md)

	md, err = parseProbe([]byte(`{"streams": [{"codec_type": "video", "width": 640, "height": 480}], "format": {"duration": "1.5"}}`))
	require.NoError(t, err)
	require.Equal(t, 1.5, md.Duration)

	md, err = parseProbe([]byte(`{"streams": [{"codec_type": "video", "width": 640, "height": 480}], "format": {"duration": "N/A"}}`))
	require.NoError(t, err)
	require.Zero(t, md.Duration)

	_, err = parseProbe([]byte(`{"streams": [{"codec_type": "audio"}], "format": {}}`))
	require.ErrorIs(t, err, recording.ErrEnrichmentUnavailable)

	_, err = parseProbe([]byte(`not json`))
	require.ErrorIs(t, err, recording.ErrEnrichmentUnavailable)
}

func TestFFprobeDecoder_MissingBinary(t *testing.T) {
	d := NewFFprobeDecoder(filepath.Join(t.TempDir(), "ffprobe"))
	_, err := d.Decode(context.Background(), capture.DefaultMimeType, bytes.NewReader([]byte("x")))
	require.ErrorIs(t, err, recording.ErrEnrichmentUnavailable)
}

// collect drains a recorder until its channel closes
func collect(t *testing.T, rec capture.Recorder) []capture.Event {
	t.Helper()
	var events []capture.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-rec.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("recorder did not close its events")
		}
	}
}

func TestSyntheticEngine_RoundTrip(t *testing.T) {
	engine := &SyntheticEngine{Interval: 5 * time.Millisecond, FragmentSize: 64, MaxFragments: 3}
	src := capture.NewSource(capture.SourceRequest{Width: 1280, Height: 720, FrameRate: 24},
		[]capture.Track{&DeviceTrack{path: SyntheticSourceID}})

	rec, err := engine.Start(src, capture.EngineOptions{})
	require.NoError(t, err)

	events := collect(t, rec)
	require.Len(t, events, 4)
	require.Equal(t, capture.EventStopped, events[3].Kind)

	var fragments []capture.Fragment
	for _, ev := range events[:3] {
		require.Equal(t, capture.EventFragment, ev.Kind)
		require.Equal(t, capture.DefaultMimeType, ev.Fragment.Type)
		fragments = append(fragments, ev.Fragment)
	}

	blob, err := recording.Concat(fragments)
	require.NoError(t, err)

	md, err := SyntheticDecoder{}.Decode(context.Background(), blob.Type, bytes.NewReader(blob.Data))
	require.NoError(t, err)
	require.Equal(t, 1280, md.VideoWidth)
	require.Equal(t, 720, md.VideoHeight)
	require.InDelta(t, 0.015, md.Duration, 1e-9)
}

func TestSyntheticEngine_Stop(t *testing.T) {
	engine := &SyntheticEngine{Interval: time.Hour}
	src := capture.NewSource(capture.SourceRequest{}, []capture.Track{&DeviceTrack{path: SyntheticSourceID}})

	rec, err := engine.Start(src, capture.EngineOptions{})
	require.NoError(t, err)
	require.NoError(t, rec.Stop())
	require.NoError(t, rec.Stop())

	events := collect(t, rec)
	require.Equal(t, []capture.Event{{Kind: capture.EventStopped}}, events)
}

func TestSyntheticDecoder_RejectsForeignContent(t *testing.T) {
	_, err := SyntheticDecoder{}.Decode(context.Background(), "video/webm", bytes.NewReader([]byte("\x1aE\xdf\xa3webm")))
	require.ErrorIs(t, err, recording.ErrEnrichmentUnavailable)
}

func TestSyntheticDevices(t *testing.T) {
	d := &SyntheticDevices{Deny: true}
	_, err := d.RequestVideoSource(context.Background(), capture.SourceRequest{})
	require.ErrorIs(t, err, capture.ErrPermissionDenied)

	d = &SyntheticDevices{Missing: true}
	_, err = d.RequestVideoSource(context.Background(), capture.SourceRequest{})
	require.ErrorIs(t, err, capture.ErrDeviceNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&SyntheticDevices{}).RequestVideoSource(ctx, capture.SourceRequest{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(config.VideoConfig{Backend: "synthetic", FragmentIntervalMs: 10})
	require.NoError(t, err)
	require.Equal(t, BackendTypeSynthetic, b.GetType())

	sources, err := b.ListSources(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{SyntheticSourceID}, sources)
	require.NoError(t, b.ValidateSource(SyntheticSourceID))
	require.ErrorIs(t, b.ValidateSource("/dev/video0"), capture.ErrDeviceNotFound)

	b, err = NewBackend(config.VideoConfig{Backend: "FFmpeg", FFprobePath: "ffprobe"})
	require.NoError(t, err)
	require.Equal(t, BackendTypeFFmpeg, b.GetType())

	for _, name := range []string{"", "auto"} {
		b, err = NewBackend(config.VideoConfig{Backend: name})
		require.NoError(t, err)
		require.Equal(t, BackendTypeFFmpeg, b.GetType(), "backend %q", name)
	}

	_, err = NewBackend(config.VideoConfig{Backend: "pipewire"})
	require.Error(t, err)

	require.Contains(t, GetAvailableBackends(), BackendTypeSynthetic)
}

func TestSyntheticBackend_DrivesMachine(t *testing.T) {
	backend := NewSyntheticBackend(5 * time.Millisecond)
	m := recording.NewMachine(recording.Options{
		Devices: backend.Devices(),
		Engine:  backend.Engine(),
		Decoder: backend.Decoder(),
	})

	require.NoError(t, m.Start(context.Background(), capture.CaptureConfig{Resolution: capture.Resolution480p}))
	require.Eventually(t, func() bool {
		info := m.Session()
		return info != nil && info.Fragments >= 2
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitIdle(ctx))
	m.WaitEnrichment()

	artifacts := m.Artifacts()
	require.Len(t, artifacts, 1)
	a := artifacts[0]
	require.Equal(t, "VideoRecord-1", a.Name)
	require.True(t, a.Enriched())
	require.Equal(t, 640, *a.VideoWidth)
	require.Equal(t, 480, *a.VideoHeight)
	require.Greater(t, *a.Duration, 0.0)
}
