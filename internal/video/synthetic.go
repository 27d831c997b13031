package video

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/camcapture/internal/capture"
	"github.com/audiolibrelab/camcapture/internal/recording"
)

const (
	SyntheticSourceID   = "synthetic:test-pattern"
	DefaultFragmentSize = 4096

	syntheticMagic  = "CAMSYNTH1"
	syntheticWidth  = 640
	syntheticHeight = 480
	syntheticFPS    = 30
)

// SyntheticBackend produces a test pattern without any camera or external tool
type SyntheticBackend struct {
	devices *SyntheticDevices
	engine  *SyntheticEngine
}

// NewSyntheticBackend creates a backend cutting one fragment per interval
func NewSyntheticBackend(interval time.Duration) *SyntheticBackend {
	return &SyntheticBackend{
		devices: &SyntheticDevices{},
		engine:  &SyntheticEngine{Interval: interval, FragmentSize: DefaultFragmentSize},
	}
}

func (b *SyntheticBackend) Devices() capture.DeviceSource { return b.devices }
func (b *SyntheticBackend) Engine() capture.Engine        { return b.engine }
func (b *SyntheticBackend) Decoder() recording.Decoder    { return SyntheticDecoder{} }

func (b *SyntheticBackend) ListSources(ctx context.Context) ([]string, error) {
	return []string{SyntheticSourceID}, nil
}

func (b *SyntheticBackend) ValidateSource(source string) error {
	if source != SyntheticSourceID {
		return fmt.Errorf("%w: %s", capture.ErrDeviceNotFound, source)
	}
	return nil
}

func (b *SyntheticBackend) GetType() BackendType {
	return BackendTypeSynthetic
}

// SyntheticDevices grants the test-pattern source unless told to refuse
type SyntheticDevices struct {
	// Deny simulates the user refusing camera access
	Deny bool
	// Missing simulates a host without a camera
	Missing bool
}

func (d *SyntheticDevices) RequestVideoSource(ctx context.Context, req capture.SourceRequest) (capture.RawSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Deny {
		return nil, capture.ErrPermissionDenied
	}
	if d.Missing {
		return nil, capture.ErrDeviceNotFound
	}
	return trackSet{&DeviceTrack{path: SyntheticSourceID}}, nil
}

// SyntheticEngine emits one fragment per Interval. The first fragment starts
// with a header line SyntheticDecoder reads back.
type SyntheticEngine struct {
	Interval     time.Duration
	FragmentSize int
	// MaxFragments makes the engine stop on its own, like a lost device. Zero means never.
	MaxFragments int
}

func (e *SyntheticEngine) Start(src *capture.Source, opts capture.EngineOptions) (capture.Recorder, error) {
	if len(src.Tracks()) == 0 {
		return nil, capture.ErrNoVideoTrack
	}

	req := src.Request()
	width, height, fps := req.Width, req.Height, req.FrameRate
	if width == 0 || height == 0 {
		width, height = syntheticWidth, syntheticHeight
	}
	if fps == 0 {
		fps = syntheticFPS
	}

	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = capture.DefaultMimeType
	}

	interval := e.Interval
	if interval <= 0 {
		interval = time.Second
	}
	size := e.FragmentSize
	if size <= 0 {
		size = DefaultFragmentSize
	}

	r := &syntheticRecorder{
		events: make(chan capture.Event, 16),
		stop:   make(chan struct{}),
	}
	header := fmt.Sprintf("%s %d %d %d %d %d\n", syntheticMagic, width, height, fps, size, interval.Milliseconds())

	slog.Debug("Synthetic capture started", "width", width, "height", height, "fps", fps, "interval", interval)
	go r.run(header, mimeType, interval, size, e.MaxFragments)

	return r, nil
}

type syntheticRecorder struct {
	events   chan capture.Event
	stop     chan struct{}
	stopOnce sync.Once
}

func (r *syntheticRecorder) Events() <-chan capture.Event {
	return r.events
}

func (r *syntheticRecorder) Stop() error {
	r.stopOnce.Do(func() { close(r.stop) })
	return nil
}

func (r *syntheticRecorder) run(header, mimeType string, interval time.Duration, size, limit int) {
	defer func() {
		r.events <- capture.Event{Kind: capture.EventStopped}
		close(r.events)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for seq := 1; ; seq++ {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}

		data := make([]byte, 0, len(header)+size)
		if seq == 1 {
			data = append(data, header...)
		}
		for i := 0; i < size; i++ {
			data = append(data, byte(seq+i))
		}

		r.events <- capture.Event{
			Kind:     capture.EventFragment,
			Fragment: capture.Fragment{Data: data, Type: mimeType},
		}

		if limit > 0 && seq >= limit {
			slog.Debug("Synthetic capture reached its fragment limit", "fragments", seq)
			return
		}
	}
}

// SyntheticDecoder reads the header written by SyntheticEngine
type SyntheticDecoder struct{}

func (SyntheticDecoder) Decode(ctx context.Context, mimeType string, content io.ReadSeeker) (recording.Metadata, error) {
	br := bufio.NewReader(content)
	line, err := br.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, syntheticMagic+" ") {
		return recording.Metadata{}, fmt.Errorf("%w: not a synthetic recording", recording.ErrEnrichmentUnavailable)
	}

	var width, height, fps, size int
	var intervalMs int64
	if _, err := fmt.Sscanf(line, syntheticMagic+" %d %d %d %d %d", &width, &height, &fps, &size, &intervalMs); err != nil || size <= 0 {
		return recording.Metadata{}, fmt.Errorf("%w: malformed synthetic header", recording.ErrEnrichmentUnavailable)
	}

	payload, err := io.Copy(io.Discard, br)
	if err != nil {
		return recording.Metadata{}, fmt.Errorf("failed to read synthetic recording: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return recording.Metadata{}, err
	}

	fragments := payload / int64(size)
	return recording.Metadata{
		Duration:    float64(fragments*intervalMs) / 1000,
		VideoWidth:  width,
		VideoHeight: height,
	}, nil
}
