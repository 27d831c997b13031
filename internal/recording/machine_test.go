package recording

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/camcapture/internal/capture"
	"github.com/audiolibrelab/camcapture/internal/telemetry"
)

type fakeTrack struct {
	id    string
	kind  capture.TrackKind
	stops atomic.Int32
}

func (t *fakeTrack) ID() string              { return t.id }
func (t *fakeTrack) Kind() capture.TrackKind { return t.kind }
func (t *fakeTrack) Stop() error {
	t.stops.Add(1)
	return nil
}

type fakeRaw struct {
	tracks []capture.Track
}

func (r *fakeRaw) Tracks() []capture.Track { return r.tracks }

type fakeDevices struct {
	mu     sync.Mutex
	err    error
	tracks []*fakeTrack
}

func (d *fakeDevices) RequestVideoSource(ctx context.Context, req capture.SourceRequest) (capture.RawSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	track := &fakeTrack{id: "cam-0", kind: capture.TrackVideo}
	d.tracks = append(d.tracks, track)
	return &fakeRaw{tracks: []capture.Track{track}}, nil
}

func (d *fakeDevices) lastTrack() *fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracks[len(d.tracks)-1]
}

type fakeRecorder struct {
	events  chan capture.Event
	once    sync.Once
	stopErr error
	stops   atomic.Int32

	// deferStop leaves the stopped notification to an explicit finish
	deferStop bool
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{events: make(chan capture.Event, 64)}
}

func (r *fakeRecorder) Events() <-chan capture.Event { return r.events }

func (r *fakeRecorder) Stop() error {
	r.stops.Add(1)
	if !r.deferStop {
		r.finish()
	}
	return r.stopErr
}

func (r *fakeRecorder) finish() {
	r.once.Do(func() {
		r.events <- capture.Event{Kind: capture.EventStopped}
		close(r.events)
	})
}

func (r *fakeRecorder) emit(f capture.Fragment) {
	r.events <- capture.Event{Kind: capture.EventFragment, Fragment: f}
}

type fakeEngine struct {
	mu        sync.Mutex
	err       error
	deferStop bool
	recorders []*fakeRecorder
	options   []capture.EngineOptions
}

func (e *fakeEngine) Start(src *capture.Source, opts capture.EngineOptions) (capture.Recorder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	rec := newFakeRecorder()
	rec.deferStop = e.deferStop
	e.recorders = append(e.recorders, rec)
	e.options = append(e.options, opts)
	return rec, nil
}

func (e *fakeEngine) last() *fakeRecorder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recorders[len(e.recorders)-1]
}

func (e *fakeEngine) started() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.recorders)
}

// sizeDecoder reports the content length as duration
type sizeDecoder struct {
	err error
}

func (d sizeDecoder) Decode(ctx context.Context, mimeType string, content io.ReadSeeker) (Metadata, error) {
	if d.err != nil {
		return Metadata{}, d.err
	}
	n, err := io.Copy(io.Discard, content)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{Duration: float64(n), VideoWidth: 640, VideoHeight: 480}, nil
}

type alertLog struct {
	mu       sync.Mutex
	messages []string
}

func (a *alertLog) Alert(message string) {
	a.mu.Lock()
	a.messages = append(a.messages, message)
	a.mu.Unlock()
}

func (a *alertLog) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.messages)
}

type countingPreview struct {
	attached atomic.Int32
	detached atomic.Int32
}

func (p *countingPreview) Attach(*capture.Source) { p.attached.Add(1) }
func (p *countingPreview) Detach()                { p.detached.Add(1) }

type spanRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *spanRecorder) StartTransaction(name, operation string) telemetry.Transaction {
	r.add("begin " + name)
	return &spanTx{r: r}
}

func (r *spanRecorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *spanRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type spanTx struct {
	r *spanRecorder
}

func (tx *spanTx) SetTag(key, value string) { tx.r.add("tag " + key) }
func (tx *spanTx) StartSpan(name string)    { tx.r.add("start " + name) }
func (tx *spanTx) FinishSpan(name string)   { tx.r.add("finish " + name) }
func (tx *spanTx) Finish()                  { tx.r.add("end") }

type harness struct {
	machine *Machine
	devices *fakeDevices
	engine  *fakeEngine
	alerts  *alertLog
	preview *countingPreview
	tracer  *spanRecorder
}

func newHarness(t *testing.T, decoder Decoder) *harness {
	t.Helper()
	h := &harness{
		devices: &fakeDevices{},
		engine:  &fakeEngine{},
		alerts:  &alertLog{},
		preview: &countingPreview{},
		tracer:  &spanRecorder{},
	}
	h.machine = NewMachine(Options{
		Devices: h.devices,
		Engine:  h.engine,
		Decoder: decoder,
		Alerter: h.alerts,
		Preview: h.preview,
		Tracer:  h.tracer,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.machine.Close(ctx)
	})
	return h
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.machine.WaitIdle(ctx))
}

func TestMachine_RecordsOneArtifact(t *testing.T) {
	h := newHarness(t, nil)
	m := h.machine

	require.Equal(t, StateIdle, m.State())
	require.False(t, m.IsRecording())

	require.NoError(t, m.Start(context.Background(), capture.DefaultCaptureConfig()))
	require.Equal(t, StateRecording, m.State())
	require.True(t, m.IsRecording())
	require.NotNil(t, m.Session())

	rec := h.engine.last()
	rec.emit(fragment(100, 'a'))
	rec.emit(fragment(200, 'b'))
	rec.emit(fragment(300, 'c'))

	require.NoError(t, m.Stop())
	require.False(t, m.IsRecording(), "the flag clears as soon as stop is requested")
	require.EqualValues(t, 1, rec.stops.Load())
	require.EqualValues(t, 1, h.devices.lastTrack().stops.Load())

	h.waitIdle(t)
	require.Equal(t, StateIdle, m.State())
	require.Nil(t, m.Session())

	artifacts := m.Artifacts()
	require.Len(t, artifacts, 1)
	a := artifacts[0]
	require.Equal(t, "VideoRecord-1", a.Name)
	require.Equal(t, "600 Bytes", a.SizeLabel)
	require.EqualValues(t, 600, a.Size)
	require.Equal(t, capture.ResolutionDefault, a.Resolution)
	require.Equal(t, capture.BitRateDefault, a.BitRate)
	require.Equal(t, capture.FrameRateDefault, a.FrameRate)
	require.Equal(t, capture.DefaultMimeType, a.MimeType)

	r, got, err := m.OpenArtifact(a.ID)
	require.NoError(t, err)
	require.Equal(t, a.ID, got.ID)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	expected := append(append(bytes.Repeat([]byte{'a'}, 100), bytes.Repeat([]byte{'b'}, 200)...), bytes.Repeat([]byte{'c'}, 300)...)
	require.Equal(t, expected, content, "fragments are concatenated in arrival order")

	require.EqualValues(t, 1, h.preview.attached.Load())
	require.EqualValues(t, 1, h.preview.detached.Load())
	require.Zero(t, h.alerts.count())
}

func TestMachine_RecordsRequestedOptions(t *testing.T) {
	h := newHarness(t, nil)
	m := h.machine

	cfg := capture.CaptureConfig{
		Resolution: capture.Resolution720p,
		BitRate:    capture.BitRateDefault,
		FrameRate:  capture.FrameRate30,
	}
	require.NoError(t, m.Start(context.Background(), cfg))
	require.Equal(t, cfg, m.Session().Config)

	rec := h.engine.last()
	rec.emit(fragment(1024, 'h'))
	require.NoError(t, m.Stop())
	h.waitIdle(t)

	artifacts := m.Artifacts()
	require.Len(t, artifacts, 1)
	a := artifacts[0]
	require.Equal(t, "VideoRecord-1", a.Name)
	require.Equal(t, capture.Resolution720p, a.Resolution)
	require.Equal(t, capture.BitRateDefault, a.BitRate)
	require.Equal(t, capture.FrameRate30, a.FrameRate)
	require.Equal(t, "1.0 KB", a.SizeLabel)
	require.Equal(t, capture.EngineOptions{MimeType: capture.DefaultMimeType}, h.engine.options[0])
}

func TestMachine_FragmentAfterStopBelongsToSession(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.deferStop = true
	m := h.machine

	require.NoError(t, m.Start(context.Background(), capture.DefaultCaptureConfig()))
	rec := h.engine.last()
	rec.emit(fragment(10, 'a'))

	require.NoError(t, m.Stop())
	require.False(t, m.IsRecording())
	require.Equal(t, StateFinalizing, m.State())
	require.Empty(t, m.Artifacts(), "nothing is assembled before the engine confirms the stop")

	rec.emit(fragment(5, 'z'))
	rec.finish()
	h.waitIdle(t)

	artifacts := m.Artifacts()
	require.Len(t, artifacts, 1)
	require.EqualValues(t, 15, artifacts[0].Size)

	r, _, err := m.OpenArtifact(artifacts[0].ID)
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, append(bytes.Repeat([]byte{'a'}, 10), bytes.Repeat([]byte{'z'}, 5)...), content)
}

func TestMachine_SecondRecordingIsNumberedAfterFirst(t *testing.T) {
	h := newHarness(t, nil)
	m := h.machine

	for i := 0; i < 2; i++ {
		require.NoError(t, m.Start(context.Background(), capture.DefaultCaptureConfig()))
		h.engine.last().emit(fragment(10, 'x'))
		require.NoError(t, m.Stop())
		h.waitIdle(t)
	}

	artifacts := m.Artifacts()
	require.Len(t, artifacts, 2)
	require.Equal(t, "VideoRecord-1", artifacts[0].Name)
	require.Equal(t, "VideoRecord-2", artifacts[1].Name)
}

func TestMachine_PassesBitRateToEngine(t *testing.T) {
	h := newHarness(t, nil)

	cfg := capture.CaptureConfig{BitRate: capture.BitRate8M}
	require.NoError(t, h.machine.Start(context.Background(), cfg))
	require.NoError(t, h.machine.Stop())
	h.waitIdle(t)

	require.Equal(t, capture.EngineOptions{MimeType: capture.DefaultMimeType, BitsPerSecond: 8_000_000}, h.engine.options[0])
}

func TestMachine_DeniedPermission(t *testing.T) {
	h := newHarness(t, nil)
	h.devices.err = capture.ErrPermissionDenied

	err := h.machine.Start(context.Background(), capture.DefaultCaptureConfig())
	require.Error(t, err)
	require.ErrorIs(t, err, capture.ErrPermissionDenied)

	var pde *capture.PermissionOrDeviceError
	require.True(t, errors.As(err, &pde))

	require.Equal(t, StateIdle, h.machine.State())
	require.False(t, h.machine.IsRecording())
	require.Empty(t, h.machine.Artifacts())
	require.Equal(t, 1, h.alerts.count(), "the user is alerted exactly once")
	require.Zero(t, h.engine.started())
	require.Zero(t, h.preview.attached.Load())

	h.devices.err = nil
	require.NoError(t, h.machine.Start(context.Background(), capture.DefaultCaptureConfig()), "a failed start leaves the machine reusable")
}

func TestMachine_EngineStartFailureReleasesSource(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.err = errors.New("codec unavailable")

	err := h.machine.Start(context.Background(), capture.DefaultCaptureConfig())
	require.Error(t, err)
	require.Equal(t, StateIdle, h.machine.State())
	require.False(t, h.machine.IsRecording())
	require.EqualValues(t, 1, h.devices.lastTrack().stops.Load())
	require.Equal(t, 1, h.alerts.count())
}

func TestMachine_InvalidConfigDoesNotAcquire(t *testing.T) {
	h := newHarness(t, nil)

	err := h.machine.Start(context.Background(), capture.CaptureConfig{Resolution: "999x999"})
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Equal(t, StateIdle, h.machine.State())
	require.Empty(t, h.devices.tracks)
}

func TestMachine_EmptySessionCreatesNoArtifact(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.machine.Start(context.Background(), capture.DefaultCaptureConfig()))
	require.NoError(t, h.machine.Stop())
	h.waitIdle(t)

	require.Empty(t, h.machine.Artifacts())
	require.Equal(t, StateIdle, h.machine.State())
}

func TestMachine_SecondStartIsRejected(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.machine.Start(context.Background(), capture.DefaultCaptureConfig()))

	err := h.machine.Start(context.Background(), capture.DefaultCaptureConfig())
	require.ErrorIs(t, err, ErrSessionActive)
	require.Equal(t, 1, h.engine.started())
	require.Len(t, h.devices.tracks, 1)
	require.True(t, h.machine.IsRecording())
}

func TestMachine_StopWhileIdleIsNoop(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.machine.Stop())
	require.Equal(t, StateIdle, h.machine.State())
	require.Empty(t, h.machine.Artifacts())
}

func TestMachine_EngineDrivenStop(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.machine.Start(context.Background(), capture.DefaultCaptureConfig()))
	rec := h.engine.last()
	rec.emit(fragment(42, 'e'))
	rec.finish()

	h.waitIdle(t)
	require.False(t, h.machine.IsRecording())
	require.EqualValues(t, 1, h.devices.lastTrack().stops.Load())
	require.EqualValues(t, 1, h.preview.detached.Load())
	require.Len(t, h.machine.Artifacts(), 1)
	require.Equal(t, "42 Bytes", h.machine.Artifacts()[0].SizeLabel)
}

func TestMachine_FragmentErrorKeepsRecording(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.machine.Start(context.Background(), capture.DefaultCaptureConfig()))
	rec := h.engine.last()
	rec.emit(fragment(10, 'a'))
	rec.events <- capture.Event{Kind: capture.EventError, Err: errors.New("dropped frame")}
	rec.emit(fragment(10, 'b'))

	require.Eventually(t, func() bool {
		info := h.machine.Session()
		return info != nil && info.Fragments == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, StateRecording, h.machine.State())
	require.True(t, h.machine.IsRecording())

	require.NoError(t, h.machine.Stop())
	h.waitIdle(t)
	require.Equal(t, "20 Bytes", h.machine.Artifacts()[0].SizeLabel)
}

func TestMachine_StopErrorStillFinalizes(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.machine.Start(context.Background(), capture.DefaultCaptureConfig()))
	rec := h.engine.last()
	rec.stopErr = errors.New("engine already gone")
	rec.emit(fragment(10, 'a'))

	err := h.machine.Stop()
	require.Error(t, err)
	require.False(t, h.machine.IsRecording())

	h.waitIdle(t)
	require.Len(t, h.machine.Artifacts(), 1)
}

func TestMachine_EnrichmentTouchesOnlyItsArtifact(t *testing.T) {
	h := newHarness(t, sizeDecoder{})
	m := h.machine

	for _, size := range []int{100, 250} {
		require.NoError(t, m.Start(context.Background(), capture.DefaultCaptureConfig()))
		h.engine.last().emit(fragment(size, 'v'))
		require.NoError(t, m.Stop())
		h.waitIdle(t)
	}
	m.WaitEnrichment()

	artifacts := m.Artifacts()
	require.Len(t, artifacts, 2)
	for i, size := range []float64{100, 250} {
		a := artifacts[i]
		require.True(t, a.Enriched(), a.Name)
		require.Equal(t, size, *a.Duration)
		require.Equal(t, 640, *a.VideoWidth)
		require.Equal(t, 480, *a.VideoHeight)
		require.EqualValues(t, size, a.Size)
	}
	require.Equal(t, "VideoRecord-1", artifacts[0].Name)
	require.Equal(t, "VideoRecord-2", artifacts[1].Name)
}

func TestMachine_UnavailableMetadataLeavesArtifactUnenriched(t *testing.T) {
	h := newHarness(t, sizeDecoder{err: ErrEnrichmentUnavailable})

	require.NoError(t, h.machine.Start(context.Background(), capture.DefaultCaptureConfig()))
	h.engine.last().emit(fragment(10, 'v'))
	require.NoError(t, h.machine.Stop())
	h.waitIdle(t)
	h.machine.WaitEnrichment()

	artifacts := h.machine.Artifacts()
	require.Len(t, artifacts, 1)
	require.False(t, artifacts[0].Enriched())
}

func TestMachine_TracesSessionPhases(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.machine.Start(context.Background(), capture.DefaultCaptureConfig()))
	h.engine.last().emit(fragment(10, 'v'))
	require.NoError(t, h.machine.Stop())
	h.waitIdle(t)

	require.Equal(t, []string{
		"begin " + telemetry.TransactionVideoProcessing,
		"tag " + telemetry.TagInspectionID,
		"start " + telemetry.SpanAskPermission,
		"finish " + telemetry.SpanAskPermission,
		"start " + telemetry.SpanTakeVideo,
		"finish " + telemetry.SpanTakeVideo,
		"start " + telemetry.SpanBlobMerging,
		"finish " + telemetry.SpanBlobMerging,
		"end",
	}, h.tracer.list())
}

func TestMachine_OpenUnknownArtifact(t *testing.T) {
	h := newHarness(t, nil)

	_, _, err := h.machine.OpenArtifact("nope")
	require.ErrorIs(t, err, ErrArtifactNotFound)
}
