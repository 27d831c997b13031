package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/audiolibrelab/camcapture/internal/capture"
	"github.com/audiolibrelab/camcapture/internal/telemetry"
)

// State is the lifecycle position of the session state machine
type State string

const (
	StateIdle       State = "IDLE"
	StateAcquiring  State = "ACQUIRING"
	StateRecording  State = "RECORDING"
	StateFinalizing State = "FINALIZING"
)

var (
	ErrSessionActive = errors.New("a recording session is already active")
	ErrInvalidConfig = errors.New("invalid capture config")
)

// FragmentDeliveryError is a mid-recording fault reported by the capture
// engine. It is logged and never ends the session.
type FragmentDeliveryError struct {
	SessionID string
	Err       error
}

func (e *FragmentDeliveryError) Error() string {
	return fmt.Sprintf("fragment delivery failed in session %s: %v", e.SessionID, e.Err)
}

func (e *FragmentDeliveryError) Unwrap() error {
	return e.Err
}

// Alerter surfaces blocking messages to the user
type Alerter interface {
	Alert(message string)
}

// AlertFunc adapts a function to Alerter
type AlertFunc func(message string)

func (f AlertFunc) Alert(message string) { f(message) }

// Options wires the collaborators of a Machine
type Options struct {
	Devices capture.DeviceSource
	Engine  capture.Engine
	// Decoder is optional; without it artifacts are never enriched
	Decoder Decoder
	Alerter Alerter
	// Preview is optional. Attach and Detach are called with the machine
	// lock held and must not call back into the machine.
	Preview  capture.PreviewSink
	Tracer   telemetry.Tracer
	MimeType string

	// Store and Artifacts let several machines share one artifact list.
	// Both are created when nil.
	Store     *BlobStore
	Artifacts *ArtifactList
}

// Session is the state owned by one start-to-stop recording
type Session struct {
	ID        string
	Config    capture.CaptureConfig
	StartedAt time.Time

	source   *capture.Source
	buffer   *Accumulator
	recorder capture.Recorder
	tx       telemetry.Transaction
	done     chan struct{}
}

// SessionInfo is a read-only view of the active session
type SessionInfo struct {
	ID        string                `json:"id"`
	Config    capture.CaptureConfig `json:"config"`
	StartedAt time.Time             `json:"started_at"`
	SourceID  string                `json:"source_id"`
	Fragments int                   `json:"fragments"`
	Bytes     int64                 `json:"bytes"`
}

// Machine drives one recording session at a time through
// IDLE -> ACQUIRING -> RECORDING -> FINALIZING -> IDLE
type Machine struct {
	negotiator *capture.Negotiator
	engine     capture.Engine
	alerter    Alerter
	preview    capture.PreviewSink
	tracer     telemetry.Tracer
	mimeType   string

	store     *BlobStore
	artifacts *ArtifactList
	assembler *Assembler
	enricher  *Enricher

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	recording bool
	session   *Session
	idle      chan struct{}
}

// NewMachine creates an idle machine with an empty artifact list
func NewMachine(opts Options) *Machine {
	store := opts.Store
	if store == nil {
		store = NewBlobStore()
	}
	artifacts := opts.Artifacts
	if artifacts == nil {
		artifacts = NewArtifactList()
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.Noop{}
	}
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = capture.DefaultMimeType
	}

	idle := make(chan struct{})
	close(idle)

	ctx, cancel := context.WithCancel(context.Background())

	return &Machine{
		negotiator: capture.NewNegotiator(opts.Devices),
		engine:     opts.Engine,
		alerter:    opts.Alerter,
		preview:    opts.Preview,
		tracer:     tracer,
		mimeType:   mimeType,
		store:      store,
		artifacts:  artifacts,
		assembler:  NewAssembler(store, artifacts),
		enricher:   NewEnricher(opts.Decoder, store, artifacts),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
		idle:       idle,
	}
}

// State returns the current lifecycle state
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsRecording is the flag a start/stop control binds to. It turns true on
// entering RECORDING and false the moment a stop is requested.
func (m *Machine) IsRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

// Session returns a view of the active session, nil when idle or acquiring
func (m *Machine) Session() *SessionInfo {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	return &SessionInfo{
		ID:        sess.ID,
		Config:    sess.Config,
		StartedAt: sess.StartedAt,
		SourceID:  sess.source.ID(),
		Fragments: sess.buffer.Len(),
		Bytes:     sess.buffer.Size(),
	}
}

// Artifacts returns the session-local artifact list in chronological order
func (m *Machine) Artifacts() []Artifact {
	return m.artifacts.Snapshot()
}

// Artifact looks up one artifact by id
func (m *Machine) Artifact(id string) (Artifact, error) {
	return m.artifacts.Get(id)
}

// OpenArtifact dereferences the handle of an artifact
func (m *Machine) OpenArtifact(id string) (*bytes.Reader, Artifact, error) {
	a, err := m.artifacts.Get(id)
	if err != nil {
		return nil, Artifact{}, err
	}
	r, err := m.store.Open(a.Handle)
	if err != nil {
		return nil, Artifact{}, err
	}
	return r, a, nil
}

// Start acquires a source for cfg and begins recording. cfg is copied; the
// session never sees later changes. A rejected or failed start leaves the
// machine IDLE.
func (m *Machine) Start(ctx context.Context, cfg capture.CaptureConfig) error {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrSessionActive, state)
	}
	m.state = StateAcquiring
	m.idle = make(chan struct{})
	m.mu.Unlock()

	tx := m.tracer.StartTransaction(telemetry.TransactionVideoProcessing, telemetry.OperationVideoCapture)
	tx.SetTag(telemetry.TagInspectionID, telemetry.InspectionID())

	tx.StartSpan(telemetry.SpanAskPermission)
	src, err := m.negotiator.Acquire(ctx, cfg)
	tx.FinishSpan(telemetry.SpanAskPermission)
	if err != nil {
		m.abort(tx)
		slog.Error("Video source acquisition failed", "error", err)
		m.alert(fmt.Sprintf("Cannot record now: %v", err))
		return err
	}

	bps, _, _ := cfg.BitsPerSecond()
	tx.StartSpan(telemetry.SpanTakeVideo)
	rec, err := m.engine.Start(src, capture.EngineOptions{MimeType: m.mimeType, BitsPerSecond: bps})
	if err != nil {
		if relErr := src.Release(); relErr != nil {
			slog.Warn("Failed to release video source", "source", src.ID(), "error", relErr)
		}
		m.abort(tx)
		slog.Error("Capture engine failed to start", "error", err)
		m.alert(fmt.Sprintf("Cannot record now: %v", err))
		return fmt.Errorf("unable to start capture engine: %w", err)
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Config:    cfg,
		StartedAt: time.Now(),
		source:    src,
		buffer:    NewAccumulator(),
		recorder:  rec,
		tx:        tx,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.session = sess
	m.state = StateRecording
	m.recording = true
	if m.preview != nil {
		m.preview.Attach(src)
	}
	m.mu.Unlock()

	go m.consume(sess)

	slog.Info("Recording started",
		"session", sess.ID,
		"resolution", cfg.Resolution,
		"bit_rate", cfg.BitRate,
		"frame_rate", cfg.FrameRate,
		"mime_type", m.mimeType)
	return nil
}

// Stop requests the end of the active recording. It clears the recording
// flag, asks the engine to stop and releases the source right away; the
// artifact is assembled once the engine confirms it stopped. Without an
// active recording Stop does nothing.
func (m *Machine) Stop() error {
	m.mu.Lock()
	sess := m.session
	if sess == nil || m.state != StateRecording {
		m.mu.Unlock()
		slog.Debug("Stop requested without an active recording")
		return nil
	}
	m.recording = false
	m.state = StateFinalizing
	if m.preview != nil {
		m.preview.Detach()
	}
	m.mu.Unlock()

	slog.Info("Stopping recording", "session", sess.ID)

	var result *multierror.Error
	if err := sess.recorder.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("unable to stop capture engine: %w", err))
	}
	if err := sess.source.Release(); err != nil {
		result = multierror.Append(result, fmt.Errorf("unable to release video source: %w", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		slog.Warn("Recording teardown reported errors", "session", sess.ID, "error", err)
		return err
	}
	return nil
}

// WaitIdle blocks until the machine is IDLE or ctx is done
func (m *Machine) WaitIdle(ctx context.Context) error {
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitEnrichment blocks until every scheduled enrichment finished
func (m *Machine) WaitEnrichment() {
	m.enricher.Wait()
}

// Close stops an active recording, waits for it to finalize and abandons
// pending enrichment
func (m *Machine) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := m.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.WaitIdle(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("recording did not finalize: %w", err))
	}
	m.cancel()
	m.enricher.Wait()
	return result.ErrorOrNil()
}

func (m *Machine) consume(sess *Session) {
	defer close(sess.done)

	for ev := range sess.recorder.Events() {
		switch ev.Kind {
		case capture.EventFragment:
			if !sess.buffer.Append(ev.Fragment) {
				slog.Debug("Fragment dropped", "session", sess.ID, "size", ev.Fragment.Size())
			}
		case capture.EventError:
			err := &FragmentDeliveryError{SessionID: sess.ID, Err: ev.Err}
			slog.Warn("Capture engine reported an error", "error", err)
		case capture.EventStopped:
			m.finalize(sess)
			return
		}
	}

	slog.Warn("Capture engine closed without a stop notification", "session", sess.ID)
	m.finalize(sess)
}

func (m *Machine) finalize(sess *Session) {
	m.mu.Lock()
	engineDriven := m.state == StateRecording
	if engineDriven {
		m.recording = false
		m.state = StateFinalizing
		if m.preview != nil {
			m.preview.Detach()
		}
	}
	m.mu.Unlock()

	if engineDriven {
		slog.Info("Capture engine stopped on its own", "session", sess.ID)
		if err := sess.source.Release(); err != nil {
			slog.Warn("Failed to release video source", "source", sess.source.ID(), "error", err)
		}
	}
	sess.tx.FinishSpan(telemetry.SpanTakeVideo)

	fragments, err := sess.buffer.Drain()
	if err != nil {
		slog.Error("Fragment buffer drained twice", "session", sess.ID, "error", err)
	}

	sess.tx.StartSpan(telemetry.SpanBlobMerging)
	artifact, err := m.assembler.Assemble(fragments, sess.Config)
	sess.tx.FinishSpan(telemetry.SpanBlobMerging)

	switch {
	case errors.Is(err, ErrEmptySession):
		slog.Info("Recording stopped before any fragment arrived, no artifact created", "session", sess.ID)
	case err != nil:
		slog.Error("Artifact assembly failed", "session", sess.ID, "error", err)
	default:
		m.enricher.Enqueue(m.ctx, artifact)
	}
	sess.tx.Finish()

	m.mu.Lock()
	m.session = nil
	m.state = StateIdle
	close(m.idle)
	m.mu.Unlock()

	slog.Debug("Session finalized", "session", sess.ID, "duration", time.Since(sess.StartedAt))
}

func (m *Machine) abort(tx telemetry.Transaction) {
	tx.Finish()

	m.mu.Lock()
	m.state = StateIdle
	close(m.idle)
	m.mu.Unlock()
}

func (m *Machine) alert(message string) {
	if m.alerter != nil {
		m.alerter.Alert(message)
	}
}
