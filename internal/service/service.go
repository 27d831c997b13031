package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/audiolibrelab/camcapture/internal/capture"
	"github.com/audiolibrelab/camcapture/internal/config"
	"github.com/audiolibrelab/camcapture/internal/play"
	"github.com/audiolibrelab/camcapture/internal/recording"
	"github.com/audiolibrelab/camcapture/internal/telemetry"
	"github.com/audiolibrelab/camcapture/internal/video"
)

// Service represents the core CamCapture service interface
type Service interface {
	// Recording operations
	StartRecording(ctx context.Context, overrides capture.CaptureConfig) error
	StopRecording() error
	IsRecording() bool
	GetRecordingStatus() (recording.State, *recording.SessionInfo)
	WaitIdle(ctx context.Context) error
	WaitEnrichment()

	// Artifact operations
	ListArtifacts() []recording.Artifact
	OpenArtifact(id string) (*bytes.Reader, recording.Artifact, error)
	Play(ctx context.Context, id string) error

	// Configuration operations
	GetOptions() Options
	LoadProfile(profile string) error
	GetConfig() *config.Config

	// Information operations
	ListSources(ctx context.Context) ([]string, error)
	GetBackendType() video.BackendType
	GetPreviewSource() string
	GetLastError() string
	DeviceRemoved(device string) bool

	Close(ctx context.Context) error
}

// Options are the selectable capture parameters with their display labels
type Options struct {
	Resolutions []capture.Option[capture.Resolution] `json:"resolutions" yaml:"resolutions"`
	BitRates    []capture.Option[capture.BitRate]    `json:"bit_rates" yaml:"bit_rates"`
	FrameRates  []capture.Option[capture.FrameRate]  `json:"frame_rates" yaml:"frame_rates"`
}

// CamCaptureService is the main service implementation
type CamCaptureService struct {
	configFile string

	// lifecycleMu orders session starts against machine swaps
	lifecycleMu sync.Mutex

	mu      sync.RWMutex
	cfg     *config.Config
	backend video.Backend
	machine *recording.Machine

	// Artifacts outlive profile reloads
	store     *recording.BlobStore
	artifacts *recording.ArtifactList

	preview *previewTracker
	player  *play.Player

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a service with the backend selected by cfg
func New(cfg *config.Config, configFile string) (Service, error) {
	backend, err := video.NewBackend(cfg.Video)
	if err != nil {
		return nil, fmt.Errorf("failed to create video backend: %w", err)
	}
	return NewWithBackend(cfg, configFile, backend), nil
}

// NewWithBackend creates a service around an already built backend
func NewWithBackend(cfg *config.Config, configFile string, backend video.Backend) *CamCaptureService {
	s := &CamCaptureService{
		configFile: configFile,
		cfg:        cfg,
		backend:    backend,
		store:      recording.NewBlobStore(),
		artifacts:  recording.NewArtifactList(),
		preview:    &previewTracker{},
		player:     play.New(),
	}
	s.machine = s.newMachine(cfg, backend)
	return s
}

func (s *CamCaptureService) newMachine(cfg *config.Config, backend video.Backend) *recording.Machine {
	return recording.NewMachine(recording.Options{
		Devices:   backend.Devices(),
		Engine:    backend.Engine(),
		Decoder:   backend.Decoder(),
		Alerter:   s,
		Preview:   s.preview,
		Tracer:    telemetry.NewSlogTracer(slog.Default()),
		MimeType:  cfg.Capture.MimeType,
		Store:     s.store,
		Artifacts: s.artifacts,
	})
}

func (s *CamCaptureService) current() *recording.Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.machine
}

// StartRecording starts a session. Empty fields of overrides are taken from
// the loaded profile.
func (s *CamCaptureService) StartRecording(ctx context.Context, overrides capture.CaptureConfig) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.RLock()
	cfg := s.cfg.Capture.CaptureConfig()
	m := s.machine
	s.mu.RUnlock()

	if overrides.Resolution != "" {
		cfg.Resolution = overrides.Resolution
	}
	if overrides.BitRate != "" {
		cfg.BitRate = overrides.BitRate
	}
	if overrides.FrameRate != "" {
		cfg.FrameRate = overrides.FrameRate
	}

	slog.Debug("Service.StartRecording called", "resolution", cfg.Resolution, "bit_rate", cfg.BitRate, "frame_rate", cfg.FrameRate)
	s.clearLastError()

	if err := m.Start(ctx, cfg); err != nil {
		// Acquisition failures already raised their own alert
		if s.GetLastError() == "" {
			s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		}
		return err
	}
	return nil
}

// StopRecording stops the current recording session
func (s *CamCaptureService) StopRecording() error {
	err := s.current().Stop()
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
	}
	return err
}

// DeviceRemoved stops a running session whose camera was unplugged and
// reports whether it did
func (s *CamCaptureService) DeviceRemoved(device string) bool {
	if device == "" || device != s.GetPreviewSource() || !s.IsRecording() {
		return false
	}

	slog.Warn("Camera removed while recording, stopping", "device", device)
	s.setLastError(fmt.Sprintf("Camera %s was disconnected", device))
	if err := s.current().Stop(); err != nil {
		slog.Warn("Recording teardown reported errors", "error", err)
	}
	return true
}

// IsRecording is the start/stop control flag
func (s *CamCaptureService) IsRecording() bool {
	return s.current().IsRecording()
}

// GetRecordingStatus returns the current state and session info
func (s *CamCaptureService) GetRecordingStatus() (recording.State, *recording.SessionInfo) {
	m := s.current()
	state := m.State()
	if state == recording.StateRecording {
		// Auto-clear any previous errors once a session runs
		s.clearLastError()
	}
	return state, m.Session()
}

func (s *CamCaptureService) WaitIdle(ctx context.Context) error {
	return s.current().WaitIdle(ctx)
}

func (s *CamCaptureService) WaitEnrichment() {
	s.current().WaitEnrichment()
}

// ListArtifacts returns every artifact recorded by this process, oldest first
func (s *CamCaptureService) ListArtifacts() []recording.Artifact {
	return s.artifacts.Snapshot()
}

// OpenArtifact dereferences an artifact for playback
func (s *CamCaptureService) OpenArtifact(id string) (*bytes.Reader, recording.Artifact, error) {
	return s.current().OpenArtifact(id)
}

// Play plays an artifact through the local video player
func (s *CamCaptureService) Play(ctx context.Context, id string) error {
	r, a, err := s.OpenArtifact(id)
	if err != nil {
		return err
	}
	return s.player.Play(ctx, a.Name, r)
}

// GetOptions returns the option catalogs
func (s *CamCaptureService) GetOptions() Options {
	return Options{
		Resolutions: capture.Resolutions,
		BitRates:    capture.BitRates,
		FrameRates:  capture.FrameRates,
	}
}

// LoadProfile loads a new configuration profile. It is refused while a
// session is active.
func (s *CamCaptureService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	backend, err := video.NewBackend(newCfg.Video)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}

	s.lifecycleMu.Lock()
	s.mu.Lock()
	old := s.machine
	if state := old.State(); state != recording.StateIdle {
		s.mu.Unlock()
		s.lifecycleMu.Unlock()
		return fmt.Errorf("cannot switch profile: %w (state %s)", recording.ErrSessionActive, state)
	}
	s.cfg = newCfg
	s.backend = backend
	s.machine = s.newMachine(newCfg, backend)
	s.mu.Unlock()
	s.lifecycleMu.Unlock()

	// Let pending enrichment land in the shared list before retiring the old machine
	old.WaitEnrichment()
	if err := old.Close(context.Background()); err != nil {
		slog.Warn("Failed to close previous recording machine", "error", err)
	}

	slog.Info("Profile loaded", "profile", newCfg.Profile, "backend", backend.GetType())
	return nil
}

// GetConfig returns the current configuration
func (s *CamCaptureService) GetConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ListSources lists the camera sources of the active backend
func (s *CamCaptureService) ListSources(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	backend := s.backend
	s.mu.RUnlock()
	return backend.ListSources(ctx)
}

func (s *CamCaptureService) GetBackendType() video.BackendType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend.GetType()
}

// GetPreviewSource returns the device shown by the live preview, empty when
// nothing is attached
func (s *CamCaptureService) GetPreviewSource() string {
	return s.preview.Source()
}

// Alert records a user-facing message raised by the recording machine
func (s *CamCaptureService) Alert(message string) {
	s.setLastError(message)
}

// Close stops any active recording and releases the machine
func (s *CamCaptureService) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := s.current().Close(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	s.preview.Detach()

	// Recordings do not outlive the service
	for _, a := range s.artifacts.Snapshot() {
		s.store.Revoke(a.Handle)
	}
	slog.Debug("Recordings released", "count", s.artifacts.Len())

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("failed to close service: %w", err)
	}
	return nil
}

// GetLastError returns the last error message (thread-safe)
func (s *CamCaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *CamCaptureService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *CamCaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// previewTracker is the live preview of the service: it remembers which
// source is attached so UI surfaces can show it
type previewTracker struct {
	mu     sync.Mutex
	source string
}

// Attach shows the device of the first track, falling back to the source id
func (p *previewTracker) Attach(src *capture.Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = src.ID()
	if tracks := src.Tracks(); len(tracks) > 0 {
		p.source = tracks[0].ID()
	}
	slog.Debug("Preview attached", "source", p.source)
}

func (p *previewTracker) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.source != "" {
		slog.Debug("Preview detached", "source", p.source)
	}
	p.source = ""
}

func (p *previewTracker) Source() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}
