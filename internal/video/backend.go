package video

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/audiolibrelab/camcapture/internal/capture"
	"github.com/audiolibrelab/camcapture/internal/config"
	"github.com/audiolibrelab/camcapture/internal/recording"
)

// BackendType represents the type of video backend
type BackendType string

const (
	BackendTypeFFmpeg    BackendType = "ffmpeg"
	BackendTypeSynthetic BackendType = "synthetic"
	BackendTypeAuto      BackendType = "auto"
)

// Backend bundles the host-platform collaborators of a recording machine
type Backend interface {
	// Devices hands out camera sources
	Devices() capture.DeviceSource

	// Engine turns a source into a fragment stream
	Engine() capture.Engine

	// Decoder reads metadata back out of an artifact
	Decoder() recording.Decoder

	// List available camera sources
	ListSources(ctx context.Context) ([]string, error)

	// Validate if a source is available
	ValidateSource(source string) error

	// Get the backend type
	GetType() BackendType
}

// NewBackend creates the backend selected by cfg
func NewBackend(cfg config.VideoConfig) (Backend, error) {
	backendType := determineBackend(cfg)
	slog.Debug("Video backend selected", "configured", cfg.Backend, "backend", backendType)

	interval := time.Duration(cfg.FragmentIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Duration(config.DefaultIntervalMs) * time.Millisecond
	}

	switch backendType {
	case BackendTypeFFmpeg:
		return NewFFmpegBackend(cfg, interval), nil
	case BackendTypeSynthetic:
		return NewSyntheticBackend(interval), nil
	default:
		return nil, fmt.Errorf("unknown video backend: %s", cfg.Backend)
	}
}

// determineBackend resolves "auto" to ffmpeg. The synthetic backend is only
// used when configured by name.
func determineBackend(cfg config.VideoConfig) BackendType {
	switch strings.ToLower(cfg.Backend) {
	case "", "auto", "ffmpeg":
		return BackendTypeFFmpeg
	case "synthetic":
		return BackendTypeSynthetic
	default:
		return BackendType(cfg.Backend)
	}
}

func ffmpegAvailable(path string) bool {
	if path == "" {
		path = config.DefaultFFmpegPath
	}
	_, err := exec.LookPath(path)
	return err == nil
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	backends := []BackendType{}

	if ffmpegAvailable("") {
		backends = append(backends, BackendTypeFFmpeg)
	}

	// The synthetic backend needs nothing from the host
	backends = append(backends, BackendTypeSynthetic)

	return backends
}
