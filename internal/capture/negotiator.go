package capture

import (
	"context"
	"errors"
	"log/slog"
)

// Negotiator resolves a CaptureConfig into a source request and acquires the source
type Negotiator struct {
	devices DeviceSource
}

// NewNegotiator creates a negotiator backed by the given device capability
func NewNegotiator(devices DeviceSource) *Negotiator {
	return &Negotiator{devices: devices}
}

// BuildRequest derives the device-source request for cfg. Audio is always excluded.
func BuildRequest(cfg CaptureConfig) (SourceRequest, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return SourceRequest{}, err
	}

	var req SourceRequest

	width, height, ok, err := cfg.Dimensions()
	if err != nil {
		return SourceRequest{}, err
	}
	if ok {
		req.Width = width
		req.Height = height
	}

	fps, ok, err := cfg.FramesPerSecond()
	if err != nil {
		return SourceRequest{}, err
	}
	if ok {
		req.FrameRate = fps
	}

	return req, nil
}

// Acquire requests a source for cfg. Any failure is returned as a
// *PermissionOrDeviceError and nothing of the acquisition is retained.
func (n *Negotiator) Acquire(ctx context.Context, cfg CaptureConfig) (*Source, error) {
	req, err := BuildRequest(cfg)
	if err != nil {
		return nil, err
	}

	slog.Debug("Requesting video source", "request", req.String())

	raw, err := n.devices.RequestVideoSource(ctx, req)
	if err != nil {
		var devErr *PermissionOrDeviceError
		if errors.As(err, &devErr) {
			return nil, devErr
		}
		return nil, &PermissionOrDeviceError{Request: req, Err: err}
	}

	src := NewSource(req, raw.Tracks())

	// the composed source only owns video tracks, anything else is stopped here
	for _, t := range raw.Tracks() {
		if t.Kind() != TrackVideo {
			if err := t.Stop(); err != nil {
				slog.Debug("Failed to stop non-video track", "track", t.ID(), "error", err)
			}
		}
	}

	if len(src.Tracks()) == 0 {
		return nil, &PermissionOrDeviceError{Request: req, Err: ErrNoVideoTrack}
	}

	slog.Debug("Video source acquired", "source", src.ID(), "tracks", len(src.Tracks()))
	return src, nil
}
