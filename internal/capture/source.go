package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

var (
	ErrPermissionDenied = errors.New("permission to use the camera was denied")
	ErrDeviceNotFound   = errors.New("no camera matches the requested constraints")
	ErrNoVideoTrack     = errors.New("acquired source has no video track")
)

// PermissionOrDeviceError reports a failed acquisition
type PermissionOrDeviceError struct {
	Request SourceRequest
	Err     error
}

func (e *PermissionOrDeviceError) Error() string {
	return fmt.Sprintf("cannot acquire video source (%s): %v", e.Request, e.Err)
}

func (e *PermissionOrDeviceError) Unwrap() error {
	return e.Err
}

// SourceRequest is what the Capability Negotiator asks the host platform for.
// Zero width, height or frame rate means unconstrained.
type SourceRequest struct {
	Width     int  `json:"width,omitempty"`
	Height    int  `json:"height,omitempty"`
	FrameRate int  `json:"frame_rate,omitempty"`
	Audio     bool `json:"audio"`
}

func (r SourceRequest) String() string {
	size := "any size"
	if r.Width > 0 && r.Height > 0 {
		size = fmt.Sprintf("%dx%d", r.Width, r.Height)
	}
	rate := "any rate"
	if r.FrameRate > 0 {
		rate = fmt.Sprintf("%d fps", r.FrameRate)
	}
	return size + ", " + rate
}

// TrackKind tells video tracks apart from anything else a platform hands back
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

// Track is one live track of an acquired source. Stop must be safe to call
// on an already stopped track.
type Track interface {
	ID() string
	Kind() TrackKind
	Stop() error
}

// RawSource is the acquisition result as the host platform returns it
type RawSource interface {
	Tracks() []Track
}

// DeviceSource is the host-platform capability that hands out camera sources
type DeviceSource interface {
	RequestVideoSource(ctx context.Context, req SourceRequest) (RawSource, error)
}

// PreviewSink renders a live source while it is recording
type PreviewSink interface {
	Attach(src *Source)
	Detach()
}

// Source is the exclusively owned media source handle of one session. It
// holds the video tracks of an acquisition, rebound into a fresh object so
// teardown never depends on the raw acquisition result.
type Source struct {
	id      string
	request SourceRequest
	tracks  []Track

	releaseOnce sync.Once
	releaseErr  error
	released    bool
	mu          sync.Mutex
}

// NewSource composes a Source out of the video tracks given
func NewSource(req SourceRequest, tracks []Track) *Source {
	video := make([]Track, 0, len(tracks))
	for _, t := range tracks {
		if t.Kind() == TrackVideo {
			video = append(video, t)
		}
	}
	return &Source{
		id:      uuid.NewString(),
		request: req,
		tracks:  video,
	}
}

// ID identifies the source in logs and preview sinks
func (s *Source) ID() string {
	return s.id
}

// Request returns the constraints the source was acquired with
func (s *Source) Request() SourceRequest {
	return s.request
}

// Tracks returns the video tracks of the source
func (s *Source) Tracks() []Track {
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Released reports whether Release has run
func (s *Source) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release stops every track. Only the first call does any work; later
// calls return the first call's result.
func (s *Source) Release() error {
	s.releaseOnce.Do(func() {
		var result *multierror.Error
		for _, t := range s.tracks {
			if err := t.Stop(); err != nil {
				result = multierror.Append(result, fmt.Errorf("unable to stop track '%s': %w", t.ID(), err))
			}
		}
		s.releaseErr = result.ErrorOrNil()

		s.mu.Lock()
		s.released = true
		s.mu.Unlock()
	})
	return s.releaseErr
}
