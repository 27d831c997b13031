package recording

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/audiolibrelab/camcapture/internal/capture"
)

var (
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrAlreadyEnriched  = errors.New("artifact metadata already set")
)

// Artifact is one completed recording. VideoWidth, VideoHeight and Duration
// stay nil until enrichment fills them in.
type Artifact struct {
	ID          string             `json:"id" yaml:"id"`
	Handle      string             `json:"-" yaml:"-"`
	Name        string             `json:"name" yaml:"name"`
	Resolution  capture.Resolution `json:"resolution" yaml:"resolution"`
	BitRate     capture.BitRate    `json:"bit_rate" yaml:"bit_rate"`
	FrameRate   capture.FrameRate  `json:"frame_rate" yaml:"frame_rate"`
	Size        int64              `json:"size" yaml:"size"`
	SizeLabel   string             `json:"size_label" yaml:"size_label"`
	MimeType    string             `json:"type" yaml:"type"`
	CreatedAt   time.Time          `json:"created_at" yaml:"created_at"`
	VideoHeight *int               `json:"video_height,omitempty" yaml:"video_height,omitempty"`
	VideoWidth  *int               `json:"video_width,omitempty" yaml:"video_width,omitempty"`
	Duration    *float64           `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Enriched reports whether decoded metadata has been merged in
func (a Artifact) Enriched() bool {
	return a.Duration != nil || a.VideoWidth != nil || a.VideoHeight != nil
}

// Config returns the capture parameters the artifact was recorded with
func (a Artifact) Config() capture.CaptureConfig {
	return capture.CaptureConfig{Resolution: a.Resolution, BitRate: a.BitRate, FrameRate: a.FrameRate}
}

// Metadata is what a rendering sink reports once an artifact decodes
type Metadata struct {
	Duration    float64
	VideoWidth  int
	VideoHeight int
}

func (md Metadata) empty() bool {
	return md.Duration <= 0 && (md.VideoWidth <= 0 || md.VideoHeight <= 0)
}

// ArtifactList is the session-local, insertion-ordered list of artifacts.
// Every write publishes a fresh slice, so snapshots never change under a reader.
type ArtifactList struct {
	mu    sync.Mutex
	items []Artifact
}

// NewArtifactList creates an empty list
func NewArtifactList() *ArtifactList {
	return &ArtifactList{}
}

// Len returns the number of artifacts
func (l *ArtifactList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Snapshot returns the current list
func (l *ArtifactList) Snapshot() []Artifact {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items
}

// Get looks an artifact up by id
func (l *ArtifactList) Get(id string) (Artifact, error) {
	for _, a := range l.Snapshot() {
		if a.ID == id {
			return a, nil
		}
	}
	return Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
}

// Append adds a to the end of the list. build receives the number of
// artifacts already present, so naming and insertion happen atomically.
func (l *ArtifactList) Append(build func(prior int) Artifact) Artifact {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := build(len(l.items))

	next := make([]Artifact, len(l.items), len(l.items)+1)
	copy(next, l.items)
	l.items = append(next, a)
	return a
}

// Enrich merges decoded metadata into the artifact with the given id. It
// succeeds once per artifact and leaves every other field and artifact alone.
// Zero metadata fields were not observed and stay nil.
func (l *ArtifactList) Enrich(id string, md Metadata) (Artifact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i := range l.items {
		if l.items[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	if l.items[idx].Enriched() {
		return l.items[idx], fmt.Errorf("%w: %s", ErrAlreadyEnriched, id)
	}

	if md.empty() {
		return l.items[idx], fmt.Errorf("%w: nothing decoded for %s", ErrEnrichmentUnavailable, id)
	}

	updated := l.items[idx]
	if md.Duration > 0 {
		duration := md.Duration
		updated.Duration = &duration
	}
	if md.VideoWidth > 0 && md.VideoHeight > 0 {
		width, height := md.VideoWidth, md.VideoHeight
		updated.VideoWidth = &width
		updated.VideoHeight = &height
	}

	next := make([]Artifact, len(l.items))
	copy(next, l.items)
	next[idx] = updated
	l.items = next

	return updated, nil
}
