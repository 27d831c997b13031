package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

var ErrEnrichmentUnavailable = errors.New("artifact metadata is not available")

// Decoder is the rendering sink used for enrichment: it decodes artifact
// content and reports what became observable. Decoders that cannot make
// sense of the content return an error wrapping ErrEnrichmentUnavailable.
type Decoder interface {
	Decode(ctx context.Context, mimeType string, content io.ReadSeeker) (Metadata, error)
}

// Enricher fills in duration and dimensions of artifacts in the background
type Enricher struct {
	decoder   Decoder
	store     *BlobStore
	artifacts *ArtifactList

	wg sync.WaitGroup
}

// NewEnricher creates an enricher. A nil decoder disables enrichment.
func NewEnricher(decoder Decoder, store *BlobStore, artifacts *ArtifactList) *Enricher {
	return &Enricher{
		decoder:   decoder,
		store:     store,
		artifacts: artifacts,
	}
}

// Enqueue schedules enrichment of a. It returns immediately.
func (e *Enricher) Enqueue(ctx context.Context, a Artifact) {
	if e.decoder == nil {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.enrich(ctx, a); err != nil {
			if errors.Is(err, ErrEnrichmentUnavailable) {
				slog.Debug("Artifact metadata unavailable", "name", a.Name, "error", err)
				return
			}
			slog.Warn("Artifact enrichment failed", "name", a.Name, "error", err)
		}
	}()
}

// Wait blocks until every scheduled enrichment finished or gave up
func (e *Enricher) Wait() {
	e.wg.Wait()
}

func (e *Enricher) enrich(ctx context.Context, a Artifact) error {
	content, err := e.store.Open(a.Handle)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEnrichmentUnavailable, err)
	}

	md, err := e.decoder.Decode(ctx, a.MimeType, content)
	if err != nil {
		return err
	}

	updated, err := e.artifacts.Enrich(a.ID, md)
	if err != nil {
		return err
	}

	slog.Debug("Artifact enriched",
		"name", updated.Name,
		"duration", md.Duration,
		"width", md.VideoWidth,
		"height", md.VideoHeight)
	return nil
}
