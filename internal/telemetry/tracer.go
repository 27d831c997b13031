// Package telemetry times the phases of a capture session. It only observes:
// nothing here can fail a session.
package telemetry

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

const (
	TransactionVideoProcessing = "video-processing"
	OperationVideoCapture      = "video-capture"

	SpanAskPermission = "ask-permission"
	SpanTakeVideo     = "take-video"
	SpanBlobMerging   = "blob-merging"

	TagInspectionID = "inspection-id"
)

// Tracer opens transactions
type Tracer interface {
	StartTransaction(name, operation string) Transaction
}

// Transaction groups named spans. Finishing a span that was never started
// is ignored.
type Transaction interface {
	SetTag(key, value string)
	StartSpan(name string)
	FinishSpan(name string)
	Finish()
}

// InspectionID returns the random tag value attached to capture transactions
func InspectionID() string {
	return fmt.Sprintf("Random-%d", rand.Intn(100))
}

// Noop discards everything
type Noop struct{}

func (Noop) StartTransaction(string, string) Transaction { return noopTransaction{} }

type noopTransaction struct{}

func (noopTransaction) SetTag(string, string) {}
func (noopTransaction) StartSpan(string)      {}
func (noopTransaction) FinishSpan(string)     {}
func (noopTransaction) Finish()               {}

// SlogTracer reports finished spans and transactions through a slog.Logger
type SlogTracer struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewSlogTracer creates a tracer logging at debug level. A nil logger uses slog.Default().
func NewSlogTracer(logger *slog.Logger) *SlogTracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogTracer{logger: logger, now: time.Now}
}

func (t *SlogTracer) StartTransaction(name, operation string) Transaction {
	return &slogTransaction{
		tracer:    t,
		name:      name,
		operation: operation,
		started:   t.now(),
		tags:      make(map[string]string),
		spans:     make(map[string]time.Time),
	}
}

type slogTransaction struct {
	tracer    *SlogTracer
	name      string
	operation string
	started   time.Time

	mu    sync.Mutex
	tags  map[string]string
	spans map[string]time.Time
}

func (tx *slogTransaction) SetTag(key, value string) {
	tx.mu.Lock()
	tx.tags[key] = value
	tx.mu.Unlock()
}

func (tx *slogTransaction) StartSpan(name string) {
	tx.mu.Lock()
	tx.spans[name] = tx.tracer.now()
	tx.mu.Unlock()
}

func (tx *slogTransaction) FinishSpan(name string) {
	tx.mu.Lock()
	started, ok := tx.spans[name]
	delete(tx.spans, name)
	tags := tx.attrs()
	tx.mu.Unlock()

	if !ok {
		return
	}

	args := append([]any{
		"transaction", tx.name,
		"span", name,
		"duration", tx.tracer.now().Sub(started),
	}, tags...)
	tx.tracer.logger.Debug("Span finished", args...)
}

func (tx *slogTransaction) Finish() {
	tx.mu.Lock()
	tags := tx.attrs()
	tx.mu.Unlock()

	args := append([]any{
		"transaction", tx.name,
		"operation", tx.operation,
		"duration", tx.tracer.now().Sub(tx.started),
	}, tags...)
	tx.tracer.logger.Debug("Transaction finished", args...)
}

func (tx *slogTransaction) attrs() []any {
	out := make([]any, 0, len(tx.tags)*2)
	for k, v := range tx.tags {
		out = append(out, k, v)
	}
	return out
}
