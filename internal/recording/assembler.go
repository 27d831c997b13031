package recording

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/audiolibrelab/camcapture/internal/capture"
)

var ErrEmptySession = errors.New("session produced no fragments")

var sizeUnits = []string{"Bytes", "KB", "MB", "GB", "TB"}

// BytesToSize renders a byte count with base-1024 units: whole bytes below
// 1 KB, one decimal above, "n/a" for zero. The unit index is
// floor(log1024(bytes)), computed on integers so exact powers of 1024 land on
// their own unit. The decimal rounds half up.
func BytesToSize(bytes int64) string {
	if bytes <= 0 {
		return "n/a"
	}

	i := 0
	for v := bytes; v >= 1024 && i < len(sizeUnits)-1; v /= 1024 {
		i++
	}
	if i == 0 {
		return strconv.FormatInt(bytes, 10) + " " + sizeUnits[0]
	}

	unit := int64(1) << (10 * i)
	rem := bytes % unit * 10
	tenths := bytes/unit*10 + rem/unit
	if 2*(rem%unit) >= unit {
		tenths++
	}
	return strconv.FormatInt(tenths/10, 10) + "." + strconv.FormatInt(tenths%10, 10) + " " + sizeUnits[i]
}

// Concat joins an ordered fragment sequence into one object typed after the
// first fragment
func Concat(fragments []capture.Fragment) (*Blob, error) {
	if len(fragments) == 0 {
		return nil, ErrEmptySession
	}

	total := 0
	for _, f := range fragments {
		total += len(f.Data)
	}

	data := make([]byte, 0, total)
	for _, f := range fragments {
		data = append(data, f.Data...)
	}

	return &Blob{Data: data, Type: fragments[0].Type}, nil
}

// Assembler turns a drained fragment sequence into a listed artifact
type Assembler struct {
	store     *BlobStore
	artifacts *ArtifactList
	now       func() time.Time
}

// NewAssembler creates an assembler writing into store and artifacts
func NewAssembler(store *BlobStore, artifacts *ArtifactList) *Assembler {
	return &Assembler{
		store:     store,
		artifacts: artifacts,
		now:       time.Now,
	}
}

// Assemble concatenates fragments, registers the object and appends the
// resulting artifact to the list
func (a *Assembler) Assemble(fragments []capture.Fragment, cfg capture.CaptureConfig) (Artifact, error) {
	blob, err := Concat(fragments)
	if err != nil {
		return Artifact{}, err
	}

	handle := a.store.Put(blob)

	artifact := a.artifacts.Append(func(prior int) Artifact {
		return Artifact{
			ID:         uuid.NewString(),
			Handle:     handle,
			Name:       fmt.Sprintf("VideoRecord-%d", prior+1),
			Resolution: cfg.Resolution,
			BitRate:    cfg.BitRate,
			FrameRate:  cfg.FrameRate,
			Size:       blob.Size(),
			SizeLabel:  BytesToSize(blob.Size()),
			MimeType:   blob.Type,
			CreatedAt:  a.now(),
		}
	})

	slog.Info("Artifact assembled",
		"name", artifact.Name,
		"fragments", len(fragments),
		"size", humanize.IBytes(uint64(blob.Size())),
		"type", artifact.MimeType)

	return artifact, nil
}
