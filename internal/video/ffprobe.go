package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/audiolibrelab/camcapture/internal/config"
	"github.com/audiolibrelab/camcapture/internal/recording"
)

// FFprobeDecoder reads artifact metadata by feeding the content to ffprobe
type FFprobeDecoder struct {
	path string
}

// NewFFprobeDecoder creates a decoder running the ffprobe binary at path
func NewFFprobeDecoder(path string) *FFprobeDecoder {
	if path == "" {
		path = config.DefaultFFprobePath
	}
	return &FFprobeDecoder{path: path}
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (d *FFprobeDecoder) Decode(ctx context.Context, mimeType string, content io.ReadSeeker) (recording.Metadata, error) {
	if _, err := exec.LookPath(d.path); err != nil {
		return recording.Metadata{}, fmt.Errorf("%w: %s not found", recording.ErrEnrichmentUnavailable, d.path)
	}

	cmd := exec.CommandContext(ctx, d.path,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-i", "pipe:0",
	)
	cmd.Stdin = content

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return recording.Metadata{}, ctx.Err()
		}
		return recording.Metadata{}, fmt.Errorf("%w: ffprobe failed: %v (output: %s)",
			recording.ErrEnrichmentUnavailable, err, strings.TrimSpace(stderr.String()))
	}

	md, err := parseProbe(stdout.Bytes())
	if err != nil {
		return recording.Metadata{}, err
	}

	slog.Debug("FFprobe decoded artifact", "type", mimeType, "width", md.VideoWidth, "height", md.VideoHeight, "duration", md.Duration)
	return md, nil
}

// parseProbe extracts the first video stream of ffprobe JSON output. Streamed
// containers often carry no duration; it is then left zero, which the
// artifact list treats as absent.
func parseProbe(data []byte) (recording.Metadata, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return recording.Metadata{}, fmt.Errorf("%w: unreadable ffprobe output: %v", recording.ErrEnrichmentUnavailable, err)
	}

	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		md := recording.Metadata{VideoWidth: s.Width, VideoHeight: s.Height}
		md.Duration = parseDuration(out.Format.Duration)
		if md.Duration == 0 {
			md.Duration = parseDuration(s.Duration)
		}
		return md, nil
	}

	return recording.Metadata{}, fmt.Errorf("%w: no video stream", recording.ErrEnrichmentUnavailable)
}

func parseDuration(s string) float64 {
	d, err := strconv.ParseFloat(s, 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
