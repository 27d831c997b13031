package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/camcapture/internal/capture"
	"github.com/audiolibrelab/camcapture/internal/recording"
)

func testArtifacts() []recording.Artifact {
	width, height, duration := 640, 480, 2.5
	return []recording.Artifact{
		{
			ID:          "a1",
			Handle:      "blob:camcapture/a1",
			Name:        "VideoRecord-1",
			Resolution:  capture.Resolution480p,
			BitRate:     capture.BitRateDefault,
			FrameRate:   capture.FrameRate30,
			Size:        1536,
			SizeLabel:   "1.5 KB",
			MimeType:    capture.DefaultMimeType,
			CreatedAt:   time.Now(),
			VideoWidth:  &width,
			VideoHeight: &height,
			Duration:    &duration,
		},
		{
			ID:         "a2",
			Handle:     "blob:camcapture/a2",
			Name:       "VideoRecord-2",
			Resolution: capture.ResolutionDefault,
			BitRate:    capture.BitRate8M,
			FrameRate:  capture.FrameRateDefault,
			Size:       512,
			SizeLabel:  "512 Bytes",
			MimeType:   capture.DefaultMimeType,
			CreatedAt:  time.Now(),
		},
	}
}

func TestPrintArtifacts_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printArtifacts(&buf, testArtifacts(), "table"))

	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Equal(t, "2 recordings, 2.0 KiB in memory", lines[len(lines)-1])

	require.Contains(t, out, "NAME")
	row1 := lineContaining(t, lines, "VideoRecord-1")
	require.Contains(t, row1, "640x480")
	require.Contains(t, row1, "2.5s")
	require.Contains(t, row1, "1.5 KB")
	row2 := lineContaining(t, lines, "VideoRecord-2")
	require.Contains(t, row2, "8000000")
	require.Contains(t, row2, "512 Bytes")
	require.NotContains(t, buf.String(), "blob:")
}

func lineContaining(t *testing.T, lines []string, needle string) string {
	t.Helper()
	for _, l := range lines {
		if strings.Contains(l, needle) {
			return l
		}
	}
	t.Fatalf("no line contains %q", needle)
	return ""
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"Status", "Count"}, [][]string{{"ok", "3"}, {"short"}}, []columnAlignment{alignLeft, alignRight})
	require.Contains(t, out, "STATUS")
	require.Contains(t, out, "short")
	require.Empty(t, renderTable(nil, nil, nil))
}

func TestPrintArtifacts_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printArtifacts(&buf, testArtifacts(), "yaml"))
	require.NotContains(t, buf.String(), "blob:")

	var decoded []map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	require.Equal(t, "VideoRecord-1", decoded[0]["name"])
	require.Equal(t, 640, decoded[0]["video_width"])
	require.NotContains(t, decoded[1], "duration")
}

func TestPrintArtifacts_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printArtifacts(&buf, nil, "table"))
	require.Equal(t, "No recordings\n", buf.String())
}

func TestGetInheritanceIndicator(t *testing.T) {
	require.Equal(t, "[global]", getInheritanceIndicator("global"))
	require.Equal(t, "[inherited]", getInheritanceIndicator("inherited"))
	require.Equal(t, "[unknown]", getInheritanceIndicator(""))
}

func TestOptionValues(t *testing.T) {
	require.Equal(t, "default|15|24|30|60", optionValues(capture.FrameRates))
}
