package capture

import (
	"fmt"
	"strconv"
	"strings"
)

// Default is the value every capture option accepts to leave the platform unconstrained
const Default = "default"

// Resolution is a "WxH" token or "default"
type Resolution string

// BitRate is a bits-per-second token or "default"
type BitRate string

// FrameRate is a frames-per-second token or "default"
type FrameRate string

const (
	ResolutionDefault Resolution = Default
	Resolution2160p   Resolution = "3840x2160"
	Resolution1080p   Resolution = "1920x1080"
	Resolution720p    Resolution = "1280x720"
	Resolution480p    Resolution = "640x480"
)

const (
	BitRateDefault BitRate = Default
	BitRate8G      BitRate = "8000000000"
	BitRate800M    BitRate = "800000000"
	BitRate8M      BitRate = "8000000"
	BitRate800K    BitRate = "800000"
	BitRate8K      BitRate = "8000"
	BitRate800     BitRate = "800"
)

const (
	FrameRateDefault FrameRate = Default
	FrameRate15      FrameRate = "15"
	FrameRate24      FrameRate = "24"
	FrameRate30      FrameRate = "30"
	FrameRate60      FrameRate = "60"
)

// Option is one selectable entry of an option catalog
type Option[T ~string] struct {
	Label string `json:"label" yaml:"label"`
	Value T      `json:"value" yaml:"value"`
}

// Resolutions lists the selectable resolutions in display order
var Resolutions = []Option[Resolution]{
	{Label: "Default", Value: ResolutionDefault},
	{Label: "4K Ultra HD (3840x2160)", Value: Resolution2160p},
	{Label: "1080p", Value: Resolution1080p},
	{Label: "720p", Value: Resolution720p},
	{Label: "480p", Value: Resolution480p},
}

// BitRates lists the selectable bit rates in display order
var BitRates = []Option[BitRate]{
	{Label: "Default bps", Value: BitRateDefault},
	{Label: "1 GB bps", Value: BitRate8G},
	{Label: "100 MB bps", Value: BitRate800M},
	{Label: "1 MB bps", Value: BitRate8M},
	{Label: "100 KB bps", Value: BitRate800K},
	{Label: "1 KB bps", Value: BitRate8K},
	{Label: "100 Bytes bps", Value: BitRate800},
}

// FrameRates lists the selectable frame rates in display order
var FrameRates = []Option[FrameRate]{
	{Label: "Default FPS", Value: FrameRateDefault},
	{Label: "15 FPS", Value: FrameRate15},
	{Label: "24 FPS", Value: FrameRate24},
	{Label: "30 FPS", Value: FrameRate30},
	{Label: "60 FPS", Value: FrameRate60},
}

// CaptureConfig is the parameter snapshot a recording session is started with.
// It is a value type: a session keeps its own copy, later edits never reach it.
type CaptureConfig struct {
	Resolution Resolution `json:"resolution" yaml:"resolution" mapstructure:"resolution"`
	BitRate    BitRate    `json:"bit_rate" yaml:"bit_rate" mapstructure:"bit_rate"`
	FrameRate  FrameRate  `json:"frame_rate" yaml:"frame_rate" mapstructure:"frame_rate"`
}

// DefaultCaptureConfig leaves every parameter to the platform
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		Resolution: ResolutionDefault,
		BitRate:    BitRateDefault,
		FrameRate:  FrameRateDefault,
	}
}

// Normalize replaces empty fields with "default"
func (c CaptureConfig) Normalize() CaptureConfig {
	if c.Resolution == "" {
		c.Resolution = ResolutionDefault
	}
	if c.BitRate == "" {
		c.BitRate = BitRateDefault
	}
	if c.FrameRate == "" {
		c.FrameRate = FrameRateDefault
	}
	return c
}

// Validate checks every field against its option catalog
func (c CaptureConfig) Validate() error {
	if !inCatalog(Resolutions, c.Resolution) {
		return fmt.Errorf("resolution must be one of %s, got: %q", catalogValues(Resolutions), c.Resolution)
	}
	if !inCatalog(BitRates, c.BitRate) {
		return fmt.Errorf("bit rate must be one of %s, got: %q", catalogValues(BitRates), c.BitRate)
	}
	if !inCatalog(FrameRates, c.FrameRate) {
		return fmt.Errorf("frame rate must be one of %s, got: %q", catalogValues(FrameRates), c.FrameRate)
	}
	return nil
}

// Dimensions splits the resolution token. ok is false for "default".
func (c CaptureConfig) Dimensions() (width, height int, ok bool, err error) {
	if c.Resolution == ResolutionDefault || c.Resolution == "" {
		return 0, 0, false, nil
	}

	w, h, found := strings.Cut(string(c.Resolution), "x")
	if !found {
		return 0, 0, false, fmt.Errorf("resolution %q is not of the form WxH", c.Resolution)
	}

	width, err = strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, false, fmt.Errorf("resolution %q has an invalid width", c.Resolution)
	}
	height, err = strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, false, fmt.Errorf("resolution %q has an invalid height", c.Resolution)
	}

	return width, height, true, nil
}

// FramesPerSecond returns the chosen frame rate. ok is false for "default".
func (c CaptureConfig) FramesPerSecond() (fps int, ok bool, err error) {
	if c.FrameRate == FrameRateDefault || c.FrameRate == "" {
		return 0, false, nil
	}
	fps, err = strconv.Atoi(string(c.FrameRate))
	if err != nil || fps <= 0 {
		return 0, false, fmt.Errorf("frame rate %q is not a positive integer", c.FrameRate)
	}
	return fps, true, nil
}

// BitsPerSecond returns the chosen bit rate. ok is false for "default".
func (c CaptureConfig) BitsPerSecond() (bps int64, ok bool, err error) {
	if c.BitRate == BitRateDefault || c.BitRate == "" {
		return 0, false, nil
	}
	bps, err = strconv.ParseInt(string(c.BitRate), 10, 64)
	if err != nil || bps <= 0 {
		return 0, false, fmt.Errorf("bit rate %q is not a positive integer", c.BitRate)
	}
	return bps, true, nil
}

func inCatalog[T ~string](catalog []Option[T], value T) bool {
	for _, opt := range catalog {
		if opt.Value == value {
			return true
		}
	}
	return false
}

func catalogValues[T ~string](catalog []Option[T]) string {
	values := make([]string, len(catalog))
	for i, opt := range catalog {
		values[i] = string(opt.Value)
	}
	return strings.Join(values, ", ")
}
