package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/audiolibrelab/camcapture/internal/capture"
)

const (
	DefaultProfile     = "default"
	DefaultListen      = "127.0.0.1:8787"
	DefaultIntervalMs  = 1000
	DefaultFFmpegPath  = "ffmpeg"
	DefaultFFprobePath = "ffprobe"
)

var (
	knownBackends  = []string{"auto", "ffmpeg", "synthetic"}
	knownMimeTypes = []string{"video/webm", "video/mp4", "video/x-matroska"}
)

type GlobalsConfig struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`
}

type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig     `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Capture CaptureSettings `mapstructure:"capture" yaml:"capture"`
	Video   VideoConfig     `mapstructure:"video" yaml:"video"`
	Server  ServerConfig    `mapstructure:"server" yaml:"server"`

	// Profile is the name the config was resolved from
	Profile string `mapstructure:"-" yaml:"-"`
	// Inheritance maps each setting to "default", "inherited", "profile-specific" or "global"
	Inheritance map[string]string `mapstructure:"-" yaml:"-"`
}

type CaptureSettings struct {
	Resolution capture.Resolution `mapstructure:"resolution" yaml:"resolution"`
	BitRate    capture.BitRate    `mapstructure:"bit_rate" yaml:"bit_rate"`
	FrameRate  capture.FrameRate  `mapstructure:"frame_rate" yaml:"frame_rate"`
	MimeType   string             `mapstructure:"mime_type" yaml:"mime_type"`
}

type VideoConfig struct {
	Backend            string `mapstructure:"backend" yaml:"backend"` // "auto", "ffmpeg", "synthetic"
	Device             string `mapstructure:"device" yaml:"device"`   // empty picks the first /dev/video*
	FFmpegPath         string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	FFprobePath        string `mapstructure:"ffprobe_path" yaml:"ffprobe_path"`
	FragmentIntervalMs int    `mapstructure:"fragment_interval_ms" yaml:"fragment_interval_ms"`
}

type ServerConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// CaptureConfig returns the capture options selected by the profile
func (s CaptureSettings) CaptureConfig() capture.CaptureConfig {
	return capture.CaptureConfig{
		Resolution: s.Resolution,
		BitRate:    s.BitRate,
		FrameRate:  s.FrameRate,
	}.Normalize()
}

// DefaultConfig returns the built-in configuration used when no file exists
func DefaultConfig() *Config {
	return &Config{
		Capture: CaptureSettings{
			Resolution: capture.ResolutionDefault,
			BitRate:    capture.BitRateDefault,
			FrameRate:  capture.FrameRateDefault,
			MimeType:   capture.DefaultMimeType,
		},
		Video: VideoConfig{
			Backend:            "auto",
			FFmpegPath:         DefaultFFmpegPath,
			FFprobePath:        DefaultFFprobePath,
			FragmentIntervalMs: DefaultIntervalMs,
		},
		Server: ServerConfig{
			Listen: DefaultListen,
		},
		Profile:     DefaultProfile,
		Inheritance: map[string]string{},
	}
}

// DefaultPath is where the config file is looked up when --config is not given
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "camcapture.yaml"
	}
	return filepath.Join(home, ".config", "camcapture.yaml")
}

// LoadWithProfile resolves a profile from configFile. An empty profile selects
// active_config. A missing file yields the built-in defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		configFile = DefaultPath()
	}
	configFile = ExpandPath(configFile)

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		if profile != "" && profile != DefaultProfile {
			return nil, fmt.Errorf("configuration profile '%s' not found: config file %s does not exist", profile, configFile)
		}
		slog.Debug("Config file not found, using defaults", "file", configFile)
		cfg := DefaultConfig()
		markAll(cfg, "default")
		return cfg, nil
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return Resolve(rootConfig, profile)
}

// Resolve builds the effective config of a profile: built-in defaults, then
// the default profile, then the selected profile, then globals
func Resolve(rootConfig *RootConfig, profile string) (*Config, error) {
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = DefaultProfile
	}

	selected, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	result := DefaultConfig()
	markAll(result, "default")

	if configName != DefaultProfile {
		if defaultProfile, ok := rootConfig.Configs[DefaultProfile]; ok {
			result = mergeConfigs(result, defaultProfile, "inherited")
		}
	}
	result = mergeConfigs(result, selected, "profile-specific")

	if rootConfig.Globals != nil && rootConfig.Globals.Server.Listen != "" {
		result.Server.Listen = rootConfig.Globals.Server.Listen
		result.Inheritance["server.listen"] = "global"
	}

	result.Video.FFmpegPath = ExpandPath(result.Video.FFmpegPath)
	result.Video.FFprobePath = ExpandPath(result.Video.FFprobePath)
	result.Profile = configName

	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed for profile '%s': %w", configName, err)
	}

	return result, nil
}

// mergeConfigs overlays the non-empty fields of profile on base, recording
// origin for every field it takes from profile
func mergeConfigs(base, profile *Config, origin string) *Config {
	result := *base
	result.Inheritance = make(map[string]string, len(base.Inheritance))
	for k, v := range base.Inheritance {
		result.Inheritance[k] = v
	}

	if profile == nil {
		return &result
	}

	set := func(key string, apply bool, fn func()) {
		if apply {
			fn()
			result.Inheritance[key] = origin
		}
	}

	set("capture.resolution", profile.Capture.Resolution != "", func() { result.Capture.Resolution = profile.Capture.Resolution })
	set("capture.bit_rate", profile.Capture.BitRate != "", func() { result.Capture.BitRate = profile.Capture.BitRate })
	set("capture.frame_rate", profile.Capture.FrameRate != "", func() { result.Capture.FrameRate = profile.Capture.FrameRate })
	set("capture.mime_type", profile.Capture.MimeType != "", func() { result.Capture.MimeType = profile.Capture.MimeType })

	set("video.backend", profile.Video.Backend != "", func() { result.Video.Backend = profile.Video.Backend })
	set("video.device", profile.Video.Device != "", func() { result.Video.Device = profile.Video.Device })
	set("video.ffmpeg_path", profile.Video.FFmpegPath != "", func() { result.Video.FFmpegPath = profile.Video.FFmpegPath })
	set("video.ffprobe_path", profile.Video.FFprobePath != "", func() { result.Video.FFprobePath = profile.Video.FFprobePath })
	set("video.fragment_interval_ms", profile.Video.FragmentIntervalMs != 0, func() { result.Video.FragmentIntervalMs = profile.Video.FragmentIntervalMs })

	set("server.listen", profile.Server.Listen != "", func() { result.Server.Listen = profile.Server.Listen })

	return &result
}

func markAll(cfg *Config, origin string) {
	for _, key := range []string{
		"capture.resolution", "capture.bit_rate", "capture.frame_rate", "capture.mime_type",
		"video.backend", "video.device", "video.ffmpeg_path", "video.ffprobe_path", "video.fragment_interval_ms",
		"server.listen",
	} {
		cfg.Inheritance[key] = origin
	}
}

// Validate checks every setting against the values the application accepts
func (c *Config) Validate() error {
	if err := c.Capture.CaptureConfig().Validate(); err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	if c.Capture.MimeType == "" {
		return fmt.Errorf("capture: 'mime_type' is required")
	}
	if !contains(knownMimeTypes, c.Capture.MimeType) {
		return fmt.Errorf("capture: 'mime_type' must be one of %s, got: %s", strings.Join(knownMimeTypes, ", "), c.Capture.MimeType)
	}

	if !contains(knownBackends, strings.ToLower(c.Video.Backend)) {
		return fmt.Errorf("video: 'backend' must be one of %s, got: %s", strings.Join(knownBackends, ", "), c.Video.Backend)
	}
	if c.Video.Device != "" && !strings.HasPrefix(c.Video.Device, "/dev/") {
		return fmt.Errorf("video: 'device' must be a device path under /dev, got: %s", c.Video.Device)
	}
	if c.Video.FragmentIntervalMs < 0 {
		return fmt.Errorf("video: 'fragment_interval_ms' must be >= 0, got: %d", c.Video.FragmentIntervalMs)
	}

	if c.Server.Listen != "" && !strings.Contains(c.Server.Listen, ":") {
		return fmt.Errorf("server: 'listen' must be host:port, got: %s", c.Server.Listen)
	}

	return nil
}

// ValidateConfigurationFormat reads configFile and checks every profile in it
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("CAMCAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// CAMCAPTURE_ACTIVE_CONFIG applies even when the file has no active_config key
	if env := v.GetString("active_config"); env != "" {
		rootConfig.ActiveConfig = env
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section is required and cannot be empty")
	}

	for name, profile := range rootConfig.Configs {
		if profile == nil {
			return nil, fmt.Errorf("config '%s' is empty", name)
		}
		if err := validateProfile(profile); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", name, err)
		}
	}

	if rootConfig.ActiveConfig != "" {
		if _, ok := rootConfig.Configs[rootConfig.ActiveConfig]; !ok {
			return nil, fmt.Errorf("active_config '%s' does not name a profile", rootConfig.ActiveConfig)
		}
	}

	return &rootConfig, nil
}

// validateProfile checks the fields a profile sets; empty fields are inherited
func validateProfile(p *Config) error {
	if p.Capture.Resolution != "" && !inOptions(capture.Resolutions, p.Capture.Resolution) {
		return fmt.Errorf("capture.resolution: unsupported value %q", p.Capture.Resolution)
	}
	if p.Capture.BitRate != "" && !inOptions(capture.BitRates, p.Capture.BitRate) {
		return fmt.Errorf("capture.bit_rate: unsupported value %q", p.Capture.BitRate)
	}
	if p.Capture.FrameRate != "" && !inOptions(capture.FrameRates, p.Capture.FrameRate) {
		return fmt.Errorf("capture.frame_rate: unsupported value %q", p.Capture.FrameRate)
	}
	if p.Capture.MimeType != "" && !contains(knownMimeTypes, p.Capture.MimeType) {
		return fmt.Errorf("capture.mime_type: unsupported value %q", p.Capture.MimeType)
	}
	if p.Video.Backend != "" && !contains(knownBackends, strings.ToLower(p.Video.Backend)) {
		return fmt.Errorf("video.backend: unsupported value %q", p.Video.Backend)
	}
	if p.Video.FragmentIntervalMs < 0 {
		return fmt.Errorf("video.fragment_interval_ms: must be >= 0, got %d", p.Video.FragmentIntervalMs)
	}
	return nil
}

// ListProfiles returns the profile names of configFile, sorted, and the active one
func ListProfiles(configFile string) ([]string, string, error) {
	if configFile == "" {
		configFile = DefaultPath()
	}
	configFile = ExpandPath(configFile)

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		return []string{DefaultProfile}, DefaultProfile, nil
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, "", err
	}

	names := make([]string, 0, len(rootConfig.Configs))
	for name := range rootConfig.Configs {
		names = append(names, name)
	}
	sort.Strings(names)

	active := rootConfig.ActiveConfig
	if active == "" {
		active = DefaultProfile
	}
	return names, active, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}
	configFile = ExpandPath(configFile)

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return err
	}
	if _, ok := rootConfig.Configs[newActiveConfig]; !ok {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	// A fresh instance keeps env overrides out of the written file
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func inOptions[T ~string](options []capture.Option[T], v T) bool {
	for _, o := range options {
		if o.Value == v {
			return true
		}
	}
	return false
}
