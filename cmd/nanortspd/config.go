package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/nanortsp"
	"github.com/opd-ai/nanortsp/timecode"
	"github.com/opd-ai/nanortsp/transport"
)

// Configuration is the complete daemon configuration, loadable from a
// YAML file with environment variable overrides.
type Configuration struct {
	RTSP struct {
		ListenAddr  string `yaml:"listen_addr"`
		StreamPath  string `yaml:"stream_path"`
		ServerName  string `yaml:"server_name"`
		MaxSessions int    `yaml:"max_sessions"`
		Fallback    string `yaml:"fallback"`
	} `yaml:"rtsp"`

	HTTP struct {
		Enabled    bool   `yaml:"enabled"`
		ListenAddr string `yaml:"listen_addr"`
		Path       string `yaml:"path"`
	} `yaml:"http"`

	Video struct {
		Width             int    `yaml:"width"`
		Height            int    `yaml:"height"`
		TargetFPS         int    `yaml:"target_fps"`
		MinFPS            int    `yaml:"min_fps"`
		Quality           int    `yaml:"quality"`
		AdaptiveFramerate bool   `yaml:"adaptive_framerate"`
		TimecodeMode      string `yaml:"timecode_mode"`
	} `yaml:"video"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfiguration returns the reference configuration the daemon
// runs with when no file or environment overrides are given.
func DefaultConfiguration() *Configuration {
	defaults := nanortsp.NewOptions()

	config := &Configuration{}
	config.RTSP.ListenAddr = defaults.ListenAddr
	config.RTSP.StreamPath = defaults.StreamPath
	config.RTSP.ServerName = defaults.ServerName
	config.RTSP.MaxSessions = defaults.MaxSessions
	config.RTSP.Fallback = defaults.Fallback.String()

	config.HTTP.Enabled = true
	config.HTTP.ListenAddr = ":80"
	config.HTTP.Path = defaults.HTTPPathToken

	config.Video.Width = defaults.Width
	config.Video.Height = defaults.Height
	config.Video.TargetFPS = defaults.TargetFPS
	config.Video.MinFPS = defaults.MinFPS
	config.Video.Quality = defaults.Quality
	config.Video.AdaptiveFramerate = defaults.AdaptiveFramerate
	config.Video.TimecodeMode = defaults.TimecodeMode.String()

	config.Log.Level = "info"
	config.Log.Format = "text"

	return config
}

// LoadConfiguration loads the daemon configuration: defaults, then the
// YAML file when a path is given, then environment variables, then
// validation.
func LoadConfiguration(configPath string) (*Configuration, error) {
	config := DefaultConfiguration()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func loadFromFile(config *Configuration, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadFromEnvironment applies NANORTSP_* overrides. Unparseable numeric
// or boolean values are ignored in favor of the current setting.
func loadFromEnvironment(config *Configuration) {
	if addr := os.Getenv("NANORTSP_RTSP_ADDR"); addr != "" {
		config.RTSP.ListenAddr = addr
	}
	if path := os.Getenv("NANORTSP_STREAM_PATH"); path != "" {
		config.RTSP.StreamPath = path
	}
	if name := os.Getenv("NANORTSP_SERVER_NAME"); name != "" {
		config.RTSP.ServerName = name
	}
	if maxSessions := os.Getenv("NANORTSP_MAX_SESSIONS"); maxSessions != "" {
		if n, err := strconv.Atoi(maxSessions); err == nil {
			config.RTSP.MaxSessions = n
		}
	}
	if fallback := os.Getenv("NANORTSP_FALLBACK"); fallback != "" {
		config.RTSP.Fallback = fallback
	}

	if enabled := os.Getenv("NANORTSP_HTTP_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.HTTP.Enabled = b
		}
	}
	if addr := os.Getenv("NANORTSP_HTTP_ADDR"); addr != "" {
		config.HTTP.ListenAddr = addr
	}
	if path := os.Getenv("NANORTSP_HTTP_PATH"); path != "" {
		config.HTTP.Path = path
	}

	if width := os.Getenv("NANORTSP_WIDTH"); width != "" {
		if n, err := strconv.Atoi(width); err == nil {
			config.Video.Width = n
		}
	}
	if height := os.Getenv("NANORTSP_HEIGHT"); height != "" {
		if n, err := strconv.Atoi(height); err == nil {
			config.Video.Height = n
		}
	}
	if fps := os.Getenv("NANORTSP_TARGET_FPS"); fps != "" {
		if n, err := strconv.Atoi(fps); err == nil {
			config.Video.TargetFPS = n
		}
	}
	if fps := os.Getenv("NANORTSP_MIN_FPS"); fps != "" {
		if n, err := strconv.Atoi(fps); err == nil {
			config.Video.MinFPS = n
		}
	}
	if quality := os.Getenv("NANORTSP_QUALITY"); quality != "" {
		if n, err := strconv.Atoi(quality); err == nil {
			config.Video.Quality = n
		}
	}
	if adaptive := os.Getenv("NANORTSP_ADAPTIVE"); adaptive != "" {
		if b, err := strconv.ParseBool(adaptive); err == nil {
			config.Video.AdaptiveFramerate = b
		}
	}
	if mode := os.Getenv("NANORTSP_TIMECODE_MODE"); mode != "" {
		config.Video.TimecodeMode = mode
	}

	if level := os.Getenv("NANORTSP_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	if format := os.Getenv("NANORTSP_LOG_FORMAT"); format != "" {
		config.Log.Format = format
	}
}

// Validate checks the configuration and returns an error if invalid.
func (c *Configuration) Validate() error {
	if c.RTSP.ListenAddr == "" {
		return fmt.Errorf("rtsp listen address cannot be empty")
	}
	if !strings.HasPrefix(c.RTSP.StreamPath, "/") {
		return fmt.Errorf("stream path must start with /")
	}
	if c.RTSP.MaxSessions <= 0 {
		return fmt.Errorf("max sessions must be positive")
	}
	if _, err := parseFallback(c.RTSP.Fallback); err != nil {
		return err
	}

	if c.HTTP.Enabled {
		if c.HTTP.ListenAddr == "" {
			return fmt.Errorf("http listen address cannot be empty")
		}
		if !strings.HasPrefix(c.HTTP.Path, "/") {
			return fmt.Errorf("http path must start with /")
		}
	}

	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		return fmt.Errorf("video dimensions must be positive")
	}
	if c.Video.TargetFPS <= 0 {
		return fmt.Errorf("target fps must be positive")
	}
	if c.Video.MinFPS <= 0 || c.Video.MinFPS > c.Video.TargetFPS {
		return fmt.Errorf("min fps must be positive and not exceed target fps")
	}
	if c.Video.Quality < 1 || c.Video.Quality > 100 {
		return fmt.Errorf("quality must be between 1 and 100")
	}
	if _, err := parseTimecodeMode(c.Video.TimecodeMode); err != nil {
		return err
	}

	return nil
}

func parseFallback(value string) (transport.FallbackPolicy, error) {
	switch strings.ToLower(value) {
	case "disabled":
		return transport.FallbackDisabled, nil
	case "auto":
		return transport.FallbackAuto, nil
	case "force-tcp":
		return transport.FallbackForceTCP, nil
	default:
		return 0, fmt.Errorf("unknown fallback policy %q (want disabled, auto or force-tcp)", value)
	}
}

func parseTimecodeMode(value string) (timecode.Mode, error) {
	switch strings.ToLower(value) {
	case "basic":
		return timecode.ModeBasic, nil
	case "advanced":
		return timecode.ModeAdvanced, nil
	case "expert":
		return timecode.ModeExpert, nil
	default:
		return 0, fmt.Errorf("unknown timecode mode %q (want basic, advanced or expert)", value)
	}
}

// serverOptions maps a validated configuration onto server options.
func (c *Configuration) serverOptions() *nanortsp.Options {
	opts := nanortsp.NewOptions()
	opts.ListenAddr = c.RTSP.ListenAddr
	opts.StreamPath = c.RTSP.StreamPath
	opts.HTTPPathToken = c.HTTP.Path
	opts.ServerName = c.RTSP.ServerName
	opts.MaxSessions = c.RTSP.MaxSessions
	opts.Width = c.Video.Width
	opts.Height = c.Video.Height
	opts.TargetFPS = c.Video.TargetFPS
	opts.MinFPS = c.Video.MinFPS
	opts.Quality = c.Video.Quality
	opts.AdaptiveFramerate = c.Video.AdaptiveFramerate
	opts.Fallback, _ = parseFallback(c.RTSP.Fallback)
	opts.TimecodeMode, _ = parseTimecodeMode(c.Video.TimecodeMode)
	return opts
}
