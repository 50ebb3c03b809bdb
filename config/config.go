// Package config loads relay settings from STICKY_* environment variables
// with defaults, and an optional YAML encode profile.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/whisper-darkly/sticky-relay/gate"
	"github.com/whisper-darkly/sticky-relay/probe"
	"github.com/whisper-darkly/sticky-relay/process"
	"github.com/whisper-darkly/sticky-relay/stream"
	"github.com/whisper-darkly/sticky-relay/units"
)

// Prefix is prepended to every environment variable name.
const Prefix = "STICKY"

// Producer input modes.
const (
	InputCanonical = "canonical" // hand the producer the source ID as given
	InputResolved  = "resolved"  // hand it the media URL the probe resolved
)

// Config holds everything the relay needs. Values come from the
// environment (with defaults), then from command line flags in main.
type Config struct {
	Source  string `envconfig:"SOURCE"`
	Ingest  string `envconfig:"INGEST"`
	Profile string `envconfig:"PROFILE"`

	// Encode profile
	Resolution   string  `envconfig:"RESOLUTION"`
	Width        int     `envconfig:"WIDTH" default:"1920"`
	Height       int     `envconfig:"HEIGHT" default:"1080"`
	VideoBitrate Bitrate `envconfig:"VIDEO_BITRATE" default:"4500k"`
	AudioBitrate Bitrate `envconfig:"AUDIO_BITRATE" default:"128k"`
	SampleRate   int     `envconfig:"SAMPLE_RATE" default:"44100"`
	FPS          int     `envconfig:"FPS" default:"30"`
	GOP          int     `envconfig:"GOP" default:"60"`
	RateControl  string  `envconfig:"RATE_CONTROL" default:"cbr"`
	Preset       string  `envconfig:"PRESET" default:"ultrafast"`
	Tune         string  `envconfig:"TUNE" default:"zerolatency"`

	// Tools
	Producer       string `envconfig:"PRODUCER"`
	ProducerInput  string `envconfig:"PRODUCER_INPUT" default:"canonical"`
	StreamlinkPath string `envconfig:"STREAMLINK_PATH" default:"streamlink"`
	YtdlpPath      string `envconfig:"YTDLP_PATH" default:"yt-dlp"`
	FFmpegPath     string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	FFmpegLogLevel string `envconfig:"FFMPEG_LOG_LEVEL" default:"warning"`
	ProducerArgs   string `envconfig:"PRODUCER_ARGS"` // extra producer arguments, shell-quoted
	ConsumerArgs   string `envconfig:"CONSUMER_ARGS"` // extra ffmpeg output arguments, shell-quoted

	// Liveness gate
	Probe         string   `envconfig:"PROBE" default:"streamlink,ytdlp,hls"`
	ProbeTimeout  Duration `envconfig:"PROBE_TIMEOUT" default:"45s"`
	Attempts      int      `envconfig:"ATTEMPTS" default:"3"`
	Backoff       Duration `envconfig:"BACKOFF" default:"30s"`
	CheckOnly     bool     `envconfig:"CHECK_ONLY"`
	CheckInterval Duration `envconfig:"CHECK_INTERVAL" default:"0"`
	SleepJitter   Duration `envconfig:"SLEEP_JITTER" default:"0"`

	// Shutdown
	StopGrace    Duration `envconfig:"STOP_GRACE" default:"5s"`
	DrainTimeout Duration `envconfig:"DRAIN_TIMEOUT" default:"0"`

	// Source credentials
	Cookies            string   `envconfig:"COOKIES"`
	CookiesFile        string   `envconfig:"COOKIES_FILE"`
	ExternalCookies    bool     `envconfig:"EXTERNAL_COOKIES"`
	CookiesSafeDomains string   `envconfig:"COOKIES_SAFE_DOMAINS"`
	CookiesJSON        bool     `envconfig:"COOKIES_JSON"`
	CookiesRefresh     Duration `envconfig:"COOKIES_REFRESH" default:"0"`
	UserAgent          string   `envconfig:"USER_AGENT"`
	InsecureTLS        bool     `envconfig:"INSECURE_TLS"`

	// Infrastructure
	LockRedis   string `envconfig:"LOCK_REDIS"`
	MetricsAddr string `envconfig:"METRICS_ADDR"`

	// Logging
	Log          string `envconfig:"LOG"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	OutputFormat string `envconfig:"OUTPUT_FORMAT" default:"normal"`
}

// Load reads the environment. It does not validate; call Validate once
// flags have been applied.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that do not depend on the encode profile.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Source) == "" {
		return fmt.Errorf("source is required")
	}
	if !c.CheckOnly && strings.TrimSpace(c.Ingest) == "" {
		return fmt.Errorf("ingest URL is required unless --check-only is set")
	}
	if c.Attempts < 1 {
		return fmt.Errorf("attempts must be at least 1")
	}
	if c.Backoff <= 0 {
		return fmt.Errorf("backoff must be positive")
	}
	if c.ProducerInput != InputCanonical && c.ProducerInput != InputResolved {
		return fmt.Errorf("producer input must be %q or %q, got %q", InputCanonical, InputResolved, c.ProducerInput)
	}
	if _, err := process.ParseTool(c.Producer); err != nil {
		return err
	}
	if len(probe.ParseNames(c.Probe)) == 0 {
		return fmt.Errorf("at least one probe strategy is required")
	}
	if c.LockRedis != "" {
		if _, err := url.Parse(c.LockRedis); err != nil {
			return fmt.Errorf("invalid lock redis URL: %w", err)
		}
	}
	if c.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg path is required")
	}
	return nil
}

// Target builds and validates the ingest target from the encode settings.
func (c *Config) Target() (stream.IngestTarget, error) {
	t := stream.NewIngestTarget(strings.TrimSpace(c.Ingest))
	w, h := c.Width, c.Height
	if c.Resolution != "" {
		var err error
		if w, h, err = units.ParseResolution(c.Resolution); err != nil {
			return stream.IngestTarget{}, fmt.Errorf("%w: %v", stream.ErrInvalidTarget, err)
		}
	}
	t.Video.Width, t.Video.Height = w, h
	t.Video.BitrateKbps = c.VideoBitrate.Kbps()
	t.Video.RateControl = stream.RateControl(strings.ToLower(c.RateControl))
	t.Video.FPS = c.FPS
	t.Video.GOPFrames = c.GOP
	t.Video.Preset = c.Preset
	t.Video.Tune = c.Tune
	t.Audio.BitrateKbps = c.AudioBitrate.Kbps()
	t.Audio.SampleRateHz = c.SampleRate
	if err := t.Validate(); err != nil {
		return stream.IngestTarget{}, err
	}
	return t, nil
}

// Policy returns the gate policy.
func (c *Config) Policy() gate.Policy {
	scope := gate.ProbeThenStream
	if c.CheckOnly {
		scope = gate.ProbeOnly
	}
	return gate.Policy{MaxAttempts: c.Attempts, Backoff: c.Backoff.D(), Scope: scope}
}

// ProbeOptions returns the options for the probe strategies.
func (c *Config) ProbeOptions() probe.Options {
	return probe.Options{
		StreamlinkPath: c.StreamlinkPath,
		YtdlpPath:      c.YtdlpPath,
		UserAgent:      c.UserAgent,
		InsecureTLS:    c.InsecureTLS,
	}
}

// ProducerTool returns the configured producer tool, empty for automatic.
func (c *Config) ProducerTool() process.Tool {
	tool, _ := process.ParseTool(c.Producer)
	return tool
}

// ProducerBinary returns the executable for tool.
func (c *Config) ProducerBinary(tool process.Tool) string {
	switch tool {
	case process.ToolStreamlink:
		return c.StreamlinkPath
	case process.ToolYtdlp:
		return c.YtdlpPath
	case process.ToolFFmpeg:
		return c.FFmpegPath
	}
	return ""
}

// ProbeTimeoutOr returns the probe timeout, or def when unset.
func (c *Config) ProbeTimeoutOr(def time.Duration) time.Duration {
	if c.ProbeTimeout <= 0 {
		return def
	}
	return c.ProbeTimeout.D()
}
