package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper-darkly/sticky-relay/gate"
	"github.com/whisper-darkly/sticky-relay/stream"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STICKY_SOURCE", "https://www.youtube.com/@chan/live")
	t.Setenv("STICKY_INGEST", "rtmp://a.rtmp.youtube.com/live2/KEY")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Attempts)
	assert.Equal(t, 30*time.Second, cfg.Backoff.D())
	assert.Equal(t, 45*time.Second, cfg.ProbeTimeout.D())
	assert.Equal(t, 4500, cfg.VideoBitrate.Kbps())
	assert.Equal(t, InputCanonical, cfg.ProducerInput)

	target, err := cfg.Target()
	require.NoError(t, err)
	assert.Equal(t, stream.RateCBR, target.Video.RateControl)
	assert.Equal(t, 1920, target.Video.Width)
	assert.Equal(t, 128, target.Audio.BitrateKbps)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STICKY_SOURCE", "src")
	t.Setenv("STICKY_CHECK_ONLY", "true")
	t.Setenv("STICKY_ATTEMPTS", "5")
	t.Setenv("STICKY_BACKOFF", "1m")
	t.Setenv("STICKY_VIDEO_BITRATE", "2.5M")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate(), "check-only needs no ingest")

	assert.Equal(t, 2500, cfg.VideoBitrate.Kbps())
	assert.Equal(t, gate.Policy{MaxAttempts: 5, Backoff: time.Minute, Scope: gate.ProbeOnly}, cfg.Policy())
}

func TestValidateRejects(t *testing.T) {
	t.Setenv("STICKY_SOURCE", "src")
	t.Setenv("STICKY_INGEST", "rtmp://host/app/key")
	base := func(t *testing.T) *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no source", func(c *Config) { c.Source = " " }},
		{"no ingest", func(c *Config) { c.Ingest = "" }},
		{"zero attempts", func(c *Config) { c.Attempts = 0 }},
		{"zero backoff", func(c *Config) { c.Backoff = 0 }},
		{"producer input", func(c *Config) { c.ProducerInput = "best" }},
		{"producer", func(c *Config) { c.Producer = "vlc" }},
		{"probe", func(c *Config) { c.Probe = " , " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTargetResolution(t *testing.T) {
	t.Setenv("STICKY_INGEST", "rtmp://host/app/key")
	cfg, err := Load()
	require.NoError(t, err)

	cfg.Resolution = "720p"
	target, err := cfg.Target()
	require.NoError(t, err)
	assert.Equal(t, 1280, target.Video.Width)
	assert.Equal(t, 720, target.Video.Height)

	cfg.Resolution = "wide"
	_, err = cfg.Target()
	assert.ErrorIs(t, err, stream.ErrInvalidTarget)

	cfg.Resolution = ""
	cfg.Width = 1279
	_, err = cfg.Target()
	assert.ErrorIs(t, err, stream.ErrInvalidTarget)
}

func TestProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"resolution: 720p\nvideo_bitrate: 3000k\nfps: 60\ngop: 120\nrate_control: vbr\n"), 0o600))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, Bitrate(3000), p.VideoBitrate)

	t.Setenv("STICKY_INGEST", "rtmp://host/app/key")
	cfg, err := Load()
	require.NoError(t, err)

	// fps was given on the command line
	cfg.FPS = 25
	cfg.ApplyProfile(p, func(flag string) bool { return flag == "fps" })

	assert.Equal(t, "720p", cfg.Resolution)
	assert.Equal(t, 3000, cfg.VideoBitrate.Kbps())
	assert.Equal(t, 25, cfg.FPS)
	assert.Equal(t, 120, cfg.GOP)
	assert.Equal(t, "vbr", cfg.RateControl)
	assert.Equal(t, "ultrafast", cfg.Preset)

	target, err := cfg.Target()
	require.NoError(t, err)
	assert.Equal(t, stream.RateVBR, target.Video.RateControl)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("bitrate: 1\n"), 0o600))
	_, err = LoadProfile(bad)
	assert.Error(t, err, "unknown keys are rejected")
}

func TestValueFlags(t *testing.T) {
	var d Duration
	require.NoError(t, d.Set("00:01:30"))
	assert.Equal(t, 90*time.Second, d.D())
	assert.Equal(t, "duration", d.Type())

	var b Bitrate
	require.NoError(t, b.Set("6000"))
	assert.Equal(t, "6000k", b.String())
	assert.Error(t, b.Set("fast"))
}
