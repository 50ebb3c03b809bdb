package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper-darkly/sticky-relay/config"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"--hls-live-edge", "3"}, tokenize("--hls-live-edge 3"))
	assert.Equal(t, []string{"-metadata", "title=My Show", "-x"}, tokenize(`-metadata "title=My Show"	-x`))
	assert.Equal(t, []string{"a b", "c"}, tokenize(`'a b' c`))
	assert.Empty(t, tokenize("   "))
}

func TestFlagsOverrideEnvironmentAndProfile(t *testing.T) {
	t.Setenv("STICKY_ATTEMPTS", "7")
	t.Setenv("STICKY_FPS", "24")

	profile := filepath.Join(t.TempDir(), "p.yaml")
	require.NoError(t, os.WriteFile(profile, []byte("fps: 60\ngop: 120\nvideo_bitrate: 6M\n"), 0o600))

	cfg, err := config.Load()
	require.NoError(t, err)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	bindFlags(fs, cfg)
	require.NoError(t, fs.Parse([]string{
		"--backoff", "5s",
		"--gop", "90",
		"-p", profile,
		"https://www.youtube.com/@chan/live",
	}))

	p, err := config.LoadProfile(cfg.Profile)
	require.NoError(t, err)
	cfg.ApplyProfile(p, fs.Changed)

	assert.Equal(t, 7, cfg.Attempts, "environment default survives")
	assert.Equal(t, 5*time.Second, cfg.Backoff.D())
	assert.Equal(t, 60, cfg.FPS, "profile beats environment")
	assert.Equal(t, 90, cfg.GOP, "flag beats profile")
	assert.Equal(t, 6000, cfg.VideoBitrate.Kbps())
	assert.Equal(t, []string{"https://www.youtube.com/@chan/live"}, fs.Args())
}
