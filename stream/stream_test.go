package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestTargetValidate(t *testing.T) {
	require.NoError(t, NewIngestTarget("rtmps://live-api-s.facebook.com:443/rtmp/KEY").Validate())

	tests := []struct {
		name   string
		mutate func(*IngestTarget)
	}{
		{"empty url", func(tg *IngestTarget) { tg.URL = "" }},
		{"relative url", func(tg *IngestTarget) { tg.URL = "live/KEY" }},
		{"container", func(tg *IngestTarget) { tg.Format = "mpegts" }},
		{"odd width", func(tg *IngestTarget) { tg.Video.Width = 1921 }},
		{"odd height", func(tg *IngestTarget) { tg.Video.Height = 719 }},
		{"zero height", func(tg *IngestTarget) { tg.Video.Height = 0 }},
		{"zero video bitrate", func(tg *IngestTarget) { tg.Video.BitrateKbps = 0 }},
		{"negative audio bitrate", func(tg *IngestTarget) { tg.Audio.BitrateKbps = -1 }},
		{"zero fps", func(tg *IngestTarget) { tg.Video.FPS = 0 }},
		{"zero gop", func(tg *IngestTarget) { tg.Video.GOPFrames = 0 }},
		{"sample rate", func(tg *IngestTarget) { tg.Audio.SampleRateHz = 0 }},
		{"rate control", func(tg *IngestTarget) { tg.Video.RateControl = "abr" }},
		{"video codec", func(tg *IngestTarget) { tg.Video.Codec = "vp9" }},
		{"audio codec", func(tg *IngestTarget) { tg.Audio.Codec = "opus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := NewIngestTarget("rtmp://a.rtmp.youtube.com/live2/KEY")
			tt.mutate(&tg)
			err := tg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTarget))
		})
	}
}

func TestIngestTargetRedacted(t *testing.T) {
	tg := NewIngestTarget("rtmps://live-api-s.facebook.com:443/rtmp/FB-123-abc?s_bl=1&a=xyz")
	red := tg.Redacted()
	assert.NotContains(t, red, "FB-123-abc")
	assert.NotContains(t, red, "xyz")
	assert.Contains(t, red, "live-api-s.facebook.com:443/rtmp/")

	assert.Contains(t, tg.Secrets(), "FB-123-abc")

	// no stream key to hide
	assert.Equal(t, "rtmp://localhost/live", NewIngestTarget("rtmp://localhost/live").Redacted())
}

func TestIsDirectMediaURL(t *testing.T) {
	assert.True(t, IsDirectMediaURL("https://cdn.example.com/live/index.m3u8?token=1"))
	assert.True(t, IsDirectMediaURL("https://example.com/clip.mp4"))
	assert.True(t, IsDirectMediaURL("https://rr3---sn-abc.googlevideo.com/videoplayback?id=1"))
	assert.True(t, IsDirectMediaURL("https://manifest.googlevideo.com/api/manifest/hls_playlist/expire/1/index.m3u8"))
	assert.False(t, IsDirectMediaURL("https://www.youtube.com/@channel/live"))
	assert.False(t, IsDirectMediaURL("ftp://example.com/a.m3u8"))
	assert.False(t, IsDirectMediaURL("not a url"))

	assert.True(t, IsHLSURL("https://cdn.example.com/a/b.M3U8"))
	assert.False(t, IsHLSURL("https://example.com/clip.mp4"))
}

func TestDescriptorWithID(t *testing.T) {
	d := Descriptor{ID: "https://www.youtube.com/watch?v=x", Auth: AuthMaterial{CookieFile: "/tmp/c.txt"}}
	direct := d.WithID("https://cdn.example.com/index.m3u8")

	assert.Equal(t, "https://www.youtube.com/watch?v=x", d.ID)
	assert.Equal(t, "/tmp/c.txt", direct.Auth.CookieFile)
	assert.True(t, direct.Direct())
	assert.False(t, d.Direct())
	assert.True(t, AuthMaterial{}.Empty())
}

func TestBlocked(t *testing.T) {
	assert.True(t, Blocked(ErrCloudflareBlocked))
	assert.True(t, Blocked(errors.Join(errors.New("fetch"), ErrPrivateStream)))
	assert.False(t, Blocked(ErrOffline))
}
