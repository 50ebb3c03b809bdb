package stream

import (
	"fmt"
	"net/url"
	"strings"
)

// ContainerFormat is the muxer used towards the ingest endpoint.
type ContainerFormat string

const FormatFLV ContainerFormat = "flv"

// RateControl selects how the video bitrate is enforced.
type RateControl string

const (
	RateCBR RateControl = "cbr" // minrate = maxrate = bufsize = bitrate
	RateVBR RateControl = "vbr" // bitrate is a target, maxrate caps it
)

// VideoProfile describes the encoded video pushed to the endpoint.
type VideoProfile struct {
	Codec       string // "h264"
	Width       int
	Height      int
	BitrateKbps int
	RateControl RateControl
	GOPFrames   int // keyframe interval
	FPS         int // fixed output frame rate
	Preset      string
	Tune        string
}

// AudioProfile describes the encoded audio pushed to the endpoint.
type AudioProfile struct {
	Codec        string // "aac"
	BitrateKbps  int
	SampleRateHz int
}

// IngestTarget is where and how the relay pushes. URL embeds the stream key.
type IngestTarget struct {
	URL    string
	Format ContainerFormat
	Video  VideoProfile
	Audio  AudioProfile
}

// DefaultVideoProfile is 1080p30 H.264 CBR 4500k with a two second GOP.
func DefaultVideoProfile() VideoProfile {
	return VideoProfile{
		Codec:       "h264",
		Width:       1920,
		Height:      1080,
		BitrateKbps: 4500,
		RateControl: RateCBR,
		GOPFrames:   60,
		FPS:         30,
		Preset:      "ultrafast",
		Tune:        "zerolatency",
	}
}

// DefaultAudioProfile is AAC 128k at 44.1kHz.
func DefaultAudioProfile() AudioProfile {
	return AudioProfile{Codec: "aac", BitrateKbps: 128, SampleRateHz: 44100}
}

// NewIngestTarget returns an FLV target for rawURL with the default profiles.
func NewIngestTarget(rawURL string) IngestTarget {
	return IngestTarget{
		URL:    rawURL,
		Format: FormatFLV,
		Video:  DefaultVideoProfile(),
		Audio:  DefaultAudioProfile(),
	}
}

// Validate checks the invariants of the target. Errors wrap ErrInvalidTarget.
func (t IngestTarget) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidTarget, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(t.URL) == "" {
		return invalid("endpoint URL is required")
	}
	u, err := url.Parse(t.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("endpoint URL is not an absolute URL")
	}
	if t.Format != FormatFLV {
		return invalid("unsupported container %q", t.Format)
	}

	v := t.Video
	if v.Codec != "h264" {
		return invalid("unsupported video codec %q", v.Codec)
	}
	if v.Width <= 0 || v.Height <= 0 {
		return invalid("resolution %dx%d must be positive", v.Width, v.Height)
	}
	if v.Width%2 != 0 || v.Height%2 != 0 {
		return invalid("resolution %dx%d must be even", v.Width, v.Height)
	}
	if v.BitrateKbps <= 0 {
		return invalid("video bitrate must be positive")
	}
	if v.RateControl != RateCBR && v.RateControl != RateVBR {
		return invalid("unsupported rate control %q", v.RateControl)
	}
	if v.FPS <= 0 {
		return invalid("fps must be positive")
	}
	if v.GOPFrames <= 0 {
		return invalid("gop must be positive")
	}

	a := t.Audio
	if a.Codec != "aac" {
		return invalid("unsupported audio codec %q", a.Codec)
	}
	if a.BitrateKbps <= 0 {
		return invalid("audio bitrate must be positive")
	}
	if a.SampleRateHz <= 0 {
		return invalid("audio sample rate must be positive")
	}
	return nil
}

// Secrets returns the parts of the endpoint URL that must not be logged:
// the stream key (last path segment), the query string and any userinfo.
func (t IngestTarget) Secrets() []string {
	u, err := url.Parse(t.URL)
	if err != nil {
		return []string{t.URL}
	}
	var out []string
	if key := lastSegment(u.Path); key != "" {
		out = append(out, key)
	}
	if u.RawQuery != "" {
		out = append(out, u.RawQuery)
	}
	if u.User != nil {
		out = append(out, u.User.String())
	}
	return out
}

// Redacted returns the endpoint URL with its secrets masked.
func (t IngestTarget) Redacted() string {
	if _, err := url.Parse(t.URL); err != nil {
		return "****"
	}
	out := t.URL
	for _, s := range t.Secrets() {
		out = strings.ReplaceAll(out, s, "****")
	}
	return out
}

func lastSegment(p string) string {
	p = strings.TrimSuffix(p, "/")
	i := strings.LastIndex(p, "/")
	if i < 0 || i == len(p)-1 {
		return ""
	}
	// a bare application path like "/live" carries no key
	if i == 0 {
		return ""
	}
	return p[i+1:]
}
