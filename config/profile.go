package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Profile is an encode profile file:
//
//	resolution: 720p        # or width/height
//	video_bitrate: 3000k
//	audio_bitrate: 160k
//	fps: 30
//	gop: 60
//	rate_control: cbr
//	preset: veryfast
//	tune: zerolatency
//	sample_rate: 48000
//
// Fields left out keep their current value.
type Profile struct {
	Resolution   string  `yaml:"resolution"`
	Width        int     `yaml:"width"`
	Height       int     `yaml:"height"`
	VideoBitrate Bitrate `yaml:"video_bitrate"`
	AudioBitrate Bitrate `yaml:"audio_bitrate"`
	SampleRate   int     `yaml:"sample_rate"`
	FPS          int     `yaml:"fps"`
	GOP          int     `yaml:"gop"`
	RateControl  string  `yaml:"rate_control"`
	Preset       string  `yaml:"preset"`
	Tune         string  `yaml:"tune"`
}

// LoadProfile reads a YAML encode profile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p Profile
	if err := yaml.UnmarshalStrict(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return &p, nil
}

// ApplyProfile copies the profile's non-zero fields into c, skipping the
// settings for which keep returns true (flags given on the command line).
// keep is called with the flag name of the setting.
func (c *Config) ApplyProfile(p *Profile, keep func(flag string) bool) {
	if keep == nil {
		keep = func(string) bool { return false }
	}
	setStr := func(flag string, dst *string, v string) {
		if v != "" && !keep(flag) {
			*dst = v
		}
	}
	setInt := func(flag string, dst *int, v int) {
		if v != 0 && !keep(flag) {
			*dst = v
		}
	}

	if p.Resolution != "" && !keep("resolution") && !keep("width") && !keep("height") {
		c.Resolution = p.Resolution
	}
	if p.Width != 0 || p.Height != 0 {
		if !keep("resolution") {
			c.Resolution = ""
		}
		setInt("width", &c.Width, p.Width)
		setInt("height", &c.Height, p.Height)
	}
	if p.VideoBitrate != 0 && !keep("video-bitrate") {
		c.VideoBitrate = p.VideoBitrate
	}
	if p.AudioBitrate != 0 && !keep("audio-bitrate") {
		c.AudioBitrate = p.AudioBitrate
	}
	setInt("sample-rate", &c.SampleRate, p.SampleRate)
	setInt("fps", &c.FPS, p.FPS)
	setInt("gop", &c.GOP, p.GOP)
	setStr("rate-control", &c.RateControl, p.RateControl)
	setStr("preset", &c.Preset, p.Preset)
	setStr("tune", &c.Tune, p.Tune)
}
