package config

import (
	"time"

	"github.com/whisper-darkly/sticky-relay/units"
)

// Duration is a time.Duration written as hh:mm:ss, a Go duration or plain
// minutes. It decodes from the environment, flags and YAML alike.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(s string) error { return d.Set(s) }

// Set implements pflag.Value.
func (d *Duration) Set(s string) error {
	v, err := units.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) String() string { return time.Duration(*d).String() }

// Type implements pflag.Value.
func (d *Duration) Type() string { return "duration" }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.Set(s)
}

// Bitrate is kilobits per second, written as "4500k", "4.5M" or plain kbps.
type Bitrate int

// Kbps returns the value in kilobits per second.
func (b Bitrate) Kbps() int { return int(b) }

// Decode implements envconfig.Decoder.
func (b *Bitrate) Decode(s string) error { return b.Set(s) }

// Set implements pflag.Value.
func (b *Bitrate) Set(s string) error {
	v, err := units.ParseBitrate(s)
	if err != nil {
		return err
	}
	*b = Bitrate(v)
	return nil
}

func (b *Bitrate) String() string { return units.FormatBitrate(int(*b)) }

// Type implements pflag.Value.
func (b *Bitrate) Type() string { return "bitrate" }

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *Bitrate) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return b.Set(s)
}
