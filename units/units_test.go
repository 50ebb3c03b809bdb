package units

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"00:00:05", 5 * time.Second},
		{"01:30:00", 90 * time.Minute},
		{"5s", 5 * time.Second},
		{"1H30M", 90 * time.Minute},
		{"2", 2 * time.Minute},
		{"0.5", 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "-5s", "-1", "soon"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00:00", FormatDuration(0))
	assert.Equal(t, "01:02:03", FormatDuration(time.Hour+2*time.Minute+3*time.Second+400*time.Millisecond))
}

func TestParseBitrate(t *testing.T) {
	tests := map[string]int{
		"4500k": 4500,
		"128K":  128,
		"4.5M":  4500,
		"6000":  6000,
	}
	for in, want := range tests {
		got, err := ParseBitrate(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "0", "-5k", "fast"} {
		_, err := ParseBitrate(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "4500k", FormatBitrate(4500))
}

func TestParseResolution(t *testing.T) {
	w, h, err := ParseResolution("1920x1080")
	require.NoError(t, err)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	w, h, err = ParseResolution("720p")
	require.NoError(t, err)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	w, _, err = ParseResolution("1080")
	require.NoError(t, err)
	assert.Equal(t, 1920, w)

	for _, bad := range []string{"", "x", "0x0", "wide", "-720p"} {
		_, _, err := ParseResolution(bad)
		assert.Error(t, err, bad)
	}
}
