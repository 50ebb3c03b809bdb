package units

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses a flexible duration string. Accepted formats:
//   - hh:mm:ss (e.g. "01:30:00")
//   - Go-style duration (e.g. "1h30m", "5m", "30s")
//   - Plain number as minutes (e.g. "90", "0.5")
//
// Negative values are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	if strings.Count(s, ":") == 2 {
		parts := strings.SplitN(s, ":", 3)
		h, err1 := strconv.Atoi(parts[0])
		m, err2 := strconv.Atoi(parts[1])
		sec, err3 := strconv.Atoi(parts[2])
		if err1 == nil && err2 == nil && err3 == nil {
			d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
			if d < 0 {
				return 0, fmt.Errorf("negative duration: %s", s)
			}
			return d, nil
		}
	}

	if d, err := time.ParseDuration(strings.ToLower(s)); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative duration: %s", s)
		}
		return d, nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: must be hh:mm:ss, Go duration (1h30m), or minutes", s)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative duration: %s", s)
	}
	return time.Duration(f * float64(time.Minute)), nil
}

// FormatDuration formats a duration as hh:mm:ss, truncated to seconds.
func FormatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// ParseBitrate parses a bitrate into kilobits per second. Accepted formats:
//   - Number with suffix: "4500k", "4.5M", "128K" (case-insensitive)
//   - Plain number as kbps: "4500"
//
// Zero and negative values are rejected.
func ParseBitrate(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty bitrate string")
	}

	mult := 1.0
	num := s
	switch strings.ToUpper(s[len(s)-1:]) {
	case "K":
		num = s[:len(s)-1]
	case "M":
		num = s[:len(s)-1]
		mult = 1000
	}

	f, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bitrate %q: must be {n}k, {n}M or plain kbps", s)
	}
	kbps := int(math.Round(f * mult))
	if kbps <= 0 {
		return 0, fmt.Errorf("bitrate must be positive: %s", s)
	}
	return kbps, nil
}

// FormatBitrate formats kbps the way ffmpeg expects it ("4500k").
func FormatBitrate(kbps int) string {
	return strconv.Itoa(kbps) + "k"
}

// ParseResolution parses "WIDTHxHEIGHT" (e.g. "1920x1080") or a 16:9
// shorthand height (e.g. "720p", "1080").
func ParseResolution(s string) (width, height int, err error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, 0, fmt.Errorf("empty resolution string")
	}

	if w, h, ok := strings.Cut(s, "x"); ok {
		width, err1 := strconv.Atoi(strings.TrimSpace(w))
		height, err2 := strconv.Atoi(strings.TrimSpace(h))
		if err1 != nil || err2 != nil {
			return 0, 0, fmt.Errorf("invalid resolution %q: must be WIDTHxHEIGHT", s)
		}
		if width <= 0 || height <= 0 {
			return 0, 0, fmt.Errorf("resolution must be positive: %s", s)
		}
		return width, height, nil
	}

	height, err = strconv.Atoi(strings.TrimSuffix(s, "p"))
	if err != nil || height <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution %q: must be WIDTHxHEIGHT or {height}p", s)
	}
	// 16:9, rounded down to an even width
	width = (height * 16 / 9) &^ 1
	return width, height, nil
}
