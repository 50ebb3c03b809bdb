package probe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/whisper-darkly/sticky-relay/stream"
)

func init() {
	Register("ytdlp", func(o Options) Strategy {
		return &Ytdlp{Path: o.YtdlpPath, UserAgent: o.UserAgent}
	})
}

var ytdlpOffline = []string{
	"not currently live",
	"will begin",
	"premieres",
	"live event has ended",
	"is offline",
	"no video formats found",
}

// Ytdlp probes with `yt-dlp -J`.
type Ytdlp struct {
	Path      string
	UserAgent string
}

func (y *Ytdlp) Name() string { return "ytdlp" }

type ytdlpInfo struct {
	Type        string      `json:"_type"`
	Title       string      `json:"title"`
	IsLive      bool        `json:"is_live"`
	LiveStatus  string      `json:"live_status"`
	Duration    *float64    `json:"duration"`
	URL         string      `json:"url"`
	ManifestURL string      `json:"manifest_url"`
	Entries     []ytdlpInfo `json:"entries"`
}

func (i ytdlpInfo) live() bool {
	return i.IsLive || i.LiveStatus == "is_live"
}

func (y *Ytdlp) Probe(ctx context.Context, desc stream.Descriptor) (stream.ProbeResult, error) {
	args := []string{"-J", "--no-warnings"}
	if desc.Auth.CookieFile != "" {
		args = append(args, "--cookies", desc.Auth.CookieFile)
	}
	if y.UserAgent != "" {
		args = append(args, "--add-header", "User-Agent:"+y.UserAgent)
	}
	args = append(args, desc.ID)

	out, err := runTool(ctx, y.Path, args...)
	if err != nil {
		return stream.ProbeResult{}, err
	}

	if out.ExitCode != 0 {
		if line, ok := matchLine(out.Stderr, ytdlpOffline); ok {
			return y.notLive(line), nil
		}
		return stream.ProbeResult{}, &ProbeError{
			Kind:     Unparseable,
			Strategy: y.Name(),
			Err:      fmt.Errorf("exit %d: %s", out.ExitCode, lastLine(out.Stderr)),
		}
	}

	var info ytdlpInfo
	if err := json.Unmarshal(out.Stdout, &info); err != nil {
		return stream.ProbeResult{}, &ProbeError{Kind: Unparseable, Strategy: y.Name(), Err: fmt.Errorf("decode output: %w", err)}
	}

	if info.Type == "playlist" {
		found := false
		for _, e := range info.Entries {
			if e.live() {
				info, found = e, true
				break
			}
		}
		if !found {
			return y.notLive("no live entry in playlist"), nil
		}
	}
	if !info.live() {
		status := info.LiveStatus
		if status == "" {
			status = "not live"
		}
		return stream.ProbeResult{Live: false, Title: info.Title, Duration: info.Duration, Strategy: y.Name(), Diagnostics: status}, nil
	}

	media := info.URL
	if media == "" {
		media = info.ManifestURL
	}
	return stream.ProbeResult{
		Live:     true,
		Title:    info.Title,
		Duration: info.Duration,
		MediaURL: media,
		Strategy: y.Name(),
	}, nil
}

func (y *Ytdlp) notLive(reason string) stream.ProbeResult {
	return stream.ProbeResult{Live: false, Strategy: y.Name(), Diagnostics: reason}
}
