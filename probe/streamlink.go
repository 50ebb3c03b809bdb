package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/whisper-darkly/sticky-relay/cookies"
	"github.com/whisper-darkly/sticky-relay/stream"
)

func init() {
	Register("streamlink", func(o Options) Strategy {
		return &Streamlink{Path: o.StreamlinkPath, UserAgent: o.UserAgent}
	})
}

var streamlinkOffline = []string{
	"No playable streams",
	"is offline",
	"not currently live",
	"stream is not live",
}

// Streamlink probes with `streamlink --json`.
type Streamlink struct {
	Path      string
	UserAgent string
}

func (s *Streamlink) Name() string { return "streamlink" }

type streamlinkOutput struct {
	Error    string `json:"error"`
	Metadata struct {
		Title  string `json:"title"`
		Author string `json:"author"`
	} `json:"metadata"`
	Streams map[string]struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"streams"`
}

func (s *Streamlink) Probe(ctx context.Context, desc stream.Descriptor) (stream.ProbeResult, error) {
	args := []string{"--json"}
	for _, pair := range cookies.Pairs(desc.Auth.CookieHeader) {
		args = append(args, "--http-cookie", pair)
	}
	if s.UserAgent != "" {
		args = append(args, "--http-header", "User-Agent="+s.UserAgent)
	}
	args = append(args, desc.ID)

	out, err := runTool(ctx, s.Path, args...)
	if err != nil {
		return stream.ProbeResult{}, err
	}

	var resp streamlinkOutput
	if err := json.Unmarshal(out.Stdout, &resp); err != nil {
		if line, ok := matchLine(out.Stderr, streamlinkOffline); ok {
			return s.notLive(line), nil
		}
		return stream.ProbeResult{}, &ProbeError{
			Kind:     Unparseable,
			Strategy: s.Name(),
			Err:      fmt.Errorf("decode output (exit %d): %w: %s", out.ExitCode, err, lastLine(out.Stderr)),
		}
	}
	if resp.Error != "" {
		if _, ok := matchLine([]byte(resp.Error), streamlinkOffline); ok {
			return s.notLive(resp.Error), nil
		}
		return stream.ProbeResult{}, &ProbeError{Kind: Unparseable, Strategy: s.Name(), Err: errors.New(resp.Error)}
	}
	if len(resp.Streams) == 0 {
		return s.notLive("no streams"), nil
	}

	media, ok := resp.Streams["best"]
	if !ok {
		names := lo.Keys(resp.Streams)
		sort.Strings(names)
		media = resp.Streams[names[0]]
	}
	return stream.ProbeResult{
		Live:     true,
		Title:    resp.Metadata.Title,
		MediaURL: media.URL,
		Strategy: s.Name(),
	}, nil
}

func (s *Streamlink) notLive(reason string) stream.ProbeResult {
	return stream.ProbeResult{Live: false, Strategy: s.Name(), Diagnostics: reason}
}
