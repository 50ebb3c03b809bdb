package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/samber/lo"

	"github.com/whisper-darkly/sticky-relay/cookies"
	"github.com/whisper-darkly/sticky-relay/logger"
	"github.com/whisper-darkly/sticky-relay/stream"
)

// Tool names a fetch tool that can act as producer.
type Tool string

const (
	ToolStreamlink Tool = "streamlink"
	ToolYtdlp      Tool = "ytdlp"
	ToolFFmpeg     Tool = "ffmpeg"
)

// ParseTool accepts the tool names used on the command line. Empty means
// automatic selection.
func ParseTool(s string) (Tool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return "", nil
	case "streamlink":
		return ToolStreamlink, nil
	case "ytdlp", "yt-dlp":
		return ToolYtdlp, nil
	case "ffmpeg":
		return ToolFFmpeg, nil
	default:
		return "", fmt.Errorf("unknown producer %q (streamlink, ytdlp, ffmpeg)", s)
	}
}

// Producer launches the fetch tool that writes the source's best rendition
// to its stdout.
type Producer struct {
	Tool      Tool   // empty: ffmpeg for direct media URLs, streamlink otherwise
	Binary    string // defaults to the tool's usual executable name
	UserAgent string
	ExtraArgs []string
	Log       *logger.Logger
}

// ToolFor returns the tool used for desc.
func (p Producer) ToolFor(desc stream.Descriptor) Tool {
	if p.Tool != "" {
		return p.Tool
	}
	if desc.Direct() {
		return ToolFFmpeg
	}
	return ToolStreamlink
}

// Command returns the executable and argument vector for desc.
func (p Producer) Command(desc stream.Descriptor) (string, []string) {
	tool := p.ToolFor(desc)
	bin := p.Binary
	if bin == "" {
		bin = map[Tool]string{ToolStreamlink: "streamlink", ToolYtdlp: "yt-dlp", ToolFFmpeg: "ffmpeg"}[tool]
	}

	var args []string
	switch tool {
	case ToolYtdlp:
		args = []string{"-f", "best", "-o", "-", "--no-part", "--quiet"}
		if desc.Auth.CookieFile != "" {
			args = append(args, "--cookies", desc.Auth.CookieFile)
		}
		if p.UserAgent != "" {
			args = append(args, "--add-header", "User-Agent:"+p.UserAgent)
		}
		args = append(args, p.ExtraArgs...)
		args = append(args, desc.ID)

	case ToolFFmpeg:
		args = []string{"-hide_banner", "-loglevel", "warning"}
		if strings.HasPrefix(desc.ID, "http://") || strings.HasPrefix(desc.ID, "https://") {
			args = append(args,
				"-reconnect", "1",
				"-reconnect_at_eof", "1",
				"-reconnect_streamed", "1",
				"-reconnect_delay_max", "5",
			)
		}
		if p.UserAgent != "" {
			args = append(args, "-user_agent", p.UserAgent)
		}
		if desc.Auth.CookieHeader != "" {
			args = append(args, "-headers", "Cookie: "+desc.Auth.CookieHeader+"\r\n")
		}
		args = append(args, p.ExtraArgs...)
		args = append(args, "-i", desc.ID, "-c", "copy", "-f", "mpegts", "-")

	default:
		args = []string{"--stdout", "--loglevel", "warning"}
		args = append(args, lo.FlatMap(cookies.Pairs(desc.Auth.CookieHeader), func(pair string, _ int) []string {
			return []string{"--http-cookie", pair}
		})...)
		if p.UserAgent != "" {
			args = append(args, "--http-header", "User-Agent="+p.UserAgent)
		}
		args = append(args, p.ExtraArgs...)
		args = append(args, desc.ID, "best")
	}
	return bin, args
}

// Start launches the producer with stdout as its standard output. There is
// no startup timeout here; a producer that never emits is caught by the
// consumer or by cancellation. Launch failures are *ProducerError.
func (p Producer) Start(ctx context.Context, desc stream.Descriptor, stdout *os.File) (*Handle, error) {
	log := p.Log
	if log == nil {
		log = logger.Discard()
	}
	if err := ctx.Err(); err != nil {
		return nil, &ProducerError{Kind: ProducerLaunchFailed, Err: err}
	}

	bin, args := p.Command(desc)
	log.Debug("%s %s", bin, strings.Join(redactArgs(args), " "))

	cmd := exec.Command(bin, args...)
	cmd.Stdout = stdout
	h, err := start("producer", cmd, log)
	if err != nil {
		return nil, &ProducerError{Kind: ProducerLaunchFailed, Err: err}
	}
	return h, nil
}

// redactArgs hides cookie values in a printable argument vector.
func redactArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 1; i < len(out); i++ {
		switch out[i-1] {
		case "--http-cookie", "-headers":
			out[i] = "****"
		}
	}
	return out
}
