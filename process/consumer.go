package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/whisper-darkly/sticky-relay/logger"
	"github.com/whisper-darkly/sticky-relay/stream"
	"github.com/whisper-darkly/sticky-relay/units"
)

// Consumer launches ffmpeg reading the conduit on stdin and pushing the
// encoded stream to the ingest endpoint.
type Consumer struct {
	Binary    string // default "ffmpeg"
	LogLevel  string // ffmpeg -loglevel, default "warning"
	ExtraArgs []string
	Log       *logger.Logger
}

// Args derives the ffmpeg argument vector from target alone.
func (c Consumer) Args(target stream.IngestTarget) []string {
	v, a := target.Video, target.Audio
	level := c.LogLevel
	if level == "" {
		level = "warning"
	}
	size := fmt.Sprintf("%d:%d", v.Width, v.Height)
	filter := fmt.Sprintf("scale=%s:force_original_aspect_ratio=decrease,pad=%s:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d", size, size, v.FPS)

	args := []string{
		"-hide_banner", "-loglevel", level,
		"-fflags", "nobuffer",
		"-i", "pipe:0",
		"-vf", filter,
		"-c:v", "libx264",
	}
	if v.Preset != "" {
		args = append(args, "-preset", v.Preset)
	}
	if v.Tune != "" {
		args = append(args, "-tune", v.Tune)
	}
	args = append(args, "-flags", "low_delay")

	rate := units.FormatBitrate(v.BitrateKbps)
	switch v.RateControl {
	case stream.RateVBR:
		args = append(args, "-b:v", rate, "-maxrate", rate, "-bufsize", units.FormatBitrate(2*v.BitrateKbps))
	default:
		args = append(args, "-b:v", rate, "-minrate", rate, "-maxrate", rate, "-bufsize", rate)
	}

	gop := strconv.Itoa(v.GOPFrames)
	args = append(args,
		"-pix_fmt", "yuv420p",
		"-r", strconv.Itoa(v.FPS),
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", units.FormatBitrate(a.BitrateKbps),
		"-ar", strconv.Itoa(a.SampleRateHz),
	)
	args = append(args, c.ExtraArgs...)
	return append(args, "-f", string(target.Format), target.URL)
}

// Start launches ffmpeg with stdin as its standard input. Launch failures
// are *ConsumerError.
func (c Consumer) Start(ctx context.Context, target stream.IngestTarget, stdin *os.File) (*Handle, error) {
	log := c.Log
	if log == nil {
		log = logger.Discard()
	}
	if err := ctx.Err(); err != nil {
		return nil, &ConsumerError{Kind: ConsumerLaunchFailed, Err: err}
	}

	bin := c.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	args := c.Args(target)
	// the logger masks the stream key
	log.Debug("%s %s", bin, strings.Join(args, " "))

	cmd := exec.Command(bin, args...)
	cmd.Stdin = stdin
	h, err := start("consumer", cmd, log)
	if err != nil {
		return nil, &ConsumerError{Kind: ConsumerLaunchFailed, Err: err}
	}
	return h, nil
}
