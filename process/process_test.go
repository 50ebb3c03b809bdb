package process

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/whisper-darkly/sticky-relay/stream"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func devNull(t *testing.T) *os.File {
	t.Helper()
	f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("%s did not exit", h.Name())
	}
}

var liveDesc = stream.Descriptor{ID: "https://www.youtube.com/@chan/live"}

func TestConsumerArgs(t *testing.T) {
	target := stream.NewIngestTarget("rtmps://live-api-s.facebook.com:443/rtmp/KEY")
	got := Consumer{}.Args(target)
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "warning",
		"-fflags", "nobuffer",
		"-i", "pipe:0",
		"-vf", "scale=1920:1080:force_original_aspect_ratio=decrease,pad=1920:1080:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=30",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-flags", "low_delay",
		"-b:v", "4500k", "-minrate", "4500k", "-maxrate", "4500k", "-bufsize", "4500k",
		"-pix_fmt", "yuv420p",
		"-r", "30",
		"-g", "60",
		"-keyint_min", "60",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-f", "flv", "rtmps://live-api-s.facebook.com:443/rtmp/KEY",
	}, got)

	target.Video.RateControl = stream.RateVBR
	target.Video.Width, target.Video.Height = 1280, 720
	got = Consumer{LogLevel: "error", ExtraArgs: []string{"-threads", "2"}}.Args(target)
	assert.Contains(t, got, "scale=1280:720:force_original_aspect_ratio=decrease,pad=1280:720:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=30")
	assert.NotContains(t, got, "-minrate")
	assert.Contains(t, got, "9000k")
	assert.Equal(t, []string{"-threads", "2", "-f", "flv"}, got[len(got)-5:len(got)-1])
}

func TestProducerCommand(t *testing.T) {
	auth := stream.AuthMaterial{CookieFile: "/c/cookies.txt", CookieHeader: "SID=x; HSID=y"}
	page := stream.Descriptor{ID: "https://www.youtube.com/@chan/live", Auth: auth}
	direct := stream.Descriptor{ID: "https://cdn.example.com/live/index.m3u8", Auth: auth}

	bin, args := Producer{UserAgent: "UA"}.Command(page)
	assert.Equal(t, "streamlink", bin)
	assert.Equal(t, []string{
		"--stdout", "--loglevel", "warning",
		"--http-cookie", "SID=x",
		"--http-cookie", "HSID=y",
		"--http-header", "User-Agent=UA",
		"https://www.youtube.com/@chan/live", "best",
	}, args)

	bin, args = Producer{Tool: ToolYtdlp}.Command(page)
	assert.Equal(t, "yt-dlp", bin)
	assert.Equal(t, []string{"-f", "best", "-o", "-", "--no-part", "--quiet", "--cookies", "/c/cookies.txt", "https://www.youtube.com/@chan/live"}, args)

	bin, args = Producer{}.Command(direct)
	assert.Equal(t, "ffmpeg", bin)
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "warning",
		"-reconnect", "1", "-reconnect_at_eof", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "5",
		"-headers", "Cookie: SID=x; HSID=y\r\n",
		"-i", "https://cdn.example.com/live/index.m3u8",
		"-c", "copy", "-f", "mpegts", "-",
	}, args)

	bin, _ = Producer{Tool: ToolStreamlink, Binary: "/opt/streamlink"}.Command(direct)
	assert.Equal(t, "/opt/streamlink", bin)

	red := redactArgs([]string{"--http-cookie", "SID=x", "best"})
	assert.Equal(t, []string{"--http-cookie", "****", "best"}, red)
}

func TestParseTool(t *testing.T) {
	for in, want := range map[string]Tool{"": "", "auto": "", "yt-dlp": ToolYtdlp, "YTDLP": ToolYtdlp, "ffmpeg": ToolFFmpeg, "streamlink": ToolStreamlink} {
		got, err := ParseTool(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseTool("vlc")
	assert.Error(t, err)
}

func TestClassifyProducer(t *testing.T) {
	ended := ClassifyProducer(0, "whatever")
	assert.Equal(t, ProducerStreamEnded, ended.Kind)
	assert.False(t, ended.Fatal())

	pe := ClassifyProducer(1, "[cli][info] Found matching plugin youtube\nerror: Unable to open URL: 403 Client Error: Forbidden\n")
	require.NotNil(t, pe)
	assert.Equal(t, ProducerAuthRejected, pe.Kind)
	assert.True(t, IsAuthRejected(pe))

	pe = ClassifyProducer(1, "ERROR: Sign in to confirm you're not a bot. Use --cookies-from-browser\n")
	assert.Equal(t, ProducerAuthRejected, pe.Kind)

	pe = ClassifyProducer(2, "error: something else\n")
	assert.Equal(t, ProducerExited, pe.Kind)
	assert.True(t, pe.Fatal())
	assert.Equal(t, "error: something else", pe.Detail)
	assert.False(t, IsAuthRejected(pe))
}

func TestClassifyConsumer(t *testing.T) {
	assert.Nil(t, ClassifyConsumer(0, "", true))

	tests := []struct {
		stderr       string
		producerGone bool
		want         ConsumerKind
	}{
		{"[tcp @ 0x1] Connection to tcp://a:1935 failed: Connection refused\n", false, ConsumerIngestRejected},
		{"RTMP_Connect0, failed to connect socket\n", false, ConsumerIngestRejected},
		{"[rtmp @ 0x1] Server returned 404 Not Found\n", false, ConsumerIngestRejected},
		{"pipe:0: Invalid data found when processing input\n", true, ConsumerInputClosed},
		{"pipe:0: Invalid data found when processing input\n", false, ConsumerEncodeFailure},
		{"Error initializing output stream 0:0\n", false, ConsumerEncodeFailure},
	}
	for _, tt := range tests {
		ce := ClassifyConsumer(1, tt.stderr, tt.producerGone)
		require.NotNil(t, ce)
		assert.Equal(t, tt.want, ce.Kind, tt.stderr)
	}
}

func TestHandleExitAndTail(t *testing.T) {
	bin := writeScript(t, `echo "starting" >&2
echo "HTTP Error 403: Forbidden" >&2
exit 3`)
	h, err := Producer{Tool: ToolStreamlink, Binary: bin}.Start(t.Context(), liveDesc, devNull(t))
	require.NoError(t, err)
	waitDone(t, h)

	assert.Equal(t, 3, h.ExitCode())
	assert.Error(t, h.Err())
	assert.False(t, h.Signaled())
	assert.Contains(t, h.Tail(), "403")
	assert.Equal(t, ProducerAuthRejected, ClassifyProducer(h.ExitCode(), h.Tail()).Kind)
}

func TestStartFailure(t *testing.T) {
	_, err := Producer{Tool: ToolStreamlink, Binary: filepath.Join(t.TempDir(), "nope")}.Start(t.Context(), liveDesc, devNull(t))
	var pe *ProducerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ProducerLaunchFailed, pe.Kind)

	_, err = Consumer{Binary: filepath.Join(t.TempDir(), "nope")}.Start(t.Context(), stream.NewIngestTarget("rtmp://h/app/key"), devNull(t))
	var ce *ConsumerError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConsumerLaunchFailed, ce.Kind)
}

func TestStopGracefulInterrupt(t *testing.T) {
	bin := writeScript(t, `trap 'echo flushed >&2; exit 0' INT
echo ready >&2
while :; do sleep 0.1; done`)
	h, err := Consumer{Binary: bin}.Start(t.Context(), stream.NewIngestTarget("rtmp://h/app/key"), devNull(t))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.Tail()) > 0 }, 5*time.Second, 10*time.Millisecond)

	h.Stop(t.Context(), ConsumerStopPhases(5*time.Second))
	require.True(t, h.Exited())
	assert.Equal(t, 0, h.ExitCode())
	assert.Contains(t, h.Tail(), "flushed")
}

func TestStopEscalatesToKill(t *testing.T) {
	bin := writeScript(t, `trap '' INT TERM
echo ready >&2
while :; do sleep 0.1; done`)
	h, err := Producer{Tool: ToolStreamlink, Binary: bin}.Start(t.Context(), liveDesc, devNull(t))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.Tail()) > 0 }, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	h.Stop(t.Context(), []Phase{
		{"interrupt", unix.SIGINT, 100 * time.Millisecond},
		{"terminate", unix.SIGTERM, 100 * time.Millisecond},
		{"kill", unix.SIGKILL, time.Second},
	})
	assert.True(t, h.Exited())
	assert.True(t, h.Signaled())
	assert.Equal(t, -1, h.ExitCode())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestKillGroupClosesConduit(t *testing.T) {
	// the background sleep keeps the write end open after the leader exits
	bin := writeScript(t, `(sleep 30) &
echo hello`)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	h, err := Producer{Tool: ToolStreamlink, Binary: bin}.Start(t.Context(), liveDesc, w)
	require.NoError(t, err)
	w.Close()
	waitDone(t, h)
	assert.Equal(t, 0, h.ExitCode())

	require.NoError(t, h.KillGroup())

	read := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(r)
		read <- b
	}()
	select {
	case b := <-read:
		assert.Equal(t, "hello\n", string(b))
	case <-time.After(5 * time.Second):
		t.Fatal("conduit still open after killing the producer group")
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	tb := newTailBuffer(8)
	_, _ = tb.Write([]byte("0123456789"))
	_, _ = tb.Write([]byte("ab"))
	assert.Equal(t, "456789ab", tb.String())
}
