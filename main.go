package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/whisper-darkly/sticky-relay/config"
	"github.com/whisper-darkly/sticky-relay/cookies"
	"github.com/whisper-darkly/sticky-relay/lock"
	"github.com/whisper-darkly/sticky-relay/logger"
	"github.com/whisper-darkly/sticky-relay/metrics"
	"github.com/whisper-darkly/sticky-relay/pipeline"
	"github.com/whisper-darkly/sticky-relay/probe"
	"github.com/whisper-darkly/sticky-relay/process"
	"github.com/whisper-darkly/sticky-relay/relay"
	"github.com/whisper-darkly/sticky-relay/stream"
)

// Set via ldflags at build time: -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Environment first; flags below default to what it produced.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	fs := flag.CommandLine
	showVersion := bindFlags(fs, cfg)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "sticky-relay %s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <source> [ingest-url]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Relay a live source to an RTMP endpoint once it is live.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEvery flag can also be set as STICKY_<FLAG_NAME> (e.g. STICKY_VIDEO_BITRATE).\n")
		fmt.Fprintf(os.Stderr, "Durations: hh:mm:ss | 1h30m | plain minutes. Bitrates: 4500k | 4.5M | kbps.\n")
		fmt.Fprintf(os.Stderr, "Exit codes: 0=ok  1=error  2=offline  3=blocked\n")
	}

	if len(os.Args) == 1 {
		fs.Usage()
		os.Exit(0)
	}

	flag.Parse()

	if *showVersion {
		fmt.Println("sticky-relay", version)
		os.Exit(0)
	}

	// Positional arguments: <source> [ingest-url]
	if fs.NArg() > 0 && !fs.Changed("source") {
		cfg.Source = fs.Arg(0)
	}
	if fs.NArg() > 1 && !fs.Changed("ingest") {
		cfg.Ingest = fs.Arg(1)
	}

	// Create logger early so all validation messages use it
	log := logger.New(logger.ParseLevel(cfg.LogLevel))
	log.SetFormat(logger.ParseFormat(cfg.OutputFormat))

	if cfg.Profile != "" {
		p, err := config.LoadProfile(cfg.Profile)
		if err != nil {
			log.Fatal("%v", err)
		}
		cfg.ApplyProfile(p, fs.Changed)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("%v", err)
	}

	var target stream.IngestTarget
	if !cfg.CheckOnly {
		if target, err = cfg.Target(); err != nil {
			log.Fatal("%v", err)
		}
		for _, secret := range target.Secrets() {
			log.Redact(secret)
		}
	}

	// Handle graceful shutdown (before cookie pool init, which may start goroutines)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn("received %v, shutting down...", sig)
		cancel()
	}()

	cookiePool, err := initCookiePool(ctx, cfg, log.Named("cookies"))
	if err != nil {
		log.Fatal("cookie pool: %v", err)
	}

	opts := cfg.ProbeOptions()
	opts.Log = log.Named("probe")
	chain, err := probe.NewChain(probe.ParseNames(cfg.Probe), cfg.ProbeTimeoutOr(probe.DefaultTimeout), opts)
	if err != nil {
		log.Fatal("%v", err)
	}
	log.Debug("probe order: %s", strings.Join(chain.Strategies(), ", "))

	var locker lock.Locker = lock.NewLocal()
	if cfg.LockRedis != "" {
		rl, err := lock.NewRedis(cfg.LockRedis, log.Named("lock"))
		if err != nil {
			log.Fatal("%v", err)
		}
		defer rl.Close()
		locker = rl
	}

	pl := &pipeline.Pipeline{
		Producer: process.Producer{
			Tool:      cfg.ProducerTool(),
			UserAgent: cfg.UserAgent,
			ExtraArgs: tokenize(cfg.ProducerArgs),
			Log:       log.Named("producer"),
		},
		Consumer: process.Consumer{
			Binary:    cfg.FFmpegPath,
			LogLevel:  cfg.FFmpegLogLevel,
			ExtraArgs: tokenize(cfg.ConsumerArgs),
			Log:       log.Named("consumer"),
		},
		StopGrace:    cfg.StopGrace.D(),
		DrainTimeout: cfg.DrainTimeout.D(),
		Log:          log.Named("pipeline"),
	}

	rcfg := relay.Config{
		Source:         cfg.Source,
		Target:         target,
		Prober:         chain,
		Policy:         cfg.Policy(),
		Pipeline:       pl,
		ProducerBinary: cfg.ProducerBinary,
		ResolvedInput:  cfg.ProducerInput == config.InputResolved,
		Locker:         locker,
		CookiePool:     cookiePool,
		CookieFile:     cfg.CookiesFile,
		CheckInterval:  cfg.CheckInterval.D(),
		SleepJitter:    cfg.SleepJitter.D(),
		LogPattern:     cfg.Log,
		Log:            log,
	}

	var collector *metrics.Collector
	if cfg.MetricsAddr != "" {
		collector = metrics.New()
		pl.Observer = collector
		rcfg.GateObserver = collector
	}

	rel := relay.New(rcfg)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	if collector != nil {
		g.Go(func() error {
			log.Info("serving metrics on %s", cfg.MetricsAddr)
			if err := collector.Serve(runCtx, cfg.MetricsAddr); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	code := relay.ExitOK
	g.Go(func() error {
		defer stop()
		code = rel.Run(runCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("%v", err)
		if code == relay.ExitOK {
			code = relay.ExitFailed
		}
	}
	os.Exit(code)
}

// bindFlags registers every flag on fs, writing straight into cfg so the
// environment values become the flag defaults. It returns the --version flag.
func bindFlags(fs *flag.FlagSet, cfg *config.Config) *bool {
	fs.SortFlags = false

	fs.StringVarP(&cfg.Source, "source", "s", cfg.Source, "Source URL or ID (required)")
	fs.StringVarP(&cfg.Ingest, "ingest", "t", cfg.Ingest, "RTMP(S) ingest URL including the stream key")
	fs.StringVarP(&cfg.Profile, "profile", "p", cfg.Profile, "YAML encode profile file")

	fs.StringVar(&cfg.Resolution, "resolution", cfg.Resolution, "Output resolution (WIDTHxHEIGHT or 720p); overrides --width/--height")
	fs.IntVar(&cfg.Width, "width", cfg.Width, "Output width")
	fs.IntVar(&cfg.Height, "height", cfg.Height, "Output height")
	fs.Var(&cfg.VideoBitrate, "video-bitrate", "Video bitrate (e.g. 4500k, 4.5M)")
	fs.Var(&cfg.AudioBitrate, "audio-bitrate", "Audio bitrate (e.g. 128k)")
	fs.IntVar(&cfg.SampleRate, "sample-rate", cfg.SampleRate, "Audio sample rate in Hz")
	fs.IntVar(&cfg.FPS, "fps", cfg.FPS, "Output frame rate")
	fs.IntVar(&cfg.GOP, "gop", cfg.GOP, "Keyframe interval in frames")
	fs.StringVar(&cfg.RateControl, "rate-control", cfg.RateControl, "Video rate control: cbr, vbr")
	fs.StringVar(&cfg.Preset, "preset", cfg.Preset, "x264 preset")
	fs.StringVar(&cfg.Tune, "tune", cfg.Tune, "x264 tune (empty to disable)")

	fs.StringVar(&cfg.Producer, "producer", cfg.Producer, "Producer tool: streamlink, ytdlp, ffmpeg (default: ffmpeg for direct media URLs, else streamlink)")
	fs.StringVar(&cfg.ProducerInput, "producer-input", cfg.ProducerInput, "What the producer fetches: canonical (source as given), resolved (probed media URL)")
	fs.StringVar(&cfg.ProducerArgs, "producer-args", cfg.ProducerArgs, "Extra producer arguments (quoted string)")
	fs.StringVar(&cfg.ConsumerArgs, "consumer-args", cfg.ConsumerArgs, "Extra ffmpeg output arguments (quoted string)")
	fs.StringVar(&cfg.StreamlinkPath, "streamlink-path", cfg.StreamlinkPath, "streamlink executable")
	fs.StringVar(&cfg.YtdlpPath, "ytdlp-path", cfg.YtdlpPath, "yt-dlp executable")
	fs.StringVar(&cfg.FFmpegPath, "ffmpeg-path", cfg.FFmpegPath, "ffmpeg executable")
	fs.StringVar(&cfg.FFmpegLogLevel, "ffmpeg-log-level", cfg.FFmpegLogLevel, "ffmpeg -loglevel for the encoder")

	fs.StringVar(&cfg.Probe, "probe", cfg.Probe, "Ordered liveness probes: "+strings.Join(probe.Names(), ", "))
	fs.Var(&cfg.ProbeTimeout, "probe-timeout", "Timeout for each probe")
	fs.IntVar(&cfg.Attempts, "attempts", cfg.Attempts, "Probe attempts before giving up")
	fs.Var(&cfg.Backoff, "backoff", "Delay between probe attempts")
	fs.BoolVar(&cfg.CheckOnly, "check-only", cfg.CheckOnly, "Only report whether the source is live")
	fs.VarP(&cfg.CheckInterval, "check-interval", "i", "Watch interval between sessions (0=exit after one session)")
	fs.Var(&cfg.SleepJitter, "sleep-jitter", "Max random jitter added to the check-interval sleep")
	fs.Var(&cfg.StopGrace, "stop-grace", "Grace period per shutdown signal")
	fs.Var(&cfg.DrainTimeout, "drain-timeout", "Max time the encoder may drain after the producer ends (0=unbounded)")

	fs.StringVarP(&cfg.Cookies, "cookies", "c", cfg.Cookies, "HTTP cookies (key=value; key2=value2), file:// or http(s):// source")
	fs.StringVar(&cfg.CookiesFile, "cookies-file", cfg.CookiesFile, "Netscape cookies.txt file")
	fs.StringVarP(&cfg.UserAgent, "user-agent", "a", cfg.UserAgent, "Custom User-Agent header")
	fs.BoolVar(&cfg.InsecureTLS, "insecure-tls", cfg.InsecureTLS, "Skip TLS certificate verification for playlist and cookie fetches")

	fs.StringVar(&cfg.LockRedis, "lock-redis", cfg.LockRedis, "Redis URL for the ingest target lock (empty=in-process)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve prometheus /metrics on this address")

	fs.StringVar(&cfg.Log, "log", cfg.Log, "Log file path template (empty=stdout only)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error, fatal")
	fs.StringVar(&cfg.OutputFormat, "output-format", cfg.OutputFormat, "Output format: normal, json")

	return fs.BoolP("version", "V", false, "Print version and exit")
}

func initCookiePool(ctx context.Context, cfg *config.Config, log *logger.Logger) (*cookies.Pool, error) {
	scfg := cookies.SourceConfig{
		ExternalEnabled: cfg.ExternalCookies,
		SafeDomains:     cfg.CookiesSafeDomains,
		JSONMode:        cfg.CookiesJSON,
		RefreshInterval: cfg.CookiesRefresh.D(),
		Source:          cfg.Source,
		InsecureTLS:     cfg.InsecureTLS,
	}

	var src *cookies.Source
	switch {
	case cfg.Cookies != "":
		var err error
		if src, err = cookies.NewSource(cfg.Cookies, scfg); err != nil {
			return nil, err
		}
	case cfg.CookiesFile != "":
		src = cookies.FileSource(cfg.CookiesFile, scfg)
	default:
		return cookies.NewPool(nil), nil
	}

	initial, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cookies: %w", err)
	}

	pool := cookies.NewPool(initial)
	if err := src.StartRefresh(ctx, pool, log); err != nil {
		log.Warn("cookie refresh disabled: %v", err)
	}
	return pool, nil
}

// tokenize splits a string into tokens on blanks, respecting single and
// double quotes.
func tokenize(s string) []string {
	var tokens []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)

	for _, r := range s {
		switch {
		case (r == '"' || r == '\'') && !inQuote:
			inQuote = true
			quoteChar = r
		case r == quoteChar && inQuote:
			inQuote = false
			quoteChar = 0
		case (r == ' ' || r == '\t') && !inQuote:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}
