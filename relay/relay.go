// Package relay runs relay sessions: wait for the source to go live, take
// the ingest target, run the pipeline, and turn the result into an exit code.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/whisper-darkly/sticky-relay/cookies"
	"github.com/whisper-darkly/sticky-relay/gate"
	"github.com/whisper-darkly/sticky-relay/lock"
	"github.com/whisper-darkly/sticky-relay/logger"
	"github.com/whisper-darkly/sticky-relay/pipeline"
	"github.com/whisper-darkly/sticky-relay/probe"
	"github.com/whisper-darkly/sticky-relay/process"
	"github.com/whisper-darkly/sticky-relay/stream"
	"github.com/whisper-darkly/sticky-relay/units"
)

// Process exit codes.
const (
	ExitOK      = 0 // run completed, cancelled, or check-only found the source live
	ExitFailed  = 1 // run failed or could not start
	ExitOffline = 2 // gate exhausted without the source going live
	ExitBlocked = 3 // source rejected our credentials
)

// Config holds everything a relay needs.
type Config struct {
	Source string
	Target stream.IngestTarget

	Prober       probe.Prober
	Policy       gate.Policy
	GateObserver gate.Observer

	Pipeline *pipeline.Pipeline
	// ProducerBinary maps the producer tool chosen for a run to its
	// executable. Nil keeps Pipeline.Producer.Binary.
	ProducerBinary func(process.Tool) string
	ResolvedInput  bool // hand the producer the probe's media URL

	Locker lock.Locker // nil means an in-process locker

	CookiePool *cookies.Pool
	CookieFile string

	CheckInterval time.Duration // watch mode interval (0 = one-shot)
	SleepJitter   time.Duration // max random jitter added to CheckInterval

	LogPattern string // Go template for a per-session log file

	Log *logger.Logger
}

// Relay runs sessions against one source and one ingest target.
type Relay struct {
	cfg Config
	log *logger.Logger

	sessionCount int
	logFile      *os.File
}

func kv(key, value string) logger.KV { return logger.KV{Key: key, Value: value} }

// New creates a Relay. The pipeline's observer is wrapped so every state
// change is also reported as a RUN STATE event.
func New(cfg Config) *Relay {
	if cfg.Log == nil {
		cfg.Log = logger.Discard()
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewLocal()
	}
	for _, secret := range cfg.Target.Secrets() {
		cfg.Log.Redact(secret)
	}
	r := &Relay{cfg: cfg, log: cfg.Log}
	if cfg.Pipeline != nil {
		cfg.Pipeline.Observer = pipeline.Observers{cfg.Pipeline.Observer, pipeline.ObserverFunc(r.onState)}
		if cfg.Pipeline.Log == nil {
			cfg.Pipeline.Log = cfg.Log.Named("pipeline")
		}
	}
	return r
}

// Run executes the watch loop (or a single session) and returns an exit code.
func (r *Relay) Run(ctx context.Context) int {
	for {
		code := r.runSession(ctx)
		if r.cfg.CheckInterval <= 0 || r.cfg.Policy.Scope == gate.ProbeOnly {
			return code
		}
		if code == ExitFailed || code == ExitBlocked {
			return code
		}
		if ctx.Err() != nil {
			return ExitOK
		}

		sleep := r.cfg.CheckInterval
		if r.cfg.SleepJitter > 0 {
			sleep += time.Duration(rand.Int63n(int64(r.cfg.SleepJitter)))
		}
		r.log.Event("SLEEP",
			kv("source", r.cfg.Source),
			kv("interval", units.FormatDuration(sleep)))
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ExitOK
		}
	}
}

// runSession runs gate then pipeline once.
func (r *Relay) runSession(ctx context.Context) int {
	lease := r.cfg.CookiePool.Select()
	desc := stream.Descriptor{
		ID:         r.cfg.Source,
		ExpectLive: true,
		Auth: stream.AuthMaterial{
			CookieFile:   r.cfg.CookieFile,
			CookieHeader: lease.Header,
		},
	}

	g := gate.Gate{
		Prober:   r.cfg.Prober,
		Policy:   r.cfg.Policy,
		Log:      r.log.Named("gate"),
		Observer: r,
	}
	res, err := g.Acquire(ctx, desc)
	if err != nil {
		if ctx.Err() != nil {
			return ExitOK
		}
		r.log.Error("gate: %v", err)
		return ExitFailed
	}

	if res.Exhausted {
		r.log.Event("GATE EXHAUSTED",
			kv("source", r.cfg.Source),
			kv("attempts", strconv.Itoa(res.Attempts)))
		if res.LastErr != nil && stream.Blocked(res.LastErr) {
			lease.Reject()
			r.log.Error("access blocked: %v", res.LastErr)
			return ExitBlocked
		}
		r.log.Warn("%s is not live, giving up after %d attempts", r.cfg.Source, res.Attempts)
		return ExitOffline
	}

	r.log.Event("GATE LIVE",
		kv("source", r.cfg.Source),
		kv("strategy", res.Probe.Strategy),
		kv("attempts", strconv.Itoa(res.Attempts)),
		kv("title", res.Probe.Title))

	if r.cfg.Policy.Scope == gate.ProbeOnly {
		return ExitOK
	}

	runDesc := desc
	if r.cfg.ResolvedInput && res.Probe.MediaURL != "" {
		runDesc = desc.WithID(res.Probe.MediaURL)
	}

	return r.stream(ctx, runDesc, lease)
}

// stream holds the target lock for the duration of one pipeline run.
func (r *Relay) stream(ctx context.Context, desc stream.Descriptor, lease cookies.Lease) int {
	held, err := r.cfg.Locker.Acquire(ctx, r.cfg.Target.URL)
	if err != nil {
		if errors.Is(err, lock.ErrTargetBusy) {
			r.log.Error("%s: %v", r.cfg.Target.Redacted(), err)
		} else {
			r.log.Error("lock target: %v", err)
		}
		return ExitFailed
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := held.Release(releaseCtx); err != nil {
			r.log.Warn("%v", err)
		}
	}()

	sessionStart := time.Now()
	if r.cfg.LogPattern != "" {
		if err := r.openLogFile(sessionStart); err != nil {
			r.log.Error("failed to open log file: %v", err)
			return ExitFailed
		}
		defer r.closeLogFile()
	}
	r.sessionCount++

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	go func() {
		select {
		case <-held.Lost():
			r.log.Error("%s: %v, stopping run", r.cfg.Target.Redacted(), lock.ErrLeaseLost)
			cancelRun(lock.ErrLeaseLost)
		case <-runCtx.Done():
		}
	}()

	pl := r.cfg.Pipeline
	tool := pl.Producer.ToolFor(desc)
	if r.cfg.ProducerBinary != nil {
		pl.Producer.Binary = r.cfg.ProducerBinary(tool)
	}

	input := "canonical"
	if desc.ID != r.cfg.Source {
		input = "resolved"
	}
	r.log.Event("RUN START",
		kv("source", r.cfg.Source),
		kv("target", r.cfg.Target.Redacted()),
		kv("producer", string(tool)),
		kv("input", input),
		kv("video", fmt.Sprintf("%dx%d@%d/%s", r.cfg.Target.Video.Width, r.cfg.Target.Video.Height,
			r.cfg.Target.Video.FPS, units.FormatBitrate(r.cfg.Target.Video.BitrateKbps))))

	out := pl.Run(runCtx, desc, r.cfg.Target)
	if errors.Is(out.Err, lock.ErrLeaseLost) {
		out.Status = pipeline.Failed
	}

	end := []logger.KV{
		kv("run", out.RunID.String()),
		kv("outcome", out.Status.String()),
		kv("duration", units.FormatDuration(out.EndedAt.Sub(out.StartedAt))),
		kv("producer_exit", strconv.Itoa(out.ProducerExit)),
		kv("consumer_exit", strconv.Itoa(out.ConsumerExit)),
	}
	if out.Err != nil && out.Status == pipeline.Failed {
		end = append(end, kv("error", out.Err.Error()))
	}
	r.log.Event("RUN END", end...)

	switch out.Status {
	case pipeline.Completed, pipeline.Cancelled:
		return ExitOK
	}
	if process.IsAuthRejected(out.Err) {
		lease.Reject()
		r.log.Error("source rejected credentials: %v", out.Err)
		return ExitBlocked
	}
	r.log.Error("run failed: %v", out.Err)
	return ExitFailed
}

// OnAttempt implements gate.Observer.
func (r *Relay) OnAttempt(attempt int, res stream.ProbeResult, err error) {
	kvs := []logger.KV{
		kv("attempt", fmt.Sprintf("%d/%d", attempt, r.cfg.Policy.MaxAttempts)),
		kv("live", strconv.FormatBool(res.Live)),
	}
	if res.Strategy != "" {
		kvs = append(kvs, kv("strategy", res.Strategy))
	}
	if err != nil {
		kvs = append(kvs, kv("error", err.Error()))
	}
	r.log.Event("GATE ATTEMPT", kvs...)

	if r.cfg.GateObserver != nil {
		r.cfg.GateObserver.OnAttempt(attempt, res, err)
	}
}

func (r *Relay) onState(run pipeline.Snapshot, from, to pipeline.State) {
	if from == to {
		return
	}
	r.log.Event("RUN STATE",
		kv("run", run.ID.String()),
		kv("from", from.String()),
		kv("to", to.String()))
}

// --- Log file management ---

func (r *Relay) openLogFile(start time.Time) error {
	data := NewTemplateData(r.cfg.Source, r.cfg.Target.URL, start, r.sessionCount)
	logPath, err := RenderTemplate(r.cfg.LogPattern, data)
	if err != nil {
		return fmt.Errorf("render log template: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	r.logFile = f
	r.log.SetFile(f)
	r.log.Info("logging to %s", logPath)
	return nil
}

func (r *Relay) closeLogFile() {
	if r.logFile != nil {
		r.log.SetFile(nil)
		r.logFile.Close()
		r.logFile = nil
	}
}
