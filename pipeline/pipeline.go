// Package pipeline runs one relay: a producer whose stdout is connected to
// the stdin of an ffmpeg consumer through an OS pipe, supervised as a unit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper-darkly/sticky-relay/logger"
	"github.com/whisper-darkly/sticky-relay/process"
	"github.com/whisper-darkly/sticky-relay/stream"
)

var (
	ErrCancelled           = errors.New("pipeline cancelled")
	ErrConsumerExitedEarly = errors.New("consumer exited before producer")
	ErrDrainTimeout        = errors.New("consumer did not finish draining")
	ErrBusy                = errors.New("pipeline already running")
)

// DefaultStopGrace is how long each stop phase waits for a child.
const DefaultStopGrace = 5 * time.Second

// exitSettle is how long a clean consumer exit waits for the producer's
// exit to be observed before it counts as exiting first.
const exitSettle = time.Second

// Outcome is the single result of Run.
type Outcome struct {
	Status           State // Completed, Failed or Cancelled
	Err              error
	RunID            uuid.UUID
	ProducerExit     int
	ConsumerExit     int
	StartedAt        time.Time
	EndedAt          time.Time
	ReachedStreaming bool
}

// Pipeline owns both children and the conduit between them for one run at
// a time.
type Pipeline struct {
	Producer     process.Producer
	Consumer     process.Consumer
	StopGrace    time.Duration // per stop phase, default DefaultStopGrace
	DrainTimeout time.Duration // 0 waits for the consumer forever
	Observer     Observer
	Log          *logger.Logger

	mu     sync.Mutex
	active *run
}

// Active returns a snapshot of the run in progress, if any.
func (p *Pipeline) Active() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return Snapshot{}, false
	}
	return p.active.Snapshot(), true
}

// Run relays desc to target and blocks until both children are reaped.
func (p *Pipeline) Run(ctx context.Context, desc stream.Descriptor, target stream.IngestTarget) Outcome {
	r := newRun()

	p.mu.Lock()
	if p.active != nil {
		p.mu.Unlock()
		snap := r.Snapshot()
		return Outcome{Status: Failed, Err: ErrBusy, RunID: snap.ID, ProducerExit: -1, ConsumerExit: -1, StartedAt: snap.StartedAt, EndedAt: time.Now()}
	}
	p.active = r
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active = nil
		p.mu.Unlock()
	}()

	e := &execution{p: p, run: r, log: p.logger().Named("run-" + r.Snapshot().ID.String()[:8])}
	e.notify(Starting, Starting)
	return e.execute(ctx, desc, target)
}

func (p *Pipeline) logger() *logger.Logger {
	if p.Log == nil {
		return logger.Discard()
	}
	return p.Log
}

func (p *Pipeline) grace() time.Duration {
	if p.StopGrace <= 0 {
		return DefaultStopGrace
	}
	return p.StopGrace
}

// execution is the state of one Run call.
type execution struct {
	p         *Pipeline
	run       *run
	log       *logger.Logger
	streaming bool
}

func (e *execution) notify(from, to State) {
	if e.p.Observer != nil {
		e.p.Observer.OnState(e.run.Snapshot(), from, to)
	}
}

func (e *execution) transition(to State) {
	var from State
	e.run.update(func(s *Snapshot) {
		from = s.State
		s.State = to
	})
	if to == Streaming {
		e.streaming = true
	}
	e.log.Debug("%s -> %s", from, to)
	e.notify(from, to)
}

func (e *execution) finish(status State, err error) Outcome {
	e.transition(status)
	snap := e.run.Snapshot()
	return Outcome{
		Status:           status,
		Err:              err,
		RunID:            snap.ID,
		ProducerExit:     snap.ProducerExit,
		ConsumerExit:     snap.ConsumerExit,
		StartedAt:        snap.StartedAt,
		EndedAt:          time.Now(),
		ReachedStreaming: e.streaming,
	}
}

func (e *execution) reaped(h *process.Handle) {
	code := h.ExitCode()
	e.run.update(func(s *Snapshot) {
		if h.Name() == "producer" {
			s.ProducerExit = code
		} else {
			s.ConsumerExit = code
		}
	})
}

func (e *execution) execute(ctx context.Context, desc stream.Descriptor, target stream.IngestTarget) Outcome {
	if err := target.Validate(); err != nil {
		return e.finish(Failed, err)
	}
	if ctx.Err() != nil {
		return e.finish(Cancelled, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx)))
	}

	// the conduit: no buffer of ours between the children, so pipe
	// backpressure throttles the producer
	pr, pw, err := os.Pipe()
	if err != nil {
		return e.finish(Failed, fmt.Errorf("create conduit: %w", err))
	}

	prod, err := e.p.Producer.Start(ctx, desc, pw)
	pw.Close()
	if err != nil {
		pr.Close()
		return e.finish(Failed, err)
	}
	e.run.update(func(s *Snapshot) { s.ProducerPid = prod.Pid() })

	cons, err := e.p.Consumer.Start(ctx, target, pr)
	pr.Close()
	if err != nil {
		e.log.Debug("consumer launch failed, stopping producer")
		prod.Stop(context.WithoutCancel(ctx), process.ProducerStopPhases(e.p.grace()))
		_ = prod.KillGroup()
		e.reaped(prod)
		return e.finish(Failed, err)
	}
	e.run.update(func(s *Snapshot) { s.ConsumerPid = cons.Pid() })

	e.transition(Streaming)

	select {
	case <-ctx.Done():
		return e.cancel(ctx, prod, cons)
	case <-prod.Done():
		return e.drain(ctx, prod, cons)
	case <-cons.Done():
		if cons.ExitCode() == 0 && waitDone(prod.Done(), exitSettle) {
			return e.drain(ctx, prod, cons)
		}
		return e.consumerFirst(ctx, prod, cons)
	}
}

// drain runs after the producer exited: close the write side for good and
// let the consumer finish what is in the pipe.
func (e *execution) drain(ctx context.Context, prod, cons *process.Handle) Outcome {
	// leftover members of the producer group may still hold the write end
	if err := prod.KillGroup(); err != nil {
		e.log.Warn("kill producer group: %v", err)
	}
	e.reaped(prod)
	e.transition(Draining)
	prodErr := process.ClassifyProducer(prod.ExitCode(), prod.Tail())

	var timeout <-chan time.Time
	if e.p.DrainTimeout > 0 {
		timer := time.NewTimer(e.p.DrainTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	drainTimedOut := false
	select {
	case <-cons.Done():
	case <-ctx.Done():
		cons.Stop(context.WithoutCancel(ctx), process.ConsumerStopPhases(e.p.grace()))
		e.reaped(cons)
		return e.finish(Cancelled, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx)))
	case <-timeout:
		drainTimedOut = true
		e.log.Warn("consumer still draining after %s, stopping it", e.p.DrainTimeout)
		cons.Stop(context.WithoutCancel(ctx), process.ConsumerStopPhases(e.p.grace()))
	}
	_ = cons.KillGroup()
	e.reaped(cons)

	var errs []error
	if prodErr.Fatal() {
		errs = append(errs, prodErr)
	}
	if drainTimedOut {
		errs = append(errs, ErrDrainTimeout)
	} else if consErr := process.ClassifyConsumer(cons.ExitCode(), cons.Tail(), true); consErr != nil {
		errs = append(errs, consErr)
	}
	if len(errs) > 0 {
		return e.finish(Failed, errors.Join(errs...))
	}
	return e.finish(Completed, nil)
}

// consumerFirst handles the consumer exiting while the producer still runs.
func (e *execution) consumerFirst(ctx context.Context, prod, cons *process.Handle) Outcome {
	_ = cons.KillGroup()
	e.reaped(cons)
	producerGone := prod.Exited()

	prod.Stop(context.WithoutCancel(ctx), process.ProducerStopPhases(e.p.grace()))
	_ = prod.KillGroup()
	e.reaped(prod)

	err := ErrConsumerExitedEarly
	if consErr := process.ClassifyConsumer(cons.ExitCode(), cons.Tail(), producerGone); consErr != nil {
		err = fmt.Errorf("%w: %w", ErrConsumerExitedEarly, consErr)
	}
	return e.finish(Failed, err)
}

// cancel stops the consumer first so ffmpeg can flush, then the producer.
func (e *execution) cancel(ctx context.Context, prod, cons *process.Handle) Outcome {
	bg := context.WithoutCancel(ctx)
	cons.Stop(bg, process.ConsumerStopPhases(e.p.grace()))
	_ = cons.KillGroup()
	e.reaped(cons)
	prod.Stop(bg, process.ProducerStopPhases(e.p.grace()))
	_ = prod.KillGroup()
	e.reaped(prod)
	return e.finish(Cancelled, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx)))
}

func waitDone(c <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c:
		return true
	case <-timer.C:
		return false
	}
}
