// Package gate holds a relay back until its source is live, probing with a
// constant backoff up to a bounded number of attempts.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v5"

	"github.com/whisper-darkly/sticky-relay/logger"
	"github.com/whisper-darkly/sticky-relay/probe"
	"github.com/whisper-darkly/sticky-relay/stream"
)

// Scope says what the caller does once the gate opens.
type Scope int

const (
	ProbeThenStream Scope = iota // continue into the pipeline
	ProbeOnly                    // report liveness and stop
)

func (s Scope) String() string {
	if s == ProbeOnly {
		return "probe-only"
	}
	return "probe-then-stream"
}

// Policy bounds the gate. It is fixed for the life of a Gate.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration // constant delay between attempts
	Scope       Scope
}

// DefaultPolicy probes up to 3 times, 30 seconds apart.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Backoff: 30 * time.Second, Scope: ProbeThenStream}
}

// Validate rejects policies the gate cannot run.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Backoff <= 0 {
		return fmt.Errorf("backoff must be positive, got %s", p.Backoff)
	}
	return nil
}

// Observer is told about every probe attempt.
type Observer interface {
	OnAttempt(attempt int, res stream.ProbeResult, err error)
}

// Result is the gate's answer. Exhausted is a normal outcome, not an error.
type Result struct {
	Descriptor stream.Descriptor
	Probe      stream.ProbeResult // last probe result
	LastErr    error              // last probe error, if the last attempt failed
	Attempts   int
	Exhausted  bool
}

var errNotLive = errors.New("source not live")

// Gate probes until the source is live or the policy is exhausted.
type Gate struct {
	Prober   probe.Prober
	Policy   Policy
	Log      *logger.Logger
	Observer Observer
}

// Acquire probes desc until it is live. Only ctx ending returns an error;
// probe failures count as attempts like not-live answers do.
func (g *Gate) Acquire(ctx context.Context, desc stream.Descriptor) (Result, error) {
	if err := g.Policy.Validate(); err != nil {
		return Result{}, err
	}
	log := g.Log
	if log == nil {
		log = logger.Discard()
	}

	res := Result{Descriptor: desc}
	err := retry.New(
		retry.Attempts(uint(g.Policy.MaxAttempts)),
		retry.Delay(g.Policy.Backoff),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		res.Attempts++
		pr, err := g.Prober.Probe(ctx, desc)
		res.Probe, res.LastErr = pr, err
		if g.Observer != nil {
			g.Observer.OnAttempt(res.Attempts, pr, err)
		}

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Info("attempt %d/%d: probe failed: %v", res.Attempts, g.Policy.MaxAttempts, err)
			return err
		case !pr.Live:
			log.Info("attempt %d/%d: not live (%s)", res.Attempts, g.Policy.MaxAttempts, pr.Diagnostics)
			return errNotLive
		}
		log.Info("attempt %d/%d: live via %s", res.Attempts, g.Policy.MaxAttempts, pr.Strategy)
		return nil
	})

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if err != nil {
		res.Exhausted = true
	}
	return res, nil
}
