package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/whisper-darkly/sticky-relay/logger"
	"github.com/whisper-darkly/sticky-relay/stream"
)

// DefaultTimeout bounds a single strategy, not the chain: a chain of n
// strategies can take up to n times the timeout before it answers.
const DefaultTimeout = 45 * time.Second

// DefaultOrder is the strategy order used when none is configured.
var DefaultOrder = []string{"streamlink", "ytdlp", "hls"}

// Chain probes with each strategy in order. The first live result wins.
type Chain struct {
	strategies []Strategy
	timeout    time.Duration
	log        *logger.Logger
}

// NewChain builds a chain from registered strategy names.
func NewChain(names []string, timeout time.Duration, opts Options) (*Chain, error) {
	opts = opts.withDefaults()
	if len(names) == 0 {
		names = DefaultOrder
	}
	strategies := make([]Strategy, 0, len(names))
	for _, name := range names {
		s, err := Get(name, opts)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, s)
	}
	return ChainOf(timeout, opts.Log, strategies...), nil
}

// ChainOf builds a chain from strategy values.
func ChainOf(timeout time.Duration, log *logger.Logger, strategies ...Strategy) *Chain {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Chain{strategies: strategies, timeout: timeout, log: log}
}

// Strategies returns the strategy names in probe order.
func (c *Chain) Strategies() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Probe implements Prober.
//
// A clean not-live answer from any strategy makes the chain answer not-live.
// If every applicable strategy failed, the error carries the first failure's
// kind and wraps all failures.
func (c *Chain) Probe(ctx context.Context, desc stream.Descriptor) (stream.ProbeResult, error) {
	var (
		failures []*ProbeError
		notLive  []string
		answered bool
	)

	for _, s := range c.strategies {
		res, timedOut, err := c.run(ctx, s, desc)
		if ctx.Err() != nil {
			return stream.ProbeResult{}, ctx.Err()
		}
		if errors.Is(err, ErrNotApplicable) {
			c.log.Debug("%s: not applicable", s.Name())
			continue
		}
		if err != nil {
			pe := classify(s.Name(), err, timedOut)
			c.log.Debug("%s: %v", s.Name(), pe)
			failures = append(failures, pe)
			continue
		}

		if res.Strategy == "" {
			res.Strategy = s.Name()
		}
		if res.Live {
			c.log.Debug("%s: live (%s)", s.Name(), res.Title)
			return res, nil
		}
		c.log.Debug("%s: not live: %s", s.Name(), res.Diagnostics)
		answered = true
		notLive = append(notLive, fmt.Sprintf("%s: %s", s.Name(), orDefault(res.Diagnostics, "not live")))
	}

	if answered {
		for _, f := range failures {
			notLive = append(notLive, f.Error())
		}
		return stream.ProbeResult{Live: false, Diagnostics: strings.Join(notLive, "; ")}, nil
	}
	if len(failures) == 0 {
		return stream.ProbeResult{}, &ProbeError{
			Kind:     ToolUnavailable,
			Strategy: "chain",
			Err:      fmt.Errorf("no strategy applies to %q", desc.ID),
		}
	}

	errs := make([]error, len(failures))
	for i, f := range failures {
		errs[i] = f
	}
	return stream.ProbeResult{}, &ProbeError{
		Kind:     failures[0].Kind,
		Strategy: failures[0].Strategy,
		Err:      errors.Join(errs...),
	}
}

func (c *Chain) run(ctx context.Context, s Strategy, desc stream.Descriptor) (stream.ProbeResult, bool, error) {
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := s.Probe(pctx, desc)
	timedOut := errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if timedOut && err == nil && !res.Live {
		// a strategy that swallowed its deadline has not really answered
		err = context.DeadlineExceeded
	}
	return res, timedOut, err
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
