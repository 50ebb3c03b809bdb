// Package probe decides whether a source is live. Strategies wrap an
// external tool or a direct HTTP check; a Chain runs them in order and
// accepts the first live answer.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/whisper-darkly/sticky-relay/logger"
	"github.com/whisper-darkly/sticky-relay/stream"
)

// ErrNotApplicable is returned by a strategy that cannot handle the
// descriptor at all. The chain skips it silently.
var ErrNotApplicable = errors.New("strategy not applicable")

// Prober answers whether a descriptor is live. Not-live is a normal result;
// errors are *ProbeError.
type Prober interface {
	Probe(ctx context.Context, desc stream.Descriptor) (stream.ProbeResult, error)
}

// Strategy is one way of probing, registered by name.
type Strategy interface {
	Prober
	Name() string
}

// Kind classifies probe failures.
type Kind int

const (
	Timeout Kind = iota
	ToolUnavailable
	Unparseable
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case ToolUnavailable:
		return "tool unavailable"
	case Unparseable:
		return "unparseable"
	default:
		return "unknown"
	}
}

// ProbeError is a probe that could not produce an answer.
type ProbeError struct {
	Kind     Kind
	Strategy string
	Err      error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %s: %v", e.Strategy, e.Kind, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// classify wraps err as a *ProbeError for strategy. timedOut is set when the
// per-probe deadline fired.
func classify(strategy string, err error, timedOut bool) *ProbeError {
	var pe *ProbeError
	if errors.As(err, &pe) {
		if pe.Strategy == "" {
			pe.Strategy = strategy
		}
		return pe
	}
	kind := Unparseable
	switch {
	case timedOut || errors.Is(err, context.DeadlineExceeded):
		kind = Timeout
	case errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission):
		kind = ToolUnavailable
	}
	return &ProbeError{Kind: kind, Strategy: strategy, Err: err}
}

// Options configures the registered strategies.
type Options struct {
	StreamlinkPath string
	YtdlpPath      string
	UserAgent      string
	InsecureTLS    bool
	Log            *logger.Logger
}

func (o Options) withDefaults() Options {
	if o.StreamlinkPath == "" {
		o.StreamlinkPath = "streamlink"
	}
	if o.YtdlpPath == "" {
		o.YtdlpPath = "yt-dlp"
	}
	if o.Log == nil {
		o.Log = logger.Discard()
	}
	return o
}

// Factory builds a strategy from options.
type Factory func(Options) Strategy

var registry = map[string]Factory{}

// Register adds a strategy factory to the global registry.
func Register(name string, f Factory) {
	registry[name] = f
}

// Get builds the named strategy.
func Get(name string, opts Options) (Strategy, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown probe strategy %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return f(opts.withDefaults()), nil
}

// Names returns the registered strategy names, sorted.
func Names() []string {
	names := lo.Keys(registry)
	sort.Strings(names)
	return names
}

// ParseNames splits a comma separated strategy list, normalising case and
// dropping blanks and repeats while keeping order.
func ParseNames(s string) []string {
	names := lo.Map(strings.Split(s, ","), func(n string, _ int) string {
		return strings.ToLower(strings.TrimSpace(n))
	})
	return lo.Uniq(lo.Compact(names))
}
