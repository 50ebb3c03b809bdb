package process

import (
	"errors"
	"fmt"
	"strings"
)

// ProducerKind classifies how the producer ended.
type ProducerKind int

const (
	ProducerLaunchFailed ProducerKind = iota
	ProducerAuthRejected
	ProducerStreamEnded
	ProducerExited
)

func (k ProducerKind) String() string {
	switch k {
	case ProducerLaunchFailed:
		return "launch failed"
	case ProducerAuthRejected:
		return "auth rejected"
	case ProducerStreamEnded:
		return "stream ended"
	case ProducerExited:
		return "exited"
	default:
		return "unknown"
	}
}

// ProducerError describes a producer that could not start or did not end
// cleanly. StreamEnded on its own is not a failure.
type ProducerError struct {
	Kind     ProducerKind
	ExitCode int
	Detail   string // last relevant stderr line
	Err      error
}

func (e *ProducerError) Error() string {
	msg := "producer " + e.Kind.String()
	if e.Kind != ProducerLaunchFailed && e.Kind != ProducerStreamEnded {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProducerError) Unwrap() error { return e.Err }

// Fatal reports whether the producer outcome fails the run.
func (e *ProducerError) Fatal() bool { return e.Kind != ProducerStreamEnded }

// ConsumerKind classifies consumer failures. Every kind is fatal.
type ConsumerKind int

const (
	ConsumerLaunchFailed ConsumerKind = iota
	ConsumerEncodeFailure
	ConsumerIngestRejected
	ConsumerInputClosed
)

func (k ConsumerKind) String() string {
	switch k {
	case ConsumerLaunchFailed:
		return "launch failed"
	case ConsumerEncodeFailure:
		return "encode failure"
	case ConsumerIngestRejected:
		return "ingest rejected"
	case ConsumerInputClosed:
		return "input closed"
	default:
		return "unknown"
	}
}

// ConsumerError describes a consumer that failed to start or exited
// non-zero.
type ConsumerError struct {
	Kind     ConsumerKind
	ExitCode int
	Detail   string
	Err      error
}

func (e *ConsumerError) Error() string {
	msg := "consumer " + e.Kind.String()
	if e.Kind != ConsumerLaunchFailed {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConsumerError) Unwrap() error { return e.Err }

// IsAuthRejected reports whether err carries a producer auth rejection.
func IsAuthRejected(err error) bool {
	var pe *ProducerError
	return errors.As(err, &pe) && pe.Kind == ProducerAuthRejected
}

var authMarkers = []string{
	"403",
	"forbidden",
	"sign in",
	"login",
	"log in",
	"cookies",
	"members-only",
	"private video",
	"this video is private",
	"age-restricted",
}

var ingestMarkers = []string{
	"connection refused",
	"rtmp_",
	"server returned 4",
	"server returned 5",
	"broken pipe",
	"connection reset",
	"failed to connect",
	"error opening output",
	"handshake",
}

var inputMarkers = []string{
	"pipe:0: end of file",
	"pipe:0: invalid data",
	"invalid data found when processing input",
	"could not find codec parameters",
	"end of file",
}

// ClassifyProducer maps a reaped producer's exit to a ProducerError. A clean
// exit is StreamEnded, which is not Fatal.
func ClassifyProducer(exitCode int, stderr string) *ProducerError {
	if exitCode == 0 {
		return &ProducerError{Kind: ProducerStreamEnded}
	}
	if line, ok := findMarker(stderr, authMarkers); ok {
		return &ProducerError{Kind: ProducerAuthRejected, ExitCode: exitCode, Detail: line}
	}
	return &ProducerError{Kind: ProducerExited, ExitCode: exitCode, Detail: lastLine(stderr)}
}

// ClassifyConsumer maps a reaped consumer's non-zero exit to a
// ConsumerError. producerGone tells whether the producer had already exited,
// which is when input markers mean the input closed early.
func ClassifyConsumer(exitCode int, stderr string, producerGone bool) *ConsumerError {
	if exitCode == 0 {
		return nil
	}
	if line, ok := findMarker(stderr, ingestMarkers); ok {
		return &ConsumerError{Kind: ConsumerIngestRejected, ExitCode: exitCode, Detail: line}
	}
	if producerGone {
		if line, ok := findMarker(stderr, inputMarkers); ok {
			return &ConsumerError{Kind: ConsumerInputClosed, ExitCode: exitCode, Detail: line}
		}
	}
	return &ConsumerError{Kind: ConsumerEncodeFailure, ExitCode: exitCode, Detail: lastLine(stderr)}
}

// findMarker returns the last stderr line that contains one of markers,
// matching case-insensitively.
func findMarker(stderr string, markers []string) (string, bool) {
	lines := splitLines(stderr)
	for i := len(lines) - 1; i >= 0; i-- {
		lower := strings.ToLower(lines[i])
		for _, m := range markers {
			if strings.Contains(lower, m) {
				return lines[i], true
			}
		}
	}
	return "", false
}

func lastLine(s string) string {
	lines := splitLines(s)
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func splitLines(s string) []string {
	var out []string
	for _, l := range strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' }) {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
