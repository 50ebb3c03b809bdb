package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a run.
type State int

const (
	Starting State = iota
	Streaming
	Draining
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Snapshot is a read-only copy of a run.
type Snapshot struct {
	ID           uuid.UUID
	State        State
	StartedAt    time.Time
	ProducerPid  int
	ConsumerPid  int
	ProducerExit int // -1 until the producer has been reaped
	ConsumerExit int // -1 until the consumer has been reaped
}

// Observer is notified of every state change, synchronously on the
// goroutine running the pipeline. The first call of a run has
// from == to == Starting.
type Observer interface {
	OnState(run Snapshot, from, to State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(run Snapshot, from, to State)

func (f ObserverFunc) OnState(run Snapshot, from, to State) { f(run, from, to) }

// Observers fans a notification out to several observers in order.
type Observers []Observer

func (o Observers) OnState(run Snapshot, from, to State) {
	for _, obs := range o {
		if obs != nil {
			obs.OnState(run, from, to)
		}
	}
}

// run is mutated only by the pipeline goroutine; Snapshot may be taken from
// anywhere.
type run struct {
	mu   sync.Mutex
	snap Snapshot
}

func newRun() *run {
	return &run{snap: Snapshot{
		ID:           uuid.New(),
		State:        Starting,
		StartedAt:    time.Now(),
		ProducerExit: -1,
		ConsumerExit: -1,
	}}
}

func (r *run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

func (r *run) update(fn func(*Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.snap)
}
