// Package lock keeps a single relay per ingest target. A second relay
// pushing the same stream key would make the endpoint drop one of them.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

var (
	// ErrTargetBusy is returned when another run holds the target.
	ErrTargetBusy = errors.New("ingest target is already in use")
	// ErrLeaseLost is the cause given when a held lease stops being ours.
	ErrLeaseLost = errors.New("ingest target lock lost")
)

// Locker hands out exclusive leases on ingest targets.
type Locker interface {
	// Acquire takes the lock for target without blocking. It returns
	// ErrTargetBusy when the target is held elsewhere.
	Acquire(ctx context.Context, target string) (Lease, error)
}

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
	// Lost is closed if the lock is taken over or expires while held.
	Lost() <-chan struct{}
}

// Key derives the lock key for an ingest URL. The URL carries the stream
// key, so only its digest is stored.
func Key(target string) string {
	sum := sha256.Sum256([]byte(target))
	return hex.EncodeToString(sum[:])
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) Acquire(_ context.Context, target string) (Lease, error) {
	key := Key(target)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrTargetBusy
	}
	l.held[key] = struct{}{}
	return &localLease{owner: l, key: key}, nil
}

type localLease struct {
	owner *Local
	key   string
	once  sync.Once
}

// Lost never fires for an in-process lease.
func (l *localLease) Lost() <-chan struct{} { return nil }

func (l *localLease) Release(context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		delete(l.owner.held, l.key)
		l.owner.mu.Unlock()
	})
	return nil
}
