// Package lease implements an advisory exclusive lease shared between
// processes. A lease whose token is older than its TTL is considered abandoned
// and reclaimed.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"portablemsvc/internal/fault"
	"portablemsvc/internal/logx"
)

var (
	// ErrHeld is returned by a Backend when the token already exists.
	ErrHeld = errors.New("lease held by another owner")
	// ErrTimeout is wrapped in a transient fault when waiting exceeds the timeout.
	ErrTimeout = errors.New("timed out waiting for lease")
	// ErrUnsupported means the backend cannot create tokens at all.
	ErrUnsupported = errors.New("locking unsupported")
)

const (
	DefaultTimeout = 60 * time.Second
	DefaultTTL     = 5 * time.Minute
	DefaultPoll    = 100 * time.Millisecond
)

// Clock abstracts time so reclamation can be tested without sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Token describes an existing lease holder.
type Token struct {
	Owner    string
	Modified time.Time
}

// Backend performs the atomic primitives on a named token.
type Backend interface {
	// Create atomically creates the token or returns ErrHeld.
	Create(name, owner string) error
	// Stat describes the token; it returns an error wrapping os.ErrNotExist when absent.
	Stat(name string) (Token, error)
	// Remove deletes the token; removing an absent token is not an error.
	Remove(name string) error
}

// Options tune a Lease. Zero values take the defaults.
type Options struct {
	Timeout time.Duration
	TTL     time.Duration
	Poll    time.Duration
	Clock   Clock
	Backend Backend
	Logger  *slog.Logger
}

// Lease guards one named resource.
type Lease struct {
	name    string
	timeout time.Duration
	ttl     time.Duration
	poll    time.Duration
	clock   Clock
	backend Backend
	logger  *slog.Logger
}

// New creates a lease for name. Without a Backend the name is a lock file path.
func New(name string, opts Options) *Lease {
	l := &Lease{
		name:    name,
		timeout: opts.Timeout,
		ttl:     opts.TTL,
		poll:    opts.Poll,
		clock:   opts.Clock,
		backend: opts.Backend,
		logger:  logx.OrDiscard(opts.Logger),
	}
	if l.timeout <= 0 {
		l.timeout = DefaultTimeout
	}
	if l.ttl <= 0 {
		l.ttl = DefaultTTL
	}
	if l.poll <= 0 {
		l.poll = DefaultPoll
	}
	if l.clock == nil {
		l.clock = SystemClock
	}
	if l.backend == nil {
		l.backend = FileBackend{}
	}
	return l
}

// Name returns the guarded token name.
func (l *Lease) Name() string { return l.name }

// Acquire blocks until the lease is held, the timeout expires, or ctx ends.
// The returned release func is safe to call more than once.
func (l *Lease) Acquire(ctx context.Context) (func(), error) {
	owner := uuid.NewString()
	deadline := l.clock.Now().Add(l.timeout)

	for {
		err := l.backend.Create(l.name, owner)
		if err == nil {
			released := false
			return func() {
				if released {
					return
				}
				released = true
				l.release(owner)
			}, nil
		}
		if !errors.Is(err, ErrHeld) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}

		tok, statErr := l.backend.Stat(l.name)
		switch {
		case statErr == nil && l.clock.Now().Sub(tok.Modified) > l.ttl:
			l.logger.Warn("removing stale lock", "lock", l.name, "age", l.clock.Now().Sub(tok.Modified).Round(time.Second))
			if rmErr := l.backend.Remove(l.name); rmErr != nil {
				return nil, fmt.Errorf("remove stale lock %s: %w", l.name, rmErr)
			}
			continue
		case statErr != nil && !errors.Is(statErr, os.ErrNotExist):
			return nil, fmt.Errorf("inspect lock %s: %w", l.name, statErr)
		}

		if !l.clock.Now().Before(deadline) {
			return nil, fault.Transient("acquire "+l.name, ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock: %w", ctx.Err())
		case <-l.clock.After(l.poll):
		}
	}
}

func (l *Lease) release(owner string) {
	tok, err := l.backend.Stat(l.name)
	if err != nil {
		return
	}
	if tok.Owner != "" && tok.Owner != owner {
		// Reclaimed by someone else after we went stale; it is theirs now.
		l.logger.Warn("lock taken over before release", "lock", l.name)
		return
	}
	if err := l.backend.Remove(l.name); err != nil {
		l.logger.Warn("release lock", "lock", l.name, "error", err)
	}
}

// Do runs fn while holding the lease. When the backend cannot lock at all, fn
// still runs unguarded and a warning is logged; a timeout is returned as a
// transient fault.
func (l *Lease) Do(ctx context.Context, fn func() error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			l.logger.Warn("locking unavailable, continuing without lock", "lock", l.name, "error", err)
			return fn()
		}
		return err
	}
	defer release()
	return fn()
}
