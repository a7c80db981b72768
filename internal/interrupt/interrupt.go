// Package interrupt carries the process-wide stop request through the
// pipeline. A Manager is created once, handed to every stage, and polled at
// named checkpoints.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"
)

// ErrInterrupted is returned from a checkpoint once a stop was requested.
// It must be propagated, never swallowed.
var ErrInterrupted = errors.New("interrupted")

// Checkpoint names.
const (
	StageEntry    = "stage-entry"
	StageExit     = "stage-exit"
	StageVerified = "stage-verified"
	EveryNItems   = "every-n-items"
	Keyword       = "keyword"
	ScrollRound   = "scroll-round"
)

// Info is a snapshot of the manager's state.
type Info struct {
	Interrupted bool
	Count       int
	Reason      string
	LastAt      time.Time
}

// Manager is a mutex-guarded stop flag. The zero value is not usable; use New.
type Manager struct {
	mu     sync.Mutex
	set    bool
	count  int
	reason string
	lastAt time.Time
	done   chan struct{}
	now    func() time.Time
}

// New returns a Manager in the cleared state.
func New() *Manager {
	return &Manager{done: make(chan struct{}), now: time.Now}
}

// Set requests a stop. Repeated calls only bump the counter.
func (m *Manager) Set(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.count++
	m.reason = reason
	m.lastAt = m.now()
	if !m.set {
		m.set = true
		close(m.done)
	}
}

// IsSet reports whether a stop was requested.
func (m *Manager) IsSet() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set
}

// Reset clears the flag so the manager can drive another run.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.set {
		m.set = false
		m.done = make(chan struct{})
	}
	m.reason = ""
}

// Info returns a snapshot.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{Interrupted: m.set, Count: m.count, Reason: m.reason, LastAt: m.lastAt}
}

// Done is closed when a stop is requested.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Checkpoint returns ErrInterrupted, annotated with the checkpoint name,
// when a stop was requested.
func (m *Manager) Checkpoint(point string) error {
	if !m.IsSet() {
		return nil
	}
	return fmt.Errorf("%w at %s", ErrInterrupted, point)
}

// Context derives a context that is cancelled when a stop is requested.
// Blocking network calls use it so they unwind promptly; the pipeline
// itself still learns about the stop from Checkpoint.
func (m *Manager) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	done := m.Done()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Is reports whether err carries an interruption.
func Is(err error) bool {
	return errors.Is(err, ErrInterrupted)
}

// Notify installs the process signal handler that sets m. The handler
// stops when ctx ends. A second signal after the first is logged and
// counted but otherwise ignored.
func Notify(ctx context.Context, m *Manager, logger *slog.Logger, sigs ...os.Signal) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(sigs) == 0 {
		sigs = defaultSignals
	}

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, sigs...)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-ch:
				m.Set(sig.String())
				info := m.Info()
				logger.Warn("interrupt requested, stopping at next checkpoint",
					"signal", sig.String(), "count", info.Count)
			}
		}
	}()
}
