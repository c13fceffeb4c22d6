package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/SimplyPrint/se-broker/internal/logging"
)

// Options configures a Terminal.
type Options struct {
	// NewEvaluator builds the access control evaluator. Required.
	NewEvaluator EvaluatorFactory

	// CallerResolver is handed to every evaluator the terminal builds.
	CallerResolver CallerResolver

	// Metrics may be nil.
	Metrics *Metrics

	// OnPresenceChanged is called from the worker after the access control
	// state was rebuilt for a card insertion or removal.
	OnPresenceChanged func(t *Terminal, present bool)
}

// Terminal brokers access to one secure element. It owns the transport,
// the session registry and the access control evaluator.
//
// Lock order: mu, channelMu, registry.mu, Session.mu. transmitMu is a leaf
// and guards every exchange with the card.
type Terminal struct {
	name string
	opts Options

	// mu serializes access control initialization, session creation and
	// bulk close.
	mu sync.Mutex

	transmitMu sync.Mutex

	// channelMu guards basic channel allocation and defaultAppSelected.
	channelMu          sync.Mutex
	defaultAppSelected bool

	trMu      sync.RWMutex
	transport Transport

	evaluator   atomic.Pointer[evaluatorSlot]
	accessStale bool // guarded by mu

	registry registry
	worker   *worker
	closed   atomic.Bool
}

// New creates a terminal named name. It has no transport until Start.
func New(name string, opts Options) (*Terminal, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: terminal name is empty", ErrInvalidArgument)
	}
	if opts.NewEvaluator == nil {
		return nil, fmt.Errorf("%w: evaluator factory", ErrNilArgument)
	}
	return &Terminal{
		name:               name,
		opts:               opts,
		defaultAppSelected: true,
	}, nil
}

// Name returns the terminal name.
func (t *Terminal) Name() string { return t.name }

// IsConnected reports whether a transport is attached.
func (t *Terminal) IsConnected() bool {
	t.trMu.RLock()
	defer t.trMu.RUnlock()
	return t.transport != nil
}

func (t *Terminal) stub() (Transport, error) {
	t.trMu.RLock()
	defer t.trMu.RUnlock()
	if t.transport == nil {
		if t.closed.Load() {
			return nil, ErrTerminalClosed
		}
		return nil, ErrNotConnected
	}
	return t.transport, nil
}

func (t *Terminal) isCardPresent(ctx context.Context) (bool, error) {
	tr, err := t.stub()
	if err != nil {
		return false, err
	}
	present, err := tr.IsCardPresent(ctx)
	if err != nil {
		return false, transportErr("card presence", err)
	}
	return present, nil
}

// ATR returns the answer to reset of the card, or nil when it cannot be
// read.
func (t *Terminal) ATR(ctx context.Context) []byte {
	tr, err := t.stub()
	if err != nil {
		return nil
	}
	atr, err := tr.ATR(ctx)
	if err != nil {
		logging.Debug(logging.CatTerminal, "ATR not available", map[string]any{
			"terminal": t.name,
			"error":    err.Error(),
		})
		return nil
	}
	return atr
}

// Start attaches the transport and starts the background worker, which
// initializes access control and then follows card presence changes.
func (t *Terminal) Start(tr Transport) error {
	if tr == nil {
		return fmt.Errorf("%w: transport", ErrNilArgument)
	}
	if t.closed.Load() {
		return ErrTerminalClosed
	}

	t.trMu.Lock()
	if t.transport != nil {
		t.trMu.Unlock()
		return fmt.Errorf("%w: terminal already started", ErrIllegalState)
	}
	t.transport = tr
	t.trMu.Unlock()

	t.worker = newWorker(t, tr)
	t.worker.start()

	logging.Info(logging.CatTerminal, "Terminal connected", map[string]any{
		"terminal": t.name,
	})
	return nil
}

// Shutdown stops the worker, cancelling any initialization in flight and
// unsubscribing from presence changes, closes all sessions and releases the
// transport. Session close failures are logged only.
func (t *Terminal) Shutdown(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	if t.worker != nil {
		t.worker.stop()
	}

	t.mu.Lock()
	if err := t.closeAllLocked(ctx); err != nil {
		logging.Debug(logging.CatTerminal, "Error closing sessions on shutdown", map[string]any{
			"terminal": t.name,
			"error":    err.Error(),
		})
	}
	t.mu.Unlock()

	t.trMu.Lock()
	tr := t.transport
	t.transport = nil
	t.trMu.Unlock()

	if ev := t.evaluator.Swap(nil); ev != nil {
		ev.Reset()
	}

	logging.Info(logging.CatTerminal, "Terminal shut down", map[string]any{
		"terminal": t.name,
	})

	if tr == nil {
		return nil
	}
	if err := tr.Close(); err != nil {
		return transportErr("release transport", err)
	}
	return nil
}

// OpenSession creates a session once a card is present and access control
// could be initialized. It never returns a session on failure.
func (t *Terminal) OpenSession(ctx context.Context) (*Session, error) {
	if t.closed.Load() {
		return nil, ErrTerminalClosed
	}

	present, err := t.isCardPresent(ctx)
	if err != nil || !present {
		return nil, ErrNoSecureElement
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Shutdown may have run while we checked for the card.
	if t.closed.Load() {
		return nil, ErrTerminalClosed
	}

	if _, err := t.initializeAccessControlLocked(ctx, false); err != nil {
		return nil, err
	}

	s := newSession(t)
	t.registry.add(s)
	t.opts.Metrics.sessionOpened(t.name)

	logging.Info(logging.CatTerminal, "Session opened", map[string]any{
		"terminal": t.name,
		"session":  s.ID(),
	})
	return s, nil
}

// CloseSession closes one session. A nil session is a programming error.
func (t *Terminal) CloseSession(ctx context.Context, s *Session) error {
	if s == nil {
		return fmt.Errorf("%w: session is nil", ErrNilArgument)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	wasTracked := !s.isClosed()
	err := t.registry.close(ctx, s)
	if wasTracked {
		t.opts.Metrics.sessionClosed(t.name)
		logging.Info(logging.CatTerminal, "Session closed", map[string]any{
			"terminal": t.name,
			"session":  s.ID(),
		})
	}
	return err
}

// CloseSessions closes every session and returns the first failure.
func (t *Terminal) CloseSessions(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeAllLocked(ctx)
}

func (t *Terminal) closeAllLocked(ctx context.Context) error {
	n := t.registry.len()
	err := t.registry.closeAll(ctx)
	for i := 0; i < n; i++ {
		t.opts.Metrics.sessionClosed(t.name)
	}
	if n > 0 {
		logging.Info(logging.CatTerminal, "Sessions closed", map[string]any{
			"terminal": t.name,
			"count":    n,
		})
	}
	return err
}

// Sessions returns the open sessions in creation order.
func (t *Terminal) Sessions() []*Session {
	tracked := t.registry.snapshot()
	out := make([]*Session, 0, len(tracked))
	for _, s := range tracked {
		if session, ok := s.(*Session); ok {
			out = append(out, session)
		}
	}
	return out
}

// IsSecureElementPresent reports whether a card is present. Failures read
// as absent.
func (t *Terminal) IsSecureElementPresent(ctx context.Context) bool {
	present, err := t.isCardPresent(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotConnected) {
			logging.Debug(logging.CatTerminal, "Card presence query failed", map[string]any{
				"terminal": t.name,
				"error":    err.Error(),
			})
		}
		return false
	}
	return present
}
