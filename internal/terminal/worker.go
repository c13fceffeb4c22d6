package terminal

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/SimplyPrint/se-broker/internal/logging"
)

type command int

const (
	cmdInitialize command = iota
	cmdPresenceChanged
	cmdShutdown
)

func (c command) String() string {
	switch c {
	case cmdInitialize:
		return "initialize"
	case cmdPresenceChanged:
		return "presence_changed"
	case cmdShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// worker runs the background side of a terminal. Commands are handled one
// at a time in arrival order; presence changes are only subscribed to after
// the initial access control load has finished.
type worker struct {
	t  *Terminal
	tr Transport

	queue  chan command
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// presencePending coalesces notifications that arrive while one is
	// still queued.
	presencePending atomic.Bool

	// subscribed is closed once the presence subscription is in place.
	subscribed chan struct{}
}

func newWorker(t *Terminal, tr Transport) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		t:          t,
		tr:         tr,
		queue:      make(chan command, 8),
		ctx:        ctx,
		cancel:     cancel,
		subscribed: make(chan struct{}),
	}
}

func (w *worker) start() {
	w.queue <- cmdInitialize
	w.wg.Add(1)
	go w.run()
}

// stop cancels work in flight and waits for the worker and the presence
// subscription to finish.
func (w *worker) stop() {
	select {
	case w.queue <- cmdShutdown:
	default:
	}
	w.cancel()
	w.wg.Wait()
}

func (w *worker) run() {
	defer w.wg.Done()
	defer logging.RecoverAndLog("terminal worker "+w.t.name, false)

	for {
		select {
		case <-w.ctx.Done():
			return
		case cmd := <-w.queue:
			if !w.handle(cmd) {
				return
			}
		}
	}
}

func (w *worker) handle(cmd command) bool {
	logging.Debug(logging.CatTerminal, "Worker command", map[string]any{
		"terminal": w.t.name,
		"command":  cmd.String(),
	})

	switch cmd {
	case cmdInitialize:
		w.initialize(false)
		w.subscribe()
	case cmdPresenceChanged:
		w.presencePending.Store(false)
		w.initialize(true)
		if fn := w.t.opts.OnPresenceChanged; fn != nil && w.ctx.Err() == nil {
			fn(w.t, w.t.IsSecureElementPresent(w.ctx))
		}
	case cmdShutdown:
		return false
	}
	return true
}

func (w *worker) initialize(reset bool) {
	if _, err := w.t.InitializeAccessControl(w.ctx, reset); err != nil {
		logging.Warn(logging.CatAccess, "Background access control initialization failed", map[string]any{
			"terminal": w.t.name,
			"reset":    reset,
			"error":    err.Error(),
		})
	}
}

func (w *worker) subscribe() {
	select {
	case <-w.subscribed:
		return
	default:
	}
	if w.ctx.Err() != nil {
		return
	}
	defer close(w.subscribed)

	changes, err := w.tr.PresenceChanges(w.ctx)
	if err != nil {
		logging.Warn(logging.CatTerminal, "Presence change subscription failed", map[string]any{
			"terminal": w.t.name,
			"error":    err.Error(),
		})
		return
	}

	w.wg.Add(1)
	go w.forward(changes)
}

func (w *worker) forward(changes <-chan struct{}) {
	defer w.wg.Done()
	defer logging.RecoverAndLog("presence forwarder "+w.t.name, false)

	for {
		select {
		case <-w.ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			w.notifyPresenceChanged()
		}
	}
}

func (w *worker) notifyPresenceChanged() {
	if !w.presencePending.CompareAndSwap(false, true) {
		return
	}
	select {
	case w.queue <- cmdPresenceChanged:
	case <-w.ctx.Done():
	}
}
