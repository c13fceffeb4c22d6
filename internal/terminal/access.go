package terminal

import (
	"context"
	"fmt"
	"io"

	"github.com/SimplyPrint/se-broker/internal/logging"
)

// DefaultAccessControlAID is the AID of the GlobalPlatform access rule
// application master (ARA-M). It is selected on the basic channel as a last
// resort when the default application cannot be re-selected.
var DefaultAccessControlAID = []byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x41, 0x43, 0x4C, 0x00}

// Caller identifies the client on whose behalf a session or channel is used.
type Caller struct {
	Name string
}

// systemCaller is passed to the evaluator for initializations the broker
// starts on its own.
var systemCaller = &Caller{Name: "se-broker"}

// CallerResolver maps a caller name to the certificate hashes that vouch for
// it.
type CallerResolver interface {
	ResolveCaller(name string) ([][]byte, error)
}

// AccessDecision is the evaluator's answer for one channel open request.
type AccessDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

// Evaluator decides whether a caller may open a channel to an application.
// The terminal owns at most one Evaluator at a time and replaces it
// wholesale on reset.
type Evaluator interface {
	// Initialize loads (or, with forceFullReload, reloads) the policy.
	Initialize(ctx context.Context, forceFullReload bool, caller *Caller) (bool, error)

	// Reset discards any cached policy.
	Reset()

	SetCallerResolver(resolver CallerResolver)

	// AuthorizeChannelOpen evaluates a channel open request. Errors are
	// returned to the caller unchanged.
	AuthorizeChannelOpen(ctx context.Context, aid []byte, caller *Caller) (AccessDecision, error)

	Dump(w io.Writer, prefix string)
}

// EvaluatorFactory builds a fresh Evaluator for a terminal.
type EvaluatorFactory func(t *Terminal) Evaluator

type evaluatorSlot struct {
	Evaluator
}

// AccessControlEvaluator returns the current evaluator, or nil.
func (t *Terminal) AccessControlEvaluator() Evaluator {
	if slot := t.evaluator.Load(); slot != nil {
		return slot.Evaluator
	}
	return nil
}

// InitializeAccessControl (re)initializes the access control policy. When
// no card is present the current state is only marked stale and the call
// succeeds; the next initialization while a card is present resets it.
// Initializations never overlap.
func (t *Terminal) InitializeAccessControl(ctx context.Context, reset bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initializeAccessControlLocked(ctx, reset)
}

func (t *Terminal) initializeAccessControlLocked(ctx context.Context, reset bool) (bool, error) {
	logging.Info(logging.CatAccess, "Initializing access control", map[string]any{
		"terminal": t.name,
		"reset":    reset,
	})

	present, err := t.isCardPresent(ctx)
	if err != nil {
		logging.Debug(logging.CatAccess, "Card presence query failed, treating as absent", map[string]any{
			"terminal": t.name,
			"error":    err.Error(),
		})
		present = false
	}
	if !present {
		logging.Info(logging.CatAccess, "Not initializing access control, secure element not present", map[string]any{
			"terminal": t.name,
		})
		t.accessStale = true
		return true, nil
	}

	reset = reset || t.accessStale
	current := t.AccessControlEvaluator()

	if current != nil && !reset {
		ok, err := current.Initialize(ctx, true, systemCaller)
		t.opts.Metrics.accessInitialized(t.name, ok, err)
		if err != nil {
			return false, fmt.Errorf("access control initialization: %w", err)
		}
		return ok, nil
	}

	next := t.opts.NewEvaluator(t)
	if t.opts.CallerResolver != nil {
		next.SetCallerResolver(t.opts.CallerResolver)
	}

	ok, err := next.Initialize(ctx, true, systemCaller)
	t.opts.Metrics.accessInitialized(t.name, ok, err)
	if err != nil {
		// the half built evaluator is dropped; a failed reset must not leave
		// the previous card's policy in force
		if current != nil {
			t.evaluator.Store(nil)
			current.Reset()
		}
		t.accessStale = reset
		logging.Warn(logging.CatAccess, "Access control initialization failed", map[string]any{
			"terminal": t.name,
			"error":    err.Error(),
		})
		return false, fmt.Errorf("access control initialization: %w", err)
	}

	t.evaluator.Store(&evaluatorSlot{next})
	if current != nil {
		current.Reset()
	}
	t.accessStale = false

	logging.Info(logging.CatAccess, "Access control initialized", map[string]any{
		"terminal": t.name,
		"result":   ok,
	})
	return ok, nil
}

// ResetAccessControl tells the current evaluator to discard its cached
// policy.
func (t *Terminal) ResetAccessControl() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev := t.AccessControlEvaluator(); ev != nil {
		ev.Reset()
	}
	t.accessStale = true
}

// SetUpChannelAccess asks the evaluator whether caller may open a channel to
// aid. A nil aid stands for the default application.
func (t *Terminal) SetUpChannelAccess(ctx context.Context, aid []byte, caller *Caller) (AccessDecision, error) {
	if caller == nil {
		return AccessDecision{}, fmt.Errorf("%w: caller", ErrNilArgument)
	}

	ev := t.AccessControlEvaluator()
	if ev == nil {
		return AccessDecision{}, fmt.Errorf("%w: access control enforcer not properly set up", ErrAccessDenied)
	}

	decision, err := ev.AuthorizeChannelOpen(ctx, aid, caller)
	if err != nil {
		return AccessDecision{}, err
	}
	if !decision.Allowed {
		logging.Info(logging.CatAccess, "Channel access denied", map[string]any{
			"terminal": t.name,
			"caller":   caller.Name,
			"aid":      fmt.Sprintf("%X", aid),
			"reason":   decision.Reason,
		})
		reason := decision.Reason
		if reason == "" {
			reason = "no matching rule"
		}
		return decision, fmt.Errorf("%w: %s", ErrAccessDenied, reason)
	}
	return decision, nil
}
