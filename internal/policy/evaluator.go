package policy

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/SimplyPrint/se-broker/internal/logging"
	"github.com/SimplyPrint/se-broker/internal/terminal"
)

// Evaluator is a terminal.Evaluator reading its rules from a file.
//
// Among the rules matching a request the most specific one wins; a deny
// wins over an allow of the same specificity. Requests no rule matches are
// denied.
type Evaluator struct {
	path     string
	terminal string

	mu         sync.RWMutex
	loaded     bool
	refreshTag string
	loadedAt   time.Time
	rules      []compiledRule
	identities map[string][][]byte
	resolver   terminal.CallerResolver
}

// NewEvaluator returns an evaluator for the rule file at path, applying the
// rules scoped to terminalName.
func NewEvaluator(path, terminalName string) *Evaluator {
	return &Evaluator{path: path, terminal: terminalName}
}

// Factory returns a terminal.EvaluatorFactory building file evaluators.
func Factory(path string) terminal.EvaluatorFactory {
	return func(t *terminal.Terminal) terminal.Evaluator {
		return NewEvaluator(path, t.Name())
	}
}

// Initialize loads the rule file. It reports false when the file holds no
// rules.
//
// Terminals always pass forceFullReload. Without it the loaded rules are
// kept when the file's refresh tag has not changed, for callers that poll
// the file themselves.
func (e *Evaluator) Initialize(ctx context.Context, forceFullReload bool, caller *terminal.Caller) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	f, err := Load(e.path)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !forceFullReload && e.loaded && f.RefreshTag != "" && f.RefreshTag == e.refreshTag {
		logging.Debug(logging.CatAccess, "Policy unchanged", map[string]any{
			"terminal":    e.terminal,
			"refresh_tag": f.RefreshTag,
		})
		return len(e.rules) > 0, nil
	}

	rules, err := compile(f)
	if err != nil {
		return false, fmt.Errorf("invalid policy %s: %w", e.path, err)
	}
	identities := make(map[string][][]byte, len(f.Identities))
	for name, hashes := range f.Identities {
		for _, h := range hashes {
			b, err := hex.DecodeString(h)
			if err != nil {
				return false, fmt.Errorf("invalid policy %s: identity %q: %w", e.path, name, err)
			}
			identities[name] = append(identities[name], b)
		}
	}

	e.rules = rules
	e.identities = identities
	e.refreshTag = f.RefreshTag
	e.loaded = true
	e.loadedAt = time.Now()

	requester := ""
	if caller != nil {
		requester = caller.Name
	}
	logging.Info(logging.CatAccess, "Policy loaded", map[string]any{
		"terminal":  e.terminal,
		"file":      e.path,
		"rules":     len(rules),
		"requester": requester,
	})
	return len(rules) > 0, nil
}

// Reset drops the loaded rules. Requests are denied until the next
// Initialize.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = false
	e.refreshTag = ""
	e.rules = nil
	e.identities = nil
}

func (e *Evaluator) SetCallerResolver(resolver terminal.CallerResolver) {
	e.mu.Lock()
	e.resolver = resolver
	e.mu.Unlock()
}

// AuthorizeChannelOpen evaluates the rules for aid and caller.
func (e *Evaluator) AuthorizeChannelOpen(ctx context.Context, aid []byte, caller *terminal.Caller) (terminal.AccessDecision, error) {
	if err := ctx.Err(); err != nil {
		return terminal.AccessDecision{}, err
	}
	if caller == nil {
		return terminal.AccessDecision{}, fmt.Errorf("%w: caller", terminal.ErrNilArgument)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.loaded {
		return terminal.AccessDecision{Reason: "access rules not loaded"}, nil
	}

	hashes, err := e.callerHashes(caller.Name)
	if err != nil {
		return terminal.AccessDecision{}, fmt.Errorf("resolving caller %q: %w", caller.Name, err)
	}

	var best *compiledRule
	bestScore := -1
	for i := range e.rules {
		r := &e.rules[i]
		if !r.matchesAID(aid) || !r.matchesTerminal(e.terminal) {
			continue
		}
		named, ok := matchesCaller(r, caller.Name, hashes)
		if !ok {
			continue
		}
		score := r.specificity(named)
		if score > bestScore || (score == bestScore && best.allow && !r.allow) {
			best, bestScore = r, score
		}
	}

	if best == nil {
		return terminal.AccessDecision{Reason: "no matching rule"}, nil
	}
	d := terminal.AccessDecision{Allowed: best.allow, Rule: best.name}
	if !best.allow {
		d.Reason = "denied by " + best.name
	}
	return d, nil
}

// callerHashes asks the resolver, falling back to the file's identities.
// Caller holds mu.
func (e *Evaluator) callerHashes(name string) ([][]byte, error) {
	if e.resolver != nil {
		return e.resolver.ResolveCaller(name)
	}
	return e.identities[name], nil
}

// matchesCaller reports whether r applies to the caller and whether it
// named the caller (by name or certificate) rather than matching everyone.
func matchesCaller(r *compiledRule, name string, hashes [][]byte) (named, ok bool) {
	if len(r.callers) == 0 && len(r.certHashes) == 0 {
		return false, true
	}
	for _, want := range r.certHashes {
		for _, have := range hashes {
			if bytes.Equal(want, have) {
				return true, true
			}
		}
	}
	for _, c := range r.callers {
		if c == name {
			return true, true
		}
		if c == Wildcard {
			ok = true
		}
	}
	return false, ok
}

// Dump writes the loaded rules.
func (e *Evaluator) Dump(w io.Writer, prefix string) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	fmt.Fprintf(w, "%sPolicy file: %s\n", prefix, e.path)
	if !e.loaded {
		fmt.Fprintf(w, "%s  not loaded\n", prefix)
		return
	}
	fmt.Fprintf(w, "%s  loaded at: %s\n", prefix, e.loadedAt.Format(time.RFC3339))
	if e.refreshTag != "" {
		fmt.Fprintf(w, "%s  refresh tag: %s\n", prefix, e.refreshTag)
	}
	for _, r := range e.rules {
		aid := "default"
		if r.anyAID {
			aid = Wildcard
		} else if r.aid != nil {
			aid = fmt.Sprintf("%X", r.aid)
		}
		verdict := "deny"
		if r.allow {
			verdict = "allow"
		}
		fmt.Fprintf(w, "%s  %s: %s aid=%s callers=%v certs=%d\n", prefix, r.name, verdict, aid, r.callers, len(r.certHashes))
	}
}
