package terminal

import (
	"context"
	"fmt"
	"slices"

	"github.com/puzpuzpuz/xsync/v3"
)

// Pool holds the terminals of the broker keyed by name.
type Pool struct {
	terminals *xsync.MapOf[string, *Terminal]
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{terminals: xsync.NewMapOf[string, *Terminal]()}
}

// Add registers t. A terminal with the same name must not exist.
func (p *Pool) Add(t *Terminal) error {
	if t == nil {
		return fmt.Errorf("%w: terminal", ErrNilArgument)
	}
	if _, loaded := p.terminals.LoadOrStore(t.Name(), t); loaded {
		return fmt.Errorf("%w: terminal %q already registered", ErrIllegalState, t.Name())
	}
	return nil
}

// Get returns the terminal called name.
func (p *Pool) Get(name string) (*Terminal, error) {
	t, ok := p.terminals.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: terminal %q", ErrNotFound, name)
	}
	return t, nil
}

// Names returns the terminal names, sorted.
func (p *Pool) Names() []string {
	names := make([]string, 0, p.terminals.Size())
	p.terminals.Range(func(name string, _ *Terminal) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

// Range calls fn for every terminal in name order until fn returns false.
func (p *Pool) Range(fn func(t *Terminal) bool) {
	for _, name := range p.Names() {
		t, ok := p.terminals.Load(name)
		if !ok {
			continue
		}
		if !fn(t) {
			return
		}
	}
}

// Len returns the number of terminals.
func (p *Pool) Len() int { return p.terminals.Size() }

// Remove shuts down and drops the terminal called name.
func (p *Pool) Remove(ctx context.Context, name string) error {
	t, ok := p.terminals.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("%w: terminal %q", ErrNotFound, name)
	}
	return t.Shutdown(ctx)
}

// Shutdown shuts down every terminal and returns the first failure.
func (p *Pool) Shutdown(ctx context.Context) error {
	var first error
	for _, name := range p.Names() {
		if err := p.Remove(ctx, name); err != nil && first == nil {
			first = err
		}
	}
	return first
}
