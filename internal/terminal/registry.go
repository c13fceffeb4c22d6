package terminal

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// trackedSession is what the registry needs from a session.
type trackedSession interface {
	closeChannels(ctx context.Context) error
	isClosed() bool
	// setClosed marks the session closed and reports whether this call
	// closed it.
	setClosed() bool
	basicChannel() *Channel
}

// registry tracks the open sessions of one terminal in creation order. It
// never holds its lock while closing, so a session that closes others as a
// side effect cannot deadlock it.
type registry struct {
	mu       sync.Mutex
	sessions []trackedSession
}

func (r *registry) add(s trackedSession) {
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
}

// remove drops s and reports whether it was tracked.
func (r *registry) remove(s trackedSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.Index(r.sessions, s)
	if i < 0 {
		return false
	}
	r.sessions = slices.Delete(r.sessions, i, i+1)
	return true
}

// close closes the channels of s, marks it closed and stops tracking it.
// Channel close failures do not stop the remaining closes; the first one is
// returned.
func (r *registry) close(ctx context.Context, s trackedSession) error {
	if s == nil {
		return fmt.Errorf("%w: session is nil", ErrNilArgument)
	}
	var err error
	if s.setClosed() {
		err = s.closeChannels(ctx)
	}
	r.remove(s)
	return err
}

// closeAll closes every tracked session in registry order. The live set is
// re-read after each close because closing one session may close others.
func (r *registry) closeAll(ctx context.Context) error {
	var first error
	for {
		s := r.first()
		if s == nil {
			break
		}
		if err := r.close(ctx, s); err != nil && first == nil {
			first = err
		}
	}

	r.mu.Lock()
	r.sessions = nil
	r.mu.Unlock()
	return first
}

func (r *registry) first() trackedSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil
	}
	return r.sessions[0]
}

// findOpenBasicChannel returns the open basic channel of any session, or nil.
func (r *registry) findOpenBasicChannel() *Channel {
	for _, s := range r.snapshot() {
		if ch := s.basicChannel(); ch != nil {
			return ch
		}
	}
	return nil
}

func (r *registry) snapshot() []trackedSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sessions)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
