package terminal

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// AIDs are 5 to 16 bytes long (ISO 7816-4).
const (
	minAIDLength = 5
	maxAIDLength = 16
)

// Session groups the channels one client holds on a terminal. Sessions are
// created by Terminal.OpenSession and never outlive their terminal.
type Session struct {
	id       string
	terminal *Terminal

	mu       sync.Mutex
	channels []*Channel
	closed   bool
}

func newSession(t *Terminal) *Session {
	return &Session{
		id:       uuid.NewString(),
		terminal: t,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Terminal returns the owning terminal.
func (s *Session) Terminal() *Terminal { return s.terminal }

// IsClosed reports whether the session has been closed.
func (s *Session) IsClosed() bool { return s.isClosed() }

// ATR returns the answer to reset of the card, or nil.
func (s *Session) ATR(ctx context.Context) []byte {
	return s.terminal.ATR(ctx)
}

// BasicChannel returns the open basic channel of this session, or nil.
func (s *Session) BasicChannel() *Channel { return s.basicChannel() }

// Channels returns the open channels in the order they were opened.
func (s *Session) Channels() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.channels)
}

// OpenBasicChannel authorizes caller for aid and opens the basic channel.
// A nil aid uses the default application.
func (s *Session) OpenBasicChannel(ctx context.Context, aid []byte, caller *Caller) (*Channel, error) {
	access, err := s.prepareOpen(ctx, aid, caller)
	if err != nil {
		return nil, err
	}
	return s.terminal.openBasicChannel(ctx, s, aid, caller, access)
}

// OpenLogicalChannel authorizes caller for aid and opens a supplementary
// channel. A nil aid opens the channel without selecting anything.
func (s *Session) OpenLogicalChannel(ctx context.Context, aid []byte, caller *Caller) (*Channel, error) {
	access, err := s.prepareOpen(ctx, aid, caller)
	if err != nil {
		return nil, err
	}
	return s.terminal.openLogicalChannel(ctx, s, aid, caller, access)
}

func (s *Session) prepareOpen(ctx context.Context, aid []byte, caller *Caller) (AccessDecision, error) {
	if s.isClosed() {
		return AccessDecision{}, ErrSessionClosed
	}
	if caller == nil {
		return AccessDecision{}, fmt.Errorf("%w: caller", ErrNilArgument)
	}
	if aid != nil && (len(aid) < minAIDLength || len(aid) > maxAIDLength) {
		return AccessDecision{}, fmt.Errorf("%w: AID length %d out of range", ErrInvalidArgument, len(aid))
	}
	return s.terminal.SetUpChannelAccess(ctx, aid, caller)
}

// CloseChannels closes every channel of the session and leaves the session
// open. The first failure is returned after all closes were attempted.
func (s *Session) CloseChannels(ctx context.Context) error {
	return s.closeChannels(ctx)
}

// Close closes all channels and removes the session from its terminal.
func (s *Session) Close(ctx context.Context) error {
	return s.terminal.CloseSession(ctx, s)
}

func (s *Session) addChannel(ch *Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.channels = append(s.channels, ch)
	return nil
}

func (s *Session) removeChannel(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.Index(s.channels, ch); i >= 0 {
		s.channels = slices.Delete(s.channels, i, i+1)
	}
}

func (s *Session) closeChannels(ctx context.Context) error {
	var first error
	for _, ch := range s.Channels() {
		if err := ch.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) setClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *Session) basicChannel() *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.number == 0 && !ch.IsClosed() {
			return ch
		}
	}
	return nil
}
