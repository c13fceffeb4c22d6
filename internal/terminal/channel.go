package terminal

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/SimplyPrint/se-broker/internal/apdu"
	"github.com/SimplyPrint/se-broker/internal/logging"
)

// Channel is a logical channel opened by a session. Channel 0 is the basic
// channel; closing it re-selects the default application instead of
// closing anything on the card.
type Channel struct {
	number         int
	session        *Session
	terminal       *Terminal
	caller         *Caller
	selectResponse []byte

	mu             sync.Mutex
	hasSelectedAID bool
	aid            []byte
	access         AccessDecision

	closed atomic.Bool
}

func newChannel(session *Session, t *Terminal, number int, selectResponse []byte, caller *Caller) *Channel {
	return &Channel{
		number:         number,
		session:        session,
		terminal:       t,
		caller:         caller,
		selectResponse: slices.Clone(selectResponse),
	}
}

// Number returns the logical channel number.
func (c *Channel) Number() int { return c.number }

// IsBasic reports whether this is the basic channel.
func (c *Channel) IsBasic() bool { return c.number == 0 }

// Session returns the owning session.
func (c *Channel) Session() *Session { return c.session }

// Caller returns the client the channel was opened for.
func (c *Channel) Caller() *Caller { return c.caller }

// SelectResponse returns the response to the SELECT that opened the
// channel, or nil when nothing was selected.
func (c *Channel) SelectResponse() []byte { return slices.Clone(c.selectResponse) }

// IsClosed reports whether the channel has been closed.
func (c *Channel) IsClosed() bool { return c.closed.Load() }

// SetSelectedAID records whether an application was explicitly selected.
func (c *Channel) SetSelectedAID(selected bool, aid []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasSelectedAID = selected
	c.aid = slices.Clone(aid)
}

// SelectedAID returns the selected application, if any.
func (c *Channel) SelectedAID() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.aid), c.hasSelectedAID
}

// Access returns the decision that allowed the channel to be opened.
func (c *Channel) Access() AccessDecision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.access
}

func (c *Channel) setAccess(d AccessDecision) {
	c.mu.Lock()
	c.access = d
	c.mu.Unlock()
}

// Transmit sends a caller supplied command on this channel. The channel
// number is encoded into CLA. MANAGE CHANNEL and SELECT by DF name are
// reserved to the broker.
func (c *Channel) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	if c.IsClosed() {
		return nil, ErrChannelClosed
	}
	if len(cmd) < 4 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, apdu.ErrShortCommand)
	}
	if apdu.IsManageChannel(cmd) {
		return nil, fmt.Errorf("%w: MANAGE CHANNEL command not allowed", ErrAccessDenied)
	}
	if apdu.IsSelectByName(cmd) {
		return nil, fmt.Errorf("%w: SELECT by DF name not allowed", ErrAccessDenied)
	}

	cla, err := apdu.SetChannel(cmd[0], c.number)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	out := slices.Clone(cmd)
	out[0] = cla

	return c.terminal.Transmit(ctx, out, 0, 0, 0, "")
}

// Close closes the channel. Closing an already closed channel is a no-op.
func (c *Channel) Close(ctx context.Context) error {
	if c.IsBasic() {
		return c.terminal.closeBasicChannel(ctx, c)
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.terminal.closeLogicalChannel(ctx, c.number)
	c.session.removeChannel(c)
	return err
}

// closeBasicChannel holds channelMu from marking c closed until the default
// application is selected again, so no other session can claim the basic
// channel in between.
func (t *Terminal) closeBasicChannel(ctx context.Context, c *Channel) error {
	t.channelMu.Lock()
	defer t.channelMu.Unlock()
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.reselectDefaultLocked(ctx)
	c.session.removeChannel(c)
	return err
}

// OpenBasicChannel opens the basic channel for session, selecting aid when
// given. Only one basic channel may be open across all sessions. A nil aid
// requires the default application to still be selected.
func (t *Terminal) OpenBasicChannel(ctx context.Context, session *Session, aid []byte, caller *Caller) (*Channel, error) {
	return t.openBasicChannel(ctx, session, aid, caller, AccessDecision{})
}

func (t *Terminal) openBasicChannel(ctx context.Context, session *Session, aid []byte, caller *Caller, access AccessDecision) (*Channel, error) {
	if session == nil {
		return nil, fmt.Errorf("%w: session", ErrNilArgument)
	}
	if caller == nil {
		return nil, fmt.Errorf("%w: caller", ErrNilArgument)
	}

	t.channelMu.Lock()
	defer t.channelMu.Unlock()

	if t.registry.findOpenBasicChannel() != nil {
		return nil, fmt.Errorf("%w: basic channel in use", ErrResourceBusy)
	}

	var ch *Channel
	if aid == nil {
		if !t.defaultAppSelected {
			return nil, fmt.Errorf("%w: default application is not selected", ErrIllegalState)
		}
		ch = newChannel(session, t, 0, nil, caller)
		ch.SetSelectedAID(false, nil)
	} else {
		rsp, err := t.Transmit(ctx, apdu.Select(aid), 2, uint16(apdu.SWSuccess), 0xFFFF, "SELECT")
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		ch = newChannel(session, t, 0, rsp, caller)
		ch.SetSelectedAID(true, aid)
		t.defaultAppSelected = false
	}
	ch.setAccess(access)

	if err := session.addChannel(ch); err != nil {
		// the session went away while we selected; put the card back
		ch.closed.Store(true)
		_ = t.reselectDefaultLocked(ctx)
		return nil, err
	}

	logging.Info(logging.CatTerminal, "Basic channel opened", map[string]any{
		"terminal": t.name,
		"session":  session.ID(),
		"caller":   caller.Name,
		"aid":      fmt.Sprintf("%X", aid),
	})
	return ch, nil
}

// openLogicalChannel opens a supplementary channel through the transport.
func (t *Terminal) openLogicalChannel(ctx context.Context, session *Session, aid []byte, caller *Caller, access AccessDecision) (*Channel, error) {
	if session == nil {
		return nil, fmt.Errorf("%w: session", ErrNilArgument)
	}
	if caller == nil {
		return nil, fmt.Errorf("%w: caller", ErrNilArgument)
	}

	tr, err := t.stub()
	if err != nil {
		return nil, err
	}

	t.transmitMu.Lock()
	rsp, err := tr.OpenLogicalChannel(ctx, aid)
	t.transmitMu.Unlock()
	if err != nil {
		return nil, transportErr("open logical channel", err)
	}
	if rsp == nil || rsp.Channel <= 0 || rsp.Channel > apdu.MaxLogicalChannel {
		return nil, fmt.Errorf("%w: invalid logical channel number", ErrProtocol)
	}

	ch := newChannel(session, t, rsp.Channel, rsp.SelectResponse, caller)
	ch.SetSelectedAID(aid != nil, aid)
	ch.setAccess(access)

	if err := session.addChannel(ch); err != nil {
		ch.closed.Store(true)
		_ = t.closeLogicalChannel(ctx, rsp.Channel)
		return nil, err
	}

	logging.Info(logging.CatTerminal, "Logical channel opened", map[string]any{
		"terminal": t.name,
		"session":  session.ID(),
		"caller":   caller.Name,
		"channel":  rsp.Channel,
		"aid":      fmt.Sprintf("%X", aid),
	})
	return ch, nil
}

// closeLogicalChannel closes channel n on the card. Channel 0 cannot be
// closed; the default application is re-selected instead, falling back to
// the access control application so the card is left in a known state.
func (t *Terminal) closeLogicalChannel(ctx context.Context, n int) error {
	if n == 0 {
		t.channelMu.Lock()
		defer t.channelMu.Unlock()
		return t.reselectDefaultLocked(ctx)
	}

	tr, err := t.stub()
	if err != nil {
		return err
	}

	t.transmitMu.Lock()
	err = tr.CloseLogicalChannel(ctx, n)
	t.transmitMu.Unlock()
	if err != nil {
		return transportErr(fmt.Sprintf("close logical channel %d", n), err)
	}
	return nil
}

// reselectDefaultLocked is best effort and only logs failures. Caller holds
// channelMu.
func (t *Terminal) reselectDefaultLocked(ctx context.Context) error {
	_, err := t.Transmit(ctx, apdu.Select(nil), 2, uint16(apdu.SWSuccess), 0xFFFF, "SELECT")
	if err == nil {
		t.defaultAppSelected = true
		return nil
	}

	logging.Debug(logging.CatTerminal, "Close basic channel: default application selection failed", map[string]any{
		"terminal": t.name,
		"error":    err.Error(),
	})

	if t.AccessControlEvaluator() == nil {
		return nil
	}
	// TODO: also accept 62XX and 63XX warning status words
	if _, err := t.Transmit(ctx, apdu.Select(DefaultAccessControlAID), 2, uint16(apdu.SWSuccess), 0xFFFF, "SELECT"); err != nil {
		logging.Debug(logging.CatTerminal, "Close basic channel: access control application not available", map[string]any{
			"terminal": t.name,
			"error":    err.Error(),
		})
	}
	return nil
}
