package pcsc

import (
	"time"

	"github.com/ebfe/scard"
)

// PC/SC constants in the plain form used by the interfaces above.
const (
	ShareShared    = uint32(scard.ShareShared)
	ShareExclusive = uint32(scard.ShareExclusive)
	ProtocolAny    = uint32(scard.ProtocolAny)
	LeaveCard      = uint32(scard.LeaveCard)
	ResetCard      = uint32(scard.ResetCard)

	StateUnaware = uint32(scard.StateUnaware)
	StateChanged = uint32(scard.StateChanged)
	StateEmpty   = uint32(scard.StateEmpty)
	StatePresent = uint32(scard.StatePresent)
)

// EstablishContext opens a real PC/SC context.
func (DefaultContextFactory) EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	return &scardContext{ctx: ctx}, nil
}

type scardContext struct {
	ctx *scard.Context
}

func (c *scardContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders()
}

func (c *scardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, scard.ShareMode(shareMode), scard.Protocol(protocol))
	if err != nil {
		return nil, err
	}
	return &scardCard{card: card}, nil
}

func (c *scardContext) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	rs := make([]scard.ReaderState, len(states))
	for i, s := range states {
		rs[i] = scard.ReaderState{
			Reader:       s.Reader,
			CurrentState: scard.StateFlag(s.CurrentState),
		}
	}
	err := c.ctx.GetStatusChange(rs, timeout)
	for i := range rs {
		states[i].EventState = uint32(rs[i].EventState)
	}
	return err
}

func (c *scardContext) Cancel() error  { return c.ctx.Cancel() }
func (c *scardContext) Release() error { return c.ctx.Release() }

type scardCard struct {
	card *scard.Card
}

func (c *scardCard) Transmit(cmd []byte) ([]byte, error) {
	return c.card.Transmit(cmd)
}

func (c *scardCard) Status() (SmartCardStatus, error) {
	st, err := c.card.Status()
	if err != nil {
		return SmartCardStatus{}, err
	}
	return SmartCardStatus{
		Reader:         st.Reader,
		State:          uint32(st.State),
		ActiveProtocol: uint32(st.ActiveProtocol),
		Atr:            st.Atr,
	}, nil
}

func (c *scardCard) Disconnect(disposition uint32) error {
	return c.card.Disconnect(scard.Disposition(disposition))
}

// isCardGone reports whether err means the connection to the card is no
// longer usable.
func isCardGone(err error) bool {
	switch err {
	case scard.ErrRemovedCard, scard.ErrResetCard, scard.ErrNoSmartcard,
		scard.ErrReaderUnavailable, scard.ErrUnpoweredCard, scard.ErrUnresponsiveCard:
		return true
	}
	return false
}
