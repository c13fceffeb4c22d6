package pcsc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebfe/scard"

	"github.com/SimplyPrint/se-broker/internal/apdu"
	"github.com/SimplyPrint/se-broker/internal/logging"
	"github.com/SimplyPrint/se-broker/internal/terminal"
)

// DefaultPollInterval bounds a single GetStatusChange wait in the presence
// monitor.
const DefaultPollInterval = 2 * time.Second

// Reader is a terminal.Transport over one PC/SC reader. The card is
// connected lazily and dropped when PC/SC reports it removed or reset.
type Reader struct {
	name    string
	factory ContextFactory
	poll    time.Duration

	mu   sync.Mutex
	pcsc SmartCardContext
	card SmartCard
}

// NewReader returns a transport for the reader called name. A nil factory
// uses the real PC/SC stack.
func NewReader(name string, factory ContextFactory, poll time.Duration) *Reader {
	if factory == nil {
		factory = DefaultContextFactory{}
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Reader{name: name, factory: factory, poll: poll}
}

// Name returns the PC/SC reader name.
func (r *Reader) Name() string { return r.name }

// connect returns the connected card. Caller holds mu.
func (r *Reader) connect() (SmartCard, error) {
	if r.card != nil {
		return r.card, nil
	}
	if r.pcsc == nil {
		ctx, err := r.factory.EstablishContext()
		if err != nil {
			return nil, fmt.Errorf("failed to establish context: %w", err)
		}
		r.pcsc = ctx
	}

	card, err := r.pcsc.Connect(r.name, ShareShared, ProtocolAny)
	if err != nil {
		if errors.Is(err, scard.ErrNoSmartcard) || errors.Is(err, scard.ErrRemovedCard) {
			return nil, fmt.Errorf("%w: %s", terminal.ErrNoSecureElement, r.name)
		}
		return nil, fmt.Errorf("failed to connect to card: %w", err)
	}
	r.card = card

	logging.Debug(logging.CatTerminal, "Card connected", map[string]any{
		"reader": r.name,
	})
	return card, nil
}

// dropCard forgets the card connection. Caller holds mu.
func (r *Reader) dropCard(disposition uint32) {
	if r.card == nil {
		return
	}
	_ = r.card.Disconnect(disposition)
	r.card = nil
}

func (r *Reader) transmitLocked(cmd []byte) ([]byte, error) {
	card, err := r.connect()
	if err != nil {
		return nil, err
	}
	rsp, err := card.Transmit(cmd)
	if err != nil {
		if isCardGone(err) {
			logging.Info(logging.CatTerminal, "Card connection lost", map[string]any{
				"reader": r.name,
				"error":  err.Error(),
			})
			r.dropCard(LeaveCard)
		}
		return nil, err
	}
	return rsp, nil
}

// Transmit sends one command APDU and returns the raw response.
func (r *Reader) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transmitLocked(cmd)
}

// IsCardPresent asks the resource manager for the reader state without
// touching the card.
func (r *Reader) IsCardPresent(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	pcsc, err := r.factory.EstablishContext()
	if err != nil {
		return false, fmt.Errorf("failed to establish context: %w", err)
	}
	defer pcsc.Release()

	states := []ReaderState{{Reader: r.name, CurrentState: StateUnaware}}
	if err := pcsc.GetStatusChange(states, 0); err != nil && !errors.Is(err, scard.ErrTimeout) {
		return false, fmt.Errorf("failed to get status change: %w", err)
	}
	return states[0].EventState&StatePresent != 0, nil
}

// ATR returns the answer to reset of the connected card.
func (r *Reader) ATR(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	card, err := r.connect()
	if err != nil {
		return nil, err
	}
	st, err := card.Status()
	if err != nil {
		if isCardGone(err) {
			r.dropCard(LeaveCard)
		}
		return nil, err
	}
	return st.Atr, nil
}

// OpenLogicalChannel sends MANAGE CHANNEL (open) and, when aid is set,
// selects it on the new channel. The channel is closed again when the
// selection fails.
func (r *Reader) OpenLogicalChannel(ctx context.Context, aid []byte) (*terminal.OpenChannelResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rsp, err := r.transmitLocked(apdu.ManageChannelOpen())
	if err != nil {
		return nil, err
	}
	data, sw, ok := apdu.Split(rsp)
	switch {
	case !ok:
		return nil, fmt.Errorf("MANAGE CHANNEL: short response %X", rsp)
	case sw == 0x6A81 || sw == 0x6881:
		return nil, fmt.Errorf("%w: no logical channel available (%s)", terminal.ErrResourceBusy, sw)
	case sw != apdu.SWSuccess || len(data) != 1:
		return nil, fmt.Errorf("MANAGE CHANNEL failed: %s", sw)
	}

	n := int(data[0])
	if n < 1 || n > apdu.MaxLogicalChannel {
		return nil, fmt.Errorf("MANAGE CHANNEL returned invalid channel %d", n)
	}
	if aid == nil {
		return &terminal.OpenChannelResponse{Channel: n}, nil
	}

	selectRsp, err := r.selectOnChannel(n, aid)
	if err != nil {
		r.closeChannelLocked(n)
		return nil, err
	}
	return &terminal.OpenChannelResponse{Channel: n, SelectResponse: selectRsp}, nil
}

// selectOnChannel selects aid on channel n and follows 61XX with GET
// RESPONSE. 9000 and the 62XX/63XX warnings count as selected.
func (r *Reader) selectOnChannel(n int, aid []byte) ([]byte, error) {
	cmd := apdu.Select(aid)
	cla, err := apdu.SetChannel(cmd[0], n)
	if err != nil {
		return nil, err
	}
	cmd[0] = cla

	rsp, err := r.transmitLocked(cmd)
	if err != nil {
		return nil, err
	}

	var out []byte
	for i := 0; ; i++ {
		data, sw, ok := apdu.Split(rsp)
		if !ok {
			return nil, fmt.Errorf("SELECT: short response %X", rsp)
		}
		if sw.SW1() != apdu.SW1MoreData {
			if sw == apdu.SWSuccess || sw.SW1() == 0x62 || sw.SW1() == 0x63 {
				return append(out, rsp...), nil
			}
			return nil, fmt.Errorf("%w: SELECT %s on channel %d: %s",
				terminal.ErrNotFound, hex.EncodeToString(aid), n, sw)
		}
		if i == 255 {
			return nil, fmt.Errorf("SELECT: response chain too long")
		}
		out = append(out, data...)
		rsp, err = r.transmitLocked(apdu.GetResponse(cla, sw.SW2()))
		if err != nil {
			return nil, err
		}
	}
}

// CloseLogicalChannel sends MANAGE CHANNEL (close) for channel n.
func (r *Reader) CloseLogicalChannel(ctx context.Context, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd, err := apdu.ManageChannelClose(n)
	if err != nil {
		return fmt.Errorf("%w: %w", terminal.ErrInvalidArgument, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rsp, err := r.transmitLocked(cmd)
	if err != nil {
		return err
	}
	if _, sw, ok := apdu.Split(rsp); !ok || sw != apdu.SWSuccess {
		return fmt.Errorf("MANAGE CHANNEL close %d failed: %X", n, rsp)
	}
	return nil
}

// closeChannelLocked is a best effort close after a failed open.
func (r *Reader) closeChannelLocked(n int) {
	cmd, err := apdu.ManageChannelClose(n)
	if err != nil {
		return
	}
	if _, err := r.transmitLocked(cmd); err != nil {
		logging.Debug(logging.CatTerminal, "Closing channel after failed select", map[string]any{
			"reader":  r.name,
			"channel": n,
			"error":   err.Error(),
		})
	}
}

// PresenceChanges reports card insertions and removals until ctx is done.
// The first state seen is the baseline and is not reported.
func (r *Reader) PresenceChanges(ctx context.Context) (<-chan struct{}, error) {
	pcsc, err := r.factory.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}

	out := make(chan struct{}, 1)
	stop := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			_ = pcsc.Cancel()
		case <-stop:
		}
	}()

	go func() {
		defer logging.RecoverAndLog("presence monitor "+r.name, false)
		defer close(out)
		defer close(stop)
		defer pcsc.Release()

		states := []ReaderState{{Reader: r.name, CurrentState: StateUnaware}}
		baseline := true
		for ctx.Err() == nil {
			err := pcsc.GetStatusChange(states, r.poll)
			switch {
			case err == nil:
			case errors.Is(err, scard.ErrTimeout):
				continue
			case errors.Is(err, scard.ErrCancelled):
				return
			default:
				logging.Warn(logging.CatTerminal, "Reader status query failed", map[string]any{
					"reader": r.name,
					"error":  err.Error(),
				})
				select {
				case <-ctx.Done():
					return
				case <-time.After(r.poll):
				}
				continue
			}

			prev := states[0].CurrentState & StatePresent
			next := states[0].EventState & StatePresent
			states[0].CurrentState = states[0].EventState &^ StateChanged

			if baseline {
				baseline = false
				continue
			}
			if prev == next {
				continue
			}

			logging.Info(logging.CatTerminal, "Card presence changed", map[string]any{
				"reader":  r.name,
				"present": next != 0,
			})
			r.mu.Lock()
			r.dropCard(LeaveCard)
			r.mu.Unlock()

			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()

	return out, nil
}

// Close disconnects the card and releases the PC/SC context.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropCard(ResetCard)
	if r.pcsc == nil {
		return nil
	}
	err := r.pcsc.Release()
	r.pcsc = nil
	return err
}

// ListReaders returns the names of the readers PC/SC knows about.
func ListReaders(factory ContextFactory) ([]string, error) {
	if factory == nil {
		factory = DefaultContextFactory{}
	}
	ctx, err := factory.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		if errors.Is(err, scard.ErrNoReadersAvailable) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	return readers, nil
}
