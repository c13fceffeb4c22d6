package terminal

import "context"

// Transport is the byte-level link to one secure element. Implementations
// may block on every call. The terminal serializes Transmit,
// OpenLogicalChannel and CloseLogicalChannel; IsCardPresent, ATR and
// PresenceChanges may be called concurrently with them.
type Transport interface {
	// Transmit sends a command APDU and returns the raw response.
	Transmit(ctx context.Context, cmd []byte) ([]byte, error)

	// IsCardPresent reports whether a card is inserted.
	IsCardPresent(ctx context.Context) (bool, error)

	// ATR returns the answer to reset, or nil when not available.
	ATR(ctx context.Context) ([]byte, error)

	// OpenLogicalChannel opens a supplementary channel and selects aid on
	// it (no selection when aid is nil). Implementations return errors
	// wrapping ErrNotFound when the application is absent and
	// ErrResourceBusy when no channel is free.
	OpenLogicalChannel(ctx context.Context, aid []byte) (*OpenChannelResponse, error)

	// CloseLogicalChannel closes a supplementary channel.
	CloseLogicalChannel(ctx context.Context, channel int) error

	// PresenceChanges streams one value per card insertion or removal until
	// ctx is canceled, then closes the channel.
	PresenceChanges(ctx context.Context) (<-chan struct{}, error)

	// Close releases the underlying connection.
	Close() error
}

// OpenChannelResponse is the result of opening a supplementary channel.
type OpenChannelResponse struct {
	Channel        int
	SelectResponse []byte
}
