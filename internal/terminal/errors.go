package terminal

import (
	"context"
	"errors"
	"fmt"

	"github.com/SimplyPrint/se-broker/internal/apdu"
)

var (
	// ErrTransport indicates the transport failed or could not be reached.
	ErrTransport = errors.New("transport error")

	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("protocol error")

	// ErrResourceBusy indicates the basic channel is already open, or the
	// card has no free logical channel.
	ErrResourceBusy = errors.New("resource busy")

	// ErrIllegalState indicates an operation that is not valid in the
	// current terminal state.
	ErrIllegalState = errors.New("illegal state")

	// ErrNotFound indicates that the requested application could not be
	// selected.
	ErrNotFound = errors.New("not found")

	// ErrNoSecureElement indicates that no card is present.
	ErrNoSecureElement = fmt.Errorf("%w: secure element is not present", ErrNotFound)

	// ErrAccessDenied indicates the access control policy refused the request.
	ErrAccessDenied = errors.New("access denied")

	// ErrNilArgument indicates a programming error: a required argument was nil.
	ErrNilArgument = errors.New("required argument is nil")

	// ErrInvalidArgument indicates a malformed command or identifier.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotConnected indicates the terminal has no transport attached.
	ErrNotConnected = errors.New("terminal not connected")

	// ErrTerminalClosed indicates the terminal has been shut down.
	ErrTerminalClosed = errors.New("terminal closed")

	// ErrSessionClosed indicates the session has been closed.
	ErrSessionClosed = errors.New("session closed")

	// ErrChannelClosed indicates the channel has been closed.
	ErrChannelClosed = errors.New("channel closed")
)

// ProtocolErrorKind distinguishes the checks Transmit performs on a response.
type ProtocolErrorKind int

const (
	// ResponseTooShort: the resolved response is shorter than required.
	ResponseTooShort ProtocolErrorKind = iota
	// StatusUnavailable: fewer than two bytes, no status word to check.
	StatusUnavailable
	// StatusMismatch: the masked status word differs from the expected one.
	StatusMismatch
	// ChainTooLong: the card kept answering 61XX.
	ChainTooLong
)

// ProtocolError reports a response that failed its length or status word
// check.
type ProtocolError struct {
	Label     string
	Kind      ProtocolErrorKind
	MinLength int
	Length    int
	Expected  apdu.StatusWord
	Actual    apdu.StatusWord
	Mask      uint16
}

func (e *ProtocolError) Error() string {
	var msg string
	switch e.Kind {
	case ResponseTooShort:
		msg = fmt.Sprintf("response too small (%d < %d)", e.Length, e.MinLength)
	case StatusUnavailable:
		msg = "SW1/2 not available"
	case StatusMismatch:
		msg = fmt.Sprintf("unexpected status word %s (expected %s mask %04X)", e.Actual, e.Expected, e.Mask)
	case ChainTooLong:
		msg = fmt.Sprintf("response chain exceeded %d GET RESPONSE exchanges", maxResponseChain)
	default:
		msg = "invalid response"
	}
	if e.Label == "" {
		return msg
	}
	return e.Label + ": " + msg
}

// Is makes errors.Is(err, ErrProtocol) match.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// transportErr wraps a failure reported by the transport. Errors that
// already carry a taxonomy sentinel are kept as they are.
func transportErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrResourceBusy),
		errors.Is(err, ErrTransport),
		errors.Is(err, ErrProtocol),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
	}
}
