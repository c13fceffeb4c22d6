package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/SimplyPrint/se-broker/internal/terminal"
)

// Error codes carried next to error messages.
const (
	CodeTransport       = "transport"
	CodeProtocol        = "protocol"
	CodeBusy            = "busy"
	CodeIllegalState    = "illegal_state"
	CodeNotFound        = "not_found"
	CodeAccessDenied    = "access_denied"
	CodeInvalidArgument = "invalid_argument"
	CodeClosed          = "closed"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, terminal.ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, terminal.ErrTerminalClosed),
		errors.Is(err, terminal.ErrSessionClosed),
		errors.Is(err, terminal.ErrChannelClosed):
		return CodeClosed
	case errors.Is(err, terminal.ErrResourceBusy):
		return CodeBusy
	case errors.Is(err, terminal.ErrIllegalState), errors.Is(err, terminal.ErrNotConnected):
		return CodeIllegalState
	case errors.Is(err, terminal.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, terminal.ErrNilArgument), errors.Is(err, terminal.ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, terminal.ErrProtocol):
		return CodeProtocol
	default:
		return CodeTransport
	}
}

func httpStatus(code string) int {
	switch code {
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeBusy, CodeIllegalState, CodeClosed:
		return http.StatusConflict
	case CodeProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
