package terminal

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/SimplyPrint/se-broker/internal/apdu"
	"github.com/SimplyPrint/se-broker/internal/logging"
)

// maxResponseChain bounds the number of GET RESPONSE exchanges for one
// command.
const maxResponseChain = 256

// Transmit sends cmd to the card and resolves response chaining: 61XX is
// followed by GET RESPONSE until the card stops announcing more data, 6CXX
// is retried once with the corrected length. The resolved response is then
// checked against minRspLength and, when swMask is non-zero, against
// swExpected under swMask. label names the command in errors and logs.
//
// Exchanges never interleave across callers.
func (t *Terminal) Transmit(ctx context.Context, cmd []byte, minRspLength int, swExpected, swMask uint16, label string) ([]byte, error) {
	if len(cmd) < 4 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, apdu.ErrShortCommand)
	}

	tr, err := t.stub()
	if err != nil {
		return nil, err
	}

	t.transmitMu.Lock()
	rsp, err := t.exchange(ctx, tr, cmd, label)
	t.transmitMu.Unlock()
	if err != nil {
		t.opts.Metrics.exchanged(t.name, "error")
		return nil, err
	}

	if err := checkResponse(rsp, minRspLength, swExpected, swMask, label); err != nil {
		t.opts.Metrics.exchanged(t.name, "rejected")
		logging.Debug(logging.CatAPDU, "Response rejected", map[string]any{
			"terminal": t.name,
			"label":    label,
			"response": hex.EncodeToString(rsp),
			"error":    err.Error(),
		})
		return nil, err
	}

	t.opts.Metrics.exchanged(t.name, "ok")
	return rsp, nil
}

// exchange performs one logical command/response pair. Caller holds
// transmitMu.
func (t *Terminal) exchange(ctx context.Context, tr Transport, cmd []byte, label string) ([]byte, error) {
	rsp, err := t.rawTransmit(ctx, tr, cmd, label)
	if err != nil {
		return nil, err
	}

	if _, sw, ok := apdu.Split(rsp); ok && sw.SW1() == apdu.SW1WrongLength {
		retry := slices.Clone(cmd)
		if len(retry) > 4 {
			retry[len(retry)-1] = sw.SW2()
		} else {
			retry = append(retry, sw.SW2())
		}
		rsp, err = t.rawTransmit(ctx, tr, retry, label)
		if err != nil {
			return nil, err
		}
	}

	data, sw, ok := apdu.Split(rsp)
	if !ok || sw.SW1() != apdu.SW1MoreData {
		return rsp, nil
	}

	t.opts.Metrics.chained(t.name)
	out := slices.Clone(data)
	for i := 0; ; i++ {
		if i == maxResponseChain {
			return nil, &ProtocolError{Label: label, Kind: ChainTooLong}
		}
		rsp, err = t.rawTransmit(ctx, tr, apdu.GetResponse(cmd[0], sw.SW2()), label)
		if err != nil {
			return nil, err
		}
		var more bool
		data, sw, more = apdu.Split(rsp)
		if more && sw.SW1() == apdu.SW1MoreData {
			out = append(out, data...)
			continue
		}
		return append(out, rsp...), nil
	}
}

func (t *Terminal) rawTransmit(ctx context.Context, tr Transport, cmd []byte, label string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logging.Debug(logging.CatAPDU, "Command", map[string]any{
		"terminal": t.name,
		"label":    label,
		"command":  hex.EncodeToString(cmd),
	})

	rsp, err := tr.Transmit(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: transmit %s: %w", ErrTransport, labelOr(label), err)
	}
	if rsp == nil {
		return nil, fmt.Errorf("%w: transmit %s: no response", ErrTransport, labelOr(label))
	}

	logging.Debug(logging.CatAPDU, "Response", map[string]any{
		"terminal": t.name,
		"label":    label,
		"response": hex.EncodeToString(rsp),
	})
	return rsp, nil
}

// checkResponse applies the length and status word checks of Transmit.
func checkResponse(rsp []byte, minRspLength int, swExpected, swMask uint16, label string) error {
	if minRspLength > 0 && len(rsp) < minRspLength {
		return &ProtocolError{
			Label:     label,
			Kind:      ResponseTooShort,
			MinLength: minRspLength,
			Length:    len(rsp),
		}
	}
	if swMask == 0 {
		return nil
	}

	_, sw, ok := apdu.Split(rsp)
	if !ok {
		return &ProtocolError{Label: label, Kind: StatusUnavailable, Length: len(rsp)}
	}
	if uint16(sw)&swMask != swExpected&swMask {
		return &ProtocolError{
			Label:    label,
			Kind:     StatusMismatch,
			Expected: apdu.StatusWord(swExpected),
			Actual:   sw,
			Mask:     swMask,
		}
	}
	return nil
}

func labelOr(label string) string {
	if label == "" {
		return "APDU"
	}
	return label
}
