// Package apdu holds the byte-level helpers shared by the terminal core and
// the PC/SC transport: command builders, status word handling and the
// ISO 7816-4 logical channel encoding of the class byte.
package apdu

import (
	"errors"
	"fmt"
)

// Instruction bytes used by the broker itself.
const (
	InsSelect        byte = 0xA4
	InsGetResponse   byte = 0xC0
	InsManageChannel byte = 0x70
)

// Status word values and SW1 markers.
const (
	SWSuccess StatusWord = 0x9000

	SW1MoreData    byte = 0x61 // SW2 bytes still available, fetch with GET RESPONSE
	SW1WrongLength byte = 0x6C // wrong Le, exact length in SW2
)

// MaxLogicalChannel is the highest channel number addressable through CLA.
const MaxLogicalChannel = 19

// ErrShortCommand is returned when a command is too short to carry a header.
var ErrShortCommand = errors.New("command APDU shorter than 4 bytes")

// StatusWord is the trailing SW1 SW2 pair of a response.
type StatusWord uint16

// SW1 returns the high byte.
func (sw StatusWord) SW1() byte { return byte(sw >> 8) }

// SW2 returns the low byte.
func (sw StatusWord) SW2() byte { return byte(sw) }

func (sw StatusWord) String() string {
	return fmt.Sprintf("%04X", uint16(sw))
}

// Split separates a response into its data and status word.
// ok is false when the response holds fewer than two bytes.
func Split(rsp []byte) (data []byte, sw StatusWord, ok bool) {
	if len(rsp) < 2 {
		return rsp, 0, false
	}
	n := len(rsp)
	return rsp[:n-2], StatusWord(uint16(rsp[n-2])<<8 | uint16(rsp[n-1])), true
}

// Select builds SELECT by DF name: 00 A4 04 00 Lc AID.
// A nil or empty aid yields the 5 byte form 00 A4 04 00 00 that re-selects
// the default application.
func Select(aid []byte) []byte {
	cmd := make([]byte, 0, 5+len(aid))
	cmd = append(cmd, 0x00, InsSelect, 0x04, 0x00, byte(len(aid)))
	return append(cmd, aid...)
}

// GetResponse builds GET RESPONSE (CLA C0 00 00 Le).
func GetResponse(cla, le byte) []byte {
	return []byte{cla, InsGetResponse, 0x00, 0x00, le}
}

// ManageChannelOpen builds MANAGE CHANNEL open, asking the card to assign
// the channel number (00 70 00 00 01).
func ManageChannelOpen() []byte {
	return []byte{0x00, InsManageChannel, 0x00, 0x00, 0x01}
}

// ManageChannelClose builds MANAGE CHANNEL close for channel n, sent on that
// same channel.
func ManageChannelClose(n int) ([]byte, error) {
	if n == 0 {
		return nil, fmt.Errorf("basic channel cannot be closed")
	}
	cla, err := SetChannel(0x00, n)
	if err != nil {
		return nil, err
	}
	return []byte{cla, InsManageChannel, 0x80, byte(n), 0x00}, nil
}

// SetChannel encodes logical channel n into a class byte.
// Channels 0-3 use the first interindustry class (b2-b1), 4-19 the further
// interindustry class (b4-b1 with b7 set). Secure messaging bits are kept.
func SetChannel(cla byte, n int) (byte, error) {
	if n < 0 || n > MaxLogicalChannel {
		return 0, fmt.Errorf("logical channel %d out of range", n)
	}

	secure := cla&0x0C != 0
	if cla&0x40 != 0 {
		secure = cla&0x20 != 0
	}

	if n < 4 {
		out := cla&0x80 | byte(n)
		if secure {
			out |= 0x08
		}
		return out, nil
	}

	out := cla&0x80 | 0x40 | byte(n-4)
	if secure {
		out |= 0x20
	}
	return out, nil
}

// Channel decodes the logical channel number carried by a class byte.
func Channel(cla byte) int {
	if cla&0x40 != 0 {
		return int(cla&0x0F) + 4
	}
	return int(cla & 0x03)
}

// IsSelectByName reports whether cmd is a SELECT by DF name.
func IsSelectByName(cmd []byte) bool {
	return len(cmd) >= 4 && cmd[1] == InsSelect && cmd[2] == 0x04
}

// IsManageChannel reports whether cmd is a MANAGE CHANNEL command.
func IsManageChannel(cmd []byte) bool {
	return len(cmd) >= 2 && cmd[1] == InsManageChannel
}
