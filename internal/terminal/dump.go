package terminal

import (
	"fmt"
	"io"
)

// Dump writes the terminal state for diagnostics: name, connection state,
// open channels per session and the evaluator's own dump. It does not touch
// the card.
func (t *Terminal) Dump(w io.Writer, prefix string) {
	fmt.Fprintf(w, "%sSMARTCARD SERVICE TERMINAL: %s\n", prefix, t.name)
	fmt.Fprintln(w)

	inner := prefix + "  "
	fmt.Fprintf(w, "%sIs connected: %t\n", inner, t.IsConnected())
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%sList of open channels:\n", inner)
	for _, s := range t.Sessions() {
		if s.IsClosed() {
			continue
		}
		fmt.Fprintf(w, "%s  session %s:\n", inner, s.ID())
		for _, ch := range s.Channels() {
			if ch.IsClosed() {
				continue
			}
			fmt.Fprintf(w, "%s    channel %d:\n", inner, ch.Number())
			caller := "<unknown>"
			if ch.Caller() != nil {
				caller = ch.Caller().Name
			}
			fmt.Fprintf(w, "%s      client: %s\n", inner, caller)
			if aid, ok := ch.SelectedAID(); ok {
				fmt.Fprintf(w, "%s      AID selected: %X\n", inner, aid)
			} else {
				fmt.Fprintf(w, "%s      default application selected\n", inner)
			}
		}
	}
	fmt.Fprintln(w)

	if ev := t.AccessControlEvaluator(); ev != nil {
		ev.Dump(w, inner)
	} else {
		fmt.Fprintf(w, "%sAccess control: not initialized\n", inner)
	}
}
