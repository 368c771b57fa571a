package wire

import (
	"errors"
	"strings"
)

// ErrorMsg carries an error's causal chain across the wire: one string per
// error in the chain, root cause first, each subsequent entry wrapping its
// predecessor. It is the payload of an EXTENSION_FAILURE response to an
// extension request, and is also used to report upstream failures through
// the add-upstream extension.
type ErrorMsg struct {
	Messages []string
}

// NewErrorMsg walks err's Unwrap chain and captures the message each level
// contributes on its own, root cause first. A wrapped Go error's Error()
// renders its entire remaining chain in one string (e.g. "add upstream
// failed: socket gone"), so each level's own contribution is recovered by
// stripping its wrapped child's rendered message as a trailing ": "
// suffix; a level whose Error() doesn't render that way (doesn't follow
// the "msg: %w" convention) is kept whole rather than guessed at.
func NewErrorMsg(err error) ErrorMsg {
	var levels []string
	for err != nil {
		levels = append(levels, err.Error())
		err = errors.Unwrap(err)
	}

	msgs := make([]string, len(levels))
	for i, full := range levels {
		own := full
		if i+1 < len(levels) {
			if trimmed := strings.TrimSuffix(full, ": "+levels[i+1]); trimmed != full {
				own = trimmed
			}
		}
		msgs[len(levels)-1-i] = own
	}
	return ErrorMsg{Messages: msgs}
}

// Error reconstructs a single conventional error string, outermost first,
// from the root-cause-first Messages, the way the standard library renders
// a %w chain.
func (e ErrorMsg) Error() string {
	msgs := make([]string, len(e.Messages))
	for i, m := range e.Messages {
		msgs[len(msgs)-1-i] = m
	}
	return strings.Join(msgs, ": ")
}

func parseErrorMsg(r *reader) (ErrorMsg, error) {
	n, err := r.tryU32()
	if err != nil {
		return ErrorMsg{}, err
	}
	msgs := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := r.tryUTF8String()
		if err != nil {
			return ErrorMsg{}, err
		}
		msgs = append(msgs, s)
	}
	return ErrorMsg{Messages: msgs}, nil
}

func (e ErrorMsg) encodeTo(w *writer) error {
	if err := w.putU32(uint32(len(e.Messages))); err != nil {
		return err
	}
	for _, m := range e.Messages {
		if err := w.putString([]byte(m)); err != nil {
			return err
		}
	}
	return nil
}

func (e ErrorMsg) encodedLengthEstimate() int {
	n := 4
	for _, m := range e.Messages {
		n += 4 + len(m)
	}
	return n
}
