package vcall

import (
	"bytes"
	"unicode/utf8"
)

// Tracker yields the bytes of a growing output file not yet returned.
// Concatenating every Next result reproduces the file.
type Tracker struct {
	sent int
}

func (t *Tracker) Next(full []byte) []byte {
	if len(full) <= t.sent {
		return nil
	}
	delta := make([]byte, len(full)-t.sent)
	copy(delta, full[t.sent:])
	t.sent = len(full)
	return delta
}

func (t *Tracker) Sent() int {
	return t.sent
}

// LineDiff returns the lines of current that are absent from previous,
// in order. Used where a re-read window cannot be trusted to keep its
// ordering or offset.
func LineDiff(previous, current []string) []string {
	seen := make(map[string]struct{}, len(previous))
	for _, l := range previous {
		seen[l] = struct{}{}
	}
	var fresh []string
	for _, l := range current {
		if _, ok := seen[l]; !ok {
			fresh = append(fresh, l)
		}
	}
	return fresh
}

// SplitUTF8 holds back a trailing incomplete rune so multi-byte
// characters split across reads are passed on whole.
func SplitUTF8(p []byte) (complete, rest []byte) {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if !utf8.FullRune(p[i:]) {
			return p[:i], bytes.Clone(p[i:])
		}
		break
	}
	return p, nil
}
