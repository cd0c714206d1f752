// Package stringutil holds small text helpers shared by the streaming paths.
package stringutil

import "unicode/utf8"

// CompleteUTF8 returns the length of the longest prefix of b that does not
// end inside a multi-byte sequence.
func CompleteUTF8(b []byte) int {
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		c := b[len(b)-i]
		if !utf8.RuneStart(c) {
			continue
		}
		if utf8.FullRune(b[len(b)-i:]) {
			return len(b)
		}
		return len(b) - i
	}
	return len(b)
}

// RuneAligner turns a byte stream into strings that never split a
// multi-byte character. Bytes of an unfinished trailing rune are held until
// the next Push or Flush. Not safe for concurrent use.
type RuneAligner struct {
	pending []byte
}

// Push appends p and returns the complete prefix, possibly "".
func (a *RuneAligner) Push(p []byte) string {
	a.pending = append(a.pending, p...)
	cut := CompleteUTF8(a.pending)
	if cut == 0 {
		return ""
	}
	out := string(a.pending[:cut])
	a.pending = append(a.pending[:0], a.pending[cut:]...)
	return out
}

// Flush returns whatever is held back, complete or not.
func (a *RuneAligner) Flush() string {
	out := string(a.pending)
	a.pending = a.pending[:0]
	return out
}
