package session

import "unicode/utf8"

// partialRuneLen returns the length of an incomplete UTF-8 sequence at the
// end of p, or 0 if p ends on a character boundary.
func partialRuneLen(p []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(p); i++ {
		if utf8.RuneStart(p[len(p)-i]) {
			if utf8.FullRune(p[len(p)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}

// nextRuneStart moves off forward past continuation bytes so that p[off:]
// begins on a character boundary. Runs of stray continuation bytes longer
// than a single encoded rune are left alone.
func nextRuneStart(p []byte, off int) int {
	for i := 0; i < utf8.UTFMax-1 && off < len(p) && !utf8.RuneStart(p[off]); i++ {
		off++
	}
	return off
}
