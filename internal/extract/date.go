// Package extract holds the naming-convention heuristics that turn folder
// names and session file contents into structured facts.
package extract

import (
	"strings"
	"time"
)

const sessionDateLayout = "01022006" // MMDDYYYY

// SessionDate parses a session folder name. All non-digit characters are
// dropped and the first eight remaining digits are read as MMDDYYYY. The
// boolean is false when fewer than eight digits remain or they do not name a
// real calendar day.
func SessionDate(name string) (time.Time, bool) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, name)
	if len(digits) < len(sessionDateLayout) {
		return time.Time{}, false
	}
	d, err := time.Parse(sessionDateLayout, digits[:len(sessionDateLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}
