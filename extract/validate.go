package extract

import (
	"strings"
	"unicode"
)

// controlWords is the closed list of UI-control captions that must never be
// treated as artist names. Matching is case-insensitive. Rejecting a real
// artist who collides with one of these is an accepted trade-off: precision
// over recall, since a missed detection only fails to suppress.
var controlWords = map[string]struct{}{
	"play": {}, "pause": {}, "stop": {}, "next": {}, "previous": {},
	"skip": {}, "shuffle": {}, "repeat": {}, "mute": {}, "unmute": {},
	"volume": {}, "queue": {}, "menu": {}, "more": {}, "close": {},
	"settings": {}, "search": {}, "home": {}, "library": {}, "explore": {},
	"like": {}, "dislike": {}, "save": {}, "share": {}, "download": {},
	"radio": {}, "live": {}, "explicit": {}, "playlist": {}, "upgrade": {},
}

const (
	minNameLen = 2
	maxNameLen = 100
)

// Valid reports whether a candidate survives the false-positive filter.
// Pure function, no side effects.
func Valid(c *Candidate) bool {
	if c == nil {
		return false
	}
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return false
	}

	runes := []rune(name)
	if len(runes) < minNameLen || len(runes) > maxNameLen {
		return false
	}

	if _, isControl := controlWords[strings.ToLower(name)]; isControl {
		return false
	}

	allDigits := true
	anyAlnum := false
	for _, r := range runes {
		if !unicode.IsDigit(r) {
			allDigits = false
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			anyAlnum = true
		}
	}
	if allDigits {
		return false
	}
	if !anyAlnum {
		return false
	}

	return true
}
