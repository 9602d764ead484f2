package deliver

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// partMarkerReserve leaves room under the transport limit for the
// "(i/total) " prefix added to every part of a split message.
const partMarkerReserve = 12

// SplitText cuts text into transport-sized parts. Cut points are tried in
// order of readability: the last blank line before the budget, then the last
// newline, then a hard cut on a rune boundary. A candidate in the first half
// of the window is rejected so no part ends up trivially short. Every part
// of a split message carries a "(i/total) " prefix; a message that fits is
// returned as-is. Concatenating the parts minus their prefixes reproduces
// the input byte-for-byte.
func SplitText(text string, limit int) []string {
	if limit <= 0 {
		limit = 4000
	}
	if len(text) <= limit {
		return []string{text}
	}

	budget := limit - partMarkerReserve
	if budget < 1 {
		budget = 1
	}

	var parts []string
	rest := text
	for len(rest) > budget {
		cut := cutPoint(rest, budget)
		parts = append(parts, rest[:cut])
		rest = rest[cut:]
	}
	parts = append(parts, rest)

	total := len(parts)
	for i := range parts {
		parts[i] = fmt.Sprintf("(%d/%d) ", i+1, total) + parts[i]
	}
	return parts
}

// cutPoint picks where to cut s so the first piece is at most budget bytes.
// Separators stay with the piece before them so nothing is lost in the join.
func cutPoint(s string, budget int) int {
	window := s[:budget]

	if idx := strings.LastIndex(window, "\n\n"); idx+2 >= budget/2 && idx >= 0 {
		return idx + 2
	}
	if idx := strings.LastIndex(window, "\n"); idx+1 >= budget/2 && idx >= 0 {
		return idx + 1
	}

	// Hard cut: back off to a rune boundary.
	cut := budget
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		cut = budget
	}
	return cut
}
