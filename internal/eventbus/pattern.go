// SPDX-License-Identifier: AGPL-3.0-or-later

package eventbus

import "strings"

// MatchTopic reports whether topic satisfies pattern, exported so other
// packages (notably the pipeline engine's trigger matching) reuse the
// same wildcard semantics instead of reimplementing them.
func MatchTopic(pattern, topic string) bool {
	return matchTopic(pattern, topic)
}

// matchTopic reports whether topic satisfies pattern. Segments are
// separated by '.'; each pattern segment is either a literal, matching
// exactly, or '*', matching exactly one segment. A pattern may end with a
// literal "**" segment, matching zero or more trailing segments.
func matchTopic(pattern, topic string) bool {
	pSegs := strings.Split(pattern, ".")
	tSegs := strings.Split(topic, ".")

	for i, p := range pSegs {
		if p == "**" {
			// Must be the last segment of the pattern; matches the
			// remainder of the topic unconditionally (including none).
			return i == len(pSegs)-1
		}
		if i >= len(tSegs) {
			return false
		}
		if p != "*" && p != tSegs[i] {
			return false
		}
	}
	return len(pSegs) == len(tSegs)
}

// validPattern rejects patterns where "**" appears anywhere but the final
// segment.
func validPattern(pattern string) bool {
	segs := strings.Split(pattern, ".")
	for i, s := range segs {
		if s == "**" && i != len(segs)-1 {
			return false
		}
		if s == "" {
			return false
		}
	}
	return true
}
