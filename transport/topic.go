package transport

import "strings"

// Match reports whether topic matches pattern using topic exchange rules:
// words are separated by dots, "*" matches exactly one word and "#" matches
// zero or more words.
func Match(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	return matchWords(strings.Split(pattern, "."), strings.Split(topic, "."))
}

func matchWords(pattern, topic []string) bool {
	for len(pattern) > 0 {
		head := pattern[0]
		if head == "#" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(topic); i++ {
				if matchWords(rest, topic[i:]) {
					return true
				}
			}
			return false
		}
		if len(topic) == 0 {
			return false
		}
		if head != "*" && head != topic[0] {
			return false
		}
		pattern = pattern[1:]
		topic = topic[1:]
	}
	return len(topic) == 0
}

// IsPattern reports whether s contains wildcard words.
func IsPattern(s string) bool {
	for _, w := range strings.Split(s, ".") {
		if w == "*" || w == "#" {
			return true
		}
	}
	return false
}
