package groups

import (
	"fmt"
	"regexp"
)

// TriggerPattern builds the pattern that decides whether a non-main group
// receives a message: the text must start with "@<name>", matched
// case-insensitively and followed by a word boundary, so "@Andy!" matches
// but "@Andyxxx" does not.
func TriggerPattern(assistantName string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?i)^@%s\b`, regexp.QuoteMeta(assistantName)))
}

// Triggered reports whether a message should reach the executor for a
// group: the main group receives everything; other groups require the
// trigger prefix unless they explicitly disabled it.
func (r *Registry) Triggered(g *Group, pattern *regexp.Regexp, text string) bool {
	if r.IsMain(g.Folder) {
		return true
	}
	if g.RequireTrigger != nil && !*g.RequireTrigger {
		return true
	}
	return pattern.MatchString(text)
}
