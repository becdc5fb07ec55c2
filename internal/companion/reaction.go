package companion

import (
	"regexp"
	"strings"
)

var reactionTag = regexp.MustCompile(`^\[REACT:([^\]]+)\]\s*`)

// ExtractReaction splits a leading [REACT:emoji] tag off a provider reply.
// Text without a tag is returned unchanged with an empty reaction.
func ExtractReaction(text string) (clean string, reaction string) {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	m := reactionTag.FindStringSubmatchIndex(trimmed)
	if m == nil {
		return text, ""
	}
	reaction = strings.TrimSpace(trimmed[m[2]:m[3]])
	if reaction == "" {
		return text, ""
	}
	return trimmed[m[1]:], reaction
}

// Preview returns the first n runes of text on a single line.
func Preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n])
}
