// Copyright 2024-2026 Aiku AI

// Package mention locates @-style user references in message bodies.
package mention

import (
	"regexp"
	"strings"
)

// Mention is one located reference.
type Mention struct {
	// Value is the referenced name, without the @ sigil.
	Value string
	// Start and End delimit the reference in bytes, sigil included.
	Start, End int
}

// A reference is an @ followed by a name, at the start of the text or
// after whitespace. Names start and end on a letter or digit, so trailing
// punctuation stays out.
var mentionRe = regexp.MustCompile(`(^|\s)@([\p{L}\p{N}](?:[\p{L}\p{N}._-]*[\p{L}\p{N}])?)`)

// Scan returns every reference in text, in order of appearance.
func Scan(text string) []Mention {
	if !strings.ContainsRune(text, '@') {
		return nil
	}
	matches := mentionRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}
	mentions := make([]Mention, 0, len(matches))
	for _, m := range matches {
		start, end := m[4], m[5]
		mentions = append(mentions, Mention{
			Value: text[start:end],
			Start: start - 1,
			End:   end,
		})
	}
	return mentions
}

// Has reports whether text references the given name, ignoring case.
func Has(text, name string) bool {
	if name == "" {
		return false
	}
	for _, m := range Scan(text) {
		if strings.EqualFold(m.Value, name) {
			return true
		}
	}
	return false
}
