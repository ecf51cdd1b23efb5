// Package query turns raw user input into a structured remote-search query.
// A leading '#' marks a word as a tag filter. Every word of the input, tags
// included, contributes to the full-text term.
package query

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const titleMaxRunes = 50

// Query is an immutable normalized search. Debounce equality uses Original.
type Query struct {
	// Original is the text exactly as the user entered it.
	Original string
	tags     []string
}

// Parse normalizes raw and merges tags found in the text (#word) with the
// explicitly supplied ones. Tags are lowercased, de-duplicated and sorted.
func Parse(raw string, tags ...string) Query {
	seen := make(map[string]struct{}, len(tags))
	merged := make([]string, 0, len(tags))
	addTag := func(tag string) {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			return
		}
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		merged = append(merged, tag)
	}

	for _, field := range strings.Fields(raw) {
		if !strings.HasPrefix(field, "#") {
			continue
		}
		if words := Words(field); len(words) > 0 {
			addTag(words[0])
		}
	}
	for _, tag := range tags {
		addTag(tag)
	}
	sort.Strings(merged)

	return Query{
		Original: raw,
		tags:     merged,
	}
}

// Tags returns a copy of the tag filter.
func (q Query) Tags() []string {
	out := make([]string, len(q.tags))
	copy(out, q.tags)
	return out
}

// FTS renders the full-text term for the remote store: every word of
// Original, tag words included, double-quoted and space separated. It is
// empty when nothing searchable remains, in which case the query must not be
// dispatched.
func (q Query) FTS() string {
	words := Words(q.Original)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " ")
}

// Empty reports whether the query has no searchable full-text term.
func (q Query) Empty() bool {
	return q.FTS() == ""
}

// SameText reports whether two queries are textually identical as the user
// typed them.
func (q Query) SameText(other Query) bool {
	return q.Original == other.Original
}

// Title is the heading shown above a finalized result set.
func (q Query) Title() string {
	if utf8.RuneCountInString(q.Original) < titleMaxRunes {
		return "Search results for " + q.Original
	}
	runes := []rune(q.Original)
	return string(runes[:titleMaxRunes]) + "..."
}

// Words splits text into runs of letters, digits and underscores.
func Words(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}
