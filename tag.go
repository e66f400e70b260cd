package knowbase

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// tagShape is the required form of a tag: a bracketed key:value pair.
// Keys are word-like; values may be empty but never contain brackets.
var tagShape = regexp.MustCompile(`^\[[A-Za-z0-9_.-]+:[^\[\]]*\]$`)

// Tag formats a key/value pair as a namespaced tag string, e.g.
// Tag("topic", "geography") == "[topic:geography]".
func Tag(key, value string) string {
	return "[" + key + ":" + value + "]"
}

// ParseTag splits a tag of the form "[key:value]" into its parts.
// Returns ErrValidation when the tag does not match the required shape.
func ParseTag(tag string) (key, value string, err error) {
	if !tagShape.MatchString(tag) {
		return "", "", fmt.Errorf("%w: malformed tag %q, want [key:value]", ErrValidation, tag)
	}
	inner := tag[1 : len(tag)-1]
	key, value, _ = strings.Cut(inner, ":")
	return key, value, nil
}

// ValidTag reports whether tag matches the "[key:value]" shape.
func ValidTag(tag string) bool { return tagShape.MatchString(tag) }

// normalizeTags collapses duplicates and returns the tags sorted, preserving
// set semantics over the slice representation.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// hasTag reports whether tags contains the exact tag string.
func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
