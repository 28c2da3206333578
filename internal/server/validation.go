package server

import (
	"regexp"
	"strings"
)

// Ids are "<prefix>-<ulid>" with the ulid lowercased Crockford base32.
var idRegex = regexp.MustCompile(`^([a-z]{2})-[0-9a-hjkmnp-tv-z]{26}$`)

func validateID(prefix, id string) bool {
	m := idRegex.FindStringSubmatch(id)
	return m != nil && m[1] == prefix
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(title), " ")
}
