package utils

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint derives a deterministic cache key from a query, its search mode
// and the applied filters. Identical logical queries must collide: the text is
// lower-cased, trimmed and whitespace-collapsed, filters are sorted by key.
func Fingerprint(query, mode string, filters map[string]string) string {
	var b strings.Builder
	b.WriteString(NormalizeQuery(query))
	b.WriteByte('|')
	b.WriteString(mode)

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(filters[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", sum[:16])
}

func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", sum[:16])
}
