// Package badge encodes and parses the comment-field badge wire format:
// harmony_badges:v1:<code>,<code>,… — up to five short lowercase profile
// tags advertised in a user's Mumble comment field.
package badge

import "strings"

const (
	prefix      = "harmony_badges:v1:"
	maxCodes    = 5
	maxCodeLen  = 32
)

// Normalize cleans a raw code list: drops codes that are empty, longer
// than maxCodeLen, or contain characters outside [a-z0-9_-], deduplicates
// preserving first-occurrence order, and caps the result at maxCodes.
func Normalize(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, maxCodes)
	for _, c := range codes {
		if len(out) >= maxCodes {
			break
		}
		if !valid(c) {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// valid reports whether a single code meets the wire format's character
// and length rules.
func valid(code string) bool {
	if code == "" || len(code) > maxCodeLen {
		return false
	}
	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// Encode renders codes (after normalization) as the comment wire string.
// Returns the bare prefix when codes normalizes to empty.
func Encode(codes []string) string {
	return prefix + strings.Join(Normalize(codes), ",")
}

// Parse extracts badge codes from a comment field. ok is false when s
// lacks the harmony_badges:v1: prefix; in that case the returned slice
// is always nil.
func Parse(s string) (codes []string, ok bool) {
	if !strings.HasPrefix(s, prefix) {
		return nil, false
	}
	rest := strings.TrimPrefix(s, prefix)
	if rest == "" {
		return nil, true
	}
	return Normalize(strings.Split(rest, ",")), true
}
