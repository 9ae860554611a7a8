// Package normalize turns raw product-name queries into search candidates.
//
// Normalization runs in three levels: a hard-mapping table for queries we
// have learned exact canonical names for, synonym expansion for spelling and
// script variants, and a structural fallback that decomposes the query into
// brand / model / category candidates. Later levels are only reached when
// earlier ones produce nothing usable.
package normalize

import (
	"regexp"
	"strings"
)

var (
	wsRun          = regexp.MustCompile(`\s+`)
	hangulToLatin  = regexp.MustCompile(`([\x{AC00}-\x{D7A3}])([0-9a-z])`)
	latinToHangul  = regexp.MustCompile(`([0-9a-z])([\x{AC00}-\x{D7A3}])`)
	disallowedRune = regexp.MustCompile(`[^0-9a-z\x{AC00}-\x{D7A3}\-_ ]+`)
	digitRun       = regexp.MustCompile(`\d+`)
	yearToken      = regexp.MustCompile(`^(19|20)\d{2}$`)
)

// Norm canonicalizes a string for matching: lowercase, single spaces, a
// space inserted at every Hangul/Latin boundary, and everything outside
// [alnum, Hangul, '-', '_', ' '] removed. Hard-mapping keys and incoming
// queries go through the same function so equality is well defined.
func Norm(s string) string {
	s = strings.ToLower(s)
	s = wsRun.ReplaceAllString(strings.TrimSpace(s), " ")
	s = hangulToLatin.ReplaceAllString(s, "$1 $2")
	s = latinToHangul.ReplaceAllString(s, "$1 $2")
	s = disallowedRune.ReplaceAllString(s, "")
	s = wsRun.ReplaceAllString(strings.TrimSpace(s), " ")
	return s
}

// Tokens splits a normalized string on spaces.
func Tokens(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

// gradeWords are the model-grade suffixes that distinguish product tiers.
// Any rewrite that loses one of these (or a digit run) changes the product.
var gradeWords = map[string]struct{}{
	"pro": {}, "max": {}, "ultra": {}, "fe": {}, "plus": {},
}

// GradeTokens extracts the set of grade-bearing tokens from a string: every
// digit run and every grade word.
func GradeTokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	norm := Norm(s)
	for _, run := range digitRun.FindAllString(norm, -1) {
		out[run] = struct{}{}
	}
	for _, tok := range Tokens(norm) {
		if _, ok := gradeWords[tok]; ok {
			out[tok] = struct{}{}
		}
	}
	return out
}

// preservesGrades reports whether candidate keeps every grade token of src.
func preservesGrades(src, candidate string) bool {
	have := GradeTokens(candidate)
	for tok := range GradeTokens(src) {
		if _, ok := have[tok]; !ok {
			return false
		}
	}
	return true
}

// isYear reports whether a token is a bare 4-digit year.
func isYear(tok string) bool {
	return yearToken.MatchString(tok)
}
