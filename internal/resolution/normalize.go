package resolution

import (
	"regexp"
	"strings"
)

var trailingParenthetical = regexp.MustCompile(`\s*\([^)]*\)\s*$`)
var underscoreOrSpace = regexp.MustCompile(`[_\s]+`)

// normalize implements §4.6.1 step 1's normalize(): lower-case, collapse
// whitespace/underscores, strip a trailing parenthesized suffix
// (e.g. "User (system)" -> "user").
func normalize(name string) string {
	n := trailingParenthetical.ReplaceAllString(name, "")
	n = underscoreOrSpace.ReplaceAllString(n, " ")
	return strings.ToLower(strings.TrimSpace(n))
}

// tokenize splits on whitespace for the compound-name guard (§4.6.3).
func tokenize(name string) []string {
	return strings.Fields(name)
}

// isCompoundSplit implements the §4.6.3 compound-name guard: true when one
// tokenization is a proper prefix of the other with at least one token of
// overlap — callers must then require the exact-match path rather than
// merging on vector similarity alone.
func isCompoundSplit(a, b string) bool {
	ta, tb := tokenize(normalize(a)), tokenize(normalize(b))
	shorter, longer := ta, tb
	if len(ta) > len(tb) {
		shorter, longer = tb, ta
	}
	if len(shorter) == 0 || len(shorter) >= len(longer) {
		return false
	}
	for i, tok := range shorter {
		if longer[i] != tok {
			return false
		}
	}
	return true
}

// jaroWinkler returns the normalized Jaro-Winkler similarity in [0,1]
// between two already-normalized strings. No library in the example corpus
// implements Jaro-Winkler (github.com/agnivade/levenshtein covers edit
// distance only), so this is a direct, stdlib-only implementation — the
// required documented exception for a part with no suitable pack library.
func jaroWinkler(s1, s2 string) float64 {
	if s1 == s2 {
		return 1.0
	}
	r1, r2 := []rune(s1), []rune(s2)
	len1, len2 := len(r1), len(r2)
	if len1 == 0 || len2 == 0 {
		return 0
	}

	matchDistance := len1/2 - 1
	if len2/2-1 > matchDistance {
		matchDistance = len2/2 - 1
	}
	if matchDistance < 0 {
		matchDistance = 0
	}

	s1Matches := make([]bool, len1)
	s2Matches := make([]bool, len2)

	matches := 0
	for i := 0; i < len1; i++ {
		start := i - matchDistance
		if start < 0 {
			start = 0
		}
		end := i + matchDistance + 1
		if end > len2 {
			end = len2
		}
		for j := start; j < end; j++ {
			if s2Matches[j] || r1[i] != r2[j] {
				continue
			}
			s1Matches[i] = true
			s2Matches[j] = true
			matches++
			break
		}
	}
	if matches == 0 {
		return 0
	}

	transpositions := 0
	k := 0
	for i := 0; i < len1; i++ {
		if !s1Matches[i] {
			continue
		}
		for !s2Matches[k] {
			k++
		}
		if r1[i] != r2[k] {
			transpositions++
		}
		k++
	}
	transpositions /= 2

	m := float64(matches)
	jaro := (m/float64(len1) + m/float64(len2) + (m-float64(transpositions))/m) / 3.0

	prefix := 0
	maxPrefix := 4
	if len1 < maxPrefix {
		maxPrefix = len1
	}
	if len2 < maxPrefix {
		maxPrefix = len2
	}
	for i := 0; i < maxPrefix; i++ {
		if r1[i] != r2[i] {
			break
		}
		prefix++
	}

	return jaro + float64(prefix)*0.1*(1-jaro)
}
