package service

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var digitRun = regexp.MustCompile(`\d{4,}`)

// last4 returns the final four digits of account, or "".
func last4(account *string) string {
	if account == nil {
		return ""
	}
	var digits []rune
	for _, r := range *account {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) < 4 {
		return ""
	}
	return string(digits[len(digits)-4:])
}

// digitSequences returns the distinct runs of four or more digits in s.
func digitSequences(s string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range digitRun.FindAllString(s, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// looksLikeYear reports whether a four digit run reads as 19xx or 20xx.
func looksLikeYear(seq string) bool {
	return len(seq) == 4 && (strings.HasPrefix(seq, "19") || strings.HasPrefix(seq, "20"))
}

// detectLast4 returns the last four digits of the first long digit run in s.
func detectLast4(s string) string {
	seqs := digitSequences(s)
	if len(seqs) == 0 {
		return ""
	}
	first := seqs[0]
	return first[len(first)-4:]
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if containsFold(name, p) {
			return true
		}
	}
	return false
}

// cleanPatterns trims, drops empties and duplicates, and sorts.
func cleanPatterns(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" || seen[strings.ToLower(p)] {
			continue
		}
		seen[strings.ToLower(p)] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
