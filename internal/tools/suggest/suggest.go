// Package suggest finds the registered tool name closest to one the remote
// service asked for but that does not exist.
//
// Tool names are camelCase identifiers ("createTask"), while the service
// occasionally invents near-misses ("createTsk", "create_task"). Names are
// split into lowercase words and compared in two stages:
//
//  1. Phonetic filtering: Double Metaphone codes are computed for each word.
//     A candidate whose codes overlap the requested name's codes is accepted
//     when its Jaro-Winkler score reaches the phonetic threshold.
//
//  2. Fuzzy fallback: when no phonetic candidate exists, pure Jaro-Winkler
//     similarity is tested against a higher threshold.
package suggest

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically matched name. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic candidate exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher ranks known names by similarity to a requested one. It is
// read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Closest returns the entry of known most similar to name. ok is false when
// nothing clears the thresholds, in which case best is empty.
func (m *Matcher) Closest(name string, known []string) (best string, score float64, ok bool) {
	words := Words(name)
	if len(words) == 0 || len(known) == 0 {
		return "", 0, false
	}
	inputCodes := codesForWords(words)
	full := strings.Join(words, " ")

	var phonetic bool
	for _, k := range known {
		kw := Words(k)
		if len(kw) == 0 {
			continue
		}
		s := bestJWScore(words, kw, full, strings.Join(kw, " "))

		if codesOverlap(inputCodes, codesForWords(kw)) {
			if s >= m.phoneticThreshold && (!phonetic || s > score) {
				best, score, phonetic = k, s, true
			}
		} else if !phonetic && s >= m.fuzzyThreshold && s > score {
			best, score = k, s
		}
	}
	return best, score, best != ""
}

// Words splits an identifier into lowercase words at case changes,
// underscores, hyphens and spaces. "getCurrentTime" becomes
// ["get", "current", "time"].
func Words(name string) []string {
	var (
		words []string
		cur   []rune
	)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(strings.TrimSpace(name))
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || unicode.IsSpace(r):
			flush()
			continue
		case unicode.IsUpper(r) && i > 0:
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}

// codesForWords returns the union of the Double Metaphone codes of words.
func codesForWords(words []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(words)*2)
	for _, w := range words {
		p, s := matchr.DoubleMetaphone(w)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore is the highest Jaro-Winkler similarity across the full
// phrases, the space-stripped phrases and every word pair.
func bestJWScore(inputWords, knownWords []string, inputFull, knownFull string) float64 {
	score := matchr.JaroWinkler(inputFull, knownFull, false)

	if len(inputWords) > 1 || len(knownWords) > 1 {
		if s := matchr.JaroWinkler(strings.Join(inputWords, ""), strings.Join(knownWords, ""), false); s > score {
			score = s
		}
	}

	for _, iw := range inputWords {
		for _, kw := range knownWords {
			if s := matchr.JaroWinkler(iw, kw, false); s > score {
				score = s
			}
		}
	}
	return score
}
