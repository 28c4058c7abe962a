package devices

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/duplexa/pkg/audio"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// MatcherOption configures a [Matcher].
type MatcherOption func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically overlapping device name to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic overlap exists. Default: 0.85.
func WithFuzzyThreshold(threshold float64) MatcherOption {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher ranks device names against a free-form query. Device names as
// reported by platforms are long and inconsistent ("HDA Intel PCH: ALC257
// Analog (hw:0,0)"), so users type fragments or approximations; the matcher
// combines Double Metaphone phonetic overlap with Jaro-Winkler similarity to
// resolve them. Read-only after construction, safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewMatcher returns a matcher with the default thresholds.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Find resolves query against the current snapshot, in order of strength:
// exact ID, exact name (case-insensitive), unique substring of a name, then
// the fuzzy ranking of [Matcher.Best]. The optional type filter restricts
// which devices are considered.
func (m *Manager) Find(query string, types ...audio.DeviceType) (audio.DeviceInfo, error) {
	candidates := m.Devices(types...)
	if len(candidates) == 0 {
		return audio.DeviceInfo{}, fmt.Errorf("%w: no devices to match %q against", ErrDeviceNotFound, query)
	}

	for _, d := range candidates {
		if d.ID == query {
			return d, nil
		}
	}

	q := strings.ToLower(strings.TrimSpace(query))
	for _, d := range candidates {
		if strings.ToLower(d.Name) == q {
			return d, nil
		}
	}

	var substrHit audio.DeviceInfo
	substrCount := 0
	for _, d := range candidates {
		if strings.Contains(strings.ToLower(d.Name), q) {
			substrHit = d
			substrCount++
		}
	}
	if substrCount == 1 {
		return substrHit, nil
	}

	if best, ok := m.matcher.Best(query, candidates); ok {
		return best, nil
	}
	return audio.DeviceInfo{}, fmt.Errorf("%w: nothing matches %q", ErrDeviceNotFound, query)
}

// Best returns the candidate whose name scores highest against query.
//
// Candidates whose name shares a Double Metaphone code with the query are
// ranked first and accepted above the phonetic threshold; without any
// phonetic overlap a candidate needs to clear the stricter fuzzy threshold
// on pure string similarity.
func (m *Matcher) Best(query string, candidates []audio.DeviceInfo) (audio.DeviceInfo, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return audio.DeviceInfo{}, false
	}
	queryTokens := strings.Fields(q)
	queryCodes := codesForTokens(queryTokens)

	var (
		best         audio.DeviceInfo
		bestScore    float64
		bestPhonetic bool
		found        bool
	)
	for _, d := range candidates {
		name := strings.ToLower(strings.TrimSpace(d.Name))
		if name == "" {
			continue
		}
		nameTokens := strings.Fields(name)

		phonetic := codesOverlap(queryCodes, codesForTokens(nameTokens))
		score := bestSimilarity(queryTokens, nameTokens, q, name)

		switch {
		case phonetic && score >= m.phoneticThreshold:
			if !bestPhonetic || score > bestScore {
				best, bestScore, bestPhonetic, found = d, score, true, true
			}
		case !phonetic && !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore:
			best, bestScore, found = d, score, true
		}
	}
	return best, found
}

// codesForTokens returns the union of the Double Metaphone codes of the
// tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
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

// bestSimilarity computes the highest Jaro-Winkler score between the query
// and a device name using three comparisons: the full strings, the strings
// with spaces stripped, and the best pairwise token score. The token pass
// matters most here, because a query like "yeti" should score against the
// one meaningful word of "Blue Yeti USB Microphone".
func bestSimilarity(queryTokens, nameTokens []string, queryFull, nameFull string) float64 {
	score := matchr.JaroWinkler(queryFull, nameFull, false)

	if len(queryTokens) > 1 || len(nameTokens) > 1 {
		concatQuery := strings.Join(queryTokens, "")
		concatName := strings.Join(nameTokens, "")
		if s := matchr.JaroWinkler(concatQuery, concatName, false); s > score {
			score = s
		}
	}

	for _, qt := range queryTokens {
		for _, nt := range nameTokens {
			if s := matchr.JaroWinkler(qt, nt, false); s > score {
				score = s
			}
		}
	}
	return score
}
