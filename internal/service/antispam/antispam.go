// Package antispam generates the content and timing variation applied to
// outbound messages so bulk sends do not look machine-stamped to provider
// abuse heuristics.
package antispam

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/relaydesk/dispatch/internal/model"
)

// Zero-width characters are invisible but change the byte content, which is
// enough to defeat naive duplicate-content detection.
var zeroWidthMarkers = []rune{
	'\u200b', // zero width space
	'\u200c', // zero width non-joiner
	'\u200d', // zero width joiner
	'\u2060', // word joiner
}

// greetingSwaps is the fixed catalog of visually equivalent openers.
var greetingSwaps = [][2]string{
	{"Hello", "Hi"},
	{"Hello", "Hey"},
	{"Hi", "Hey there"},
	{"Good morning", "Morning"},
	{"Good afternoon", "Afternoon"},
	{"Dear", "Hi"},
	{"Thanks", "Thank you"},
	{"Thank you", "Many thanks"},
}

// punctuationSwaps soften or vary terminal punctuation without changing
// meaning.
var punctuationSwaps = [][2]string{
	{"!", "."},
	{"!!", "!"},
	{"...", "…"},
	{", ", " - "},
}

// Randomizer produces message variants and randomized delays. All methods
// are safe for concurrent use; the seed is injectable so tests are
// deterministic.
type Randomizer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func New(seed int64) *Randomizer {
	return &Randomizer{rnd: rand.New(rand.NewSource(seed))}
}

// Variants returns n textual variants of base. Variant 0 is always the
// unmodified original; later variants recombine catalog swaps and carry
// zero-width markers.
func (r *Randomizer) Variants(base string, n int) []string {
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	out = append(out, base)

	for i := 1; i < n; i++ {
		v := base
		r.mu.Lock()
		// Apply a random subset of the catalog; each rule fires at most once.
		for _, swap := range greetingSwaps {
			if r.rnd.Float64() < 0.5 {
				v = strings.Replace(v, swap[0], swap[1], 1)
			}
		}
		for _, swap := range punctuationSwaps {
			if r.rnd.Float64() < 0.5 {
				v = strings.Replace(v, swap[0], swap[1], 1)
			}
		}
		r.mu.Unlock()
		out = append(out, r.UniqueMarker(v))
	}
	return out
}

// UniqueMarker inserts 1-3 zero-width markers at random positions. The
// rendered text is unchanged.
func (r *Randomizer) UniqueMarker(text string) string {
	runes := []rune(text)
	if len(runes) == 0 {
		return text
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	count := 1 + r.rnd.Intn(3)
	for i := 0; i < count; i++ {
		pos := r.rnd.Intn(len(runes) + 1)
		marker := zeroWidthMarkers[r.rnd.Intn(len(zeroWidthMarkers))]
		runes = append(runes[:pos], append([]rune{marker}, runes[pos:]...)...)
	}
	return string(runes)
}

// Intn returns a uniform random int in [0, n).
func (r *Randomizer) Intn(n int) int {
	if n <= 1 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Intn(n)
}

// Jitter returns a uniform random duration in [min, max].
func (r *Randomizer) Jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return min + time.Duration(r.rnd.Int63n(int64(max-min)+1))
}

// Between draws from a model range, treating an empty range as zero.
func (r *Randomizer) Between(rng model.DurationRange) time.Duration {
	if rng.Min <= 0 && rng.Max <= 0 {
		return 0
	}
	return r.Jitter(rng.Min, rng.Max)
}

// StripMarkers removes zero-width markers, restoring the visible text.
// Used by tests and diagnostic tooling.
func StripMarkers(text string) string {
	return strings.Map(func(c rune) rune {
		for _, m := range zeroWidthMarkers {
			if c == m {
				return -1
			}
		}
		return c
	}, text)
}
