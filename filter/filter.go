// Package filter classifies text fragments as allowed or blocked before they
// are stored (input) or sent to chat (output). It is pure and synchronous:
// no I/O happens at classify time, only at (re)load time.
package filter

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
)

// Verdict is the result of classify.
type Verdict int

const (
	Allowed Verdict = iota
	Blocked
)

func (v Verdict) String() string {
	if v == Blocked {
		return "blocked"
	}
	return "allowed"
}

var leetspeakTable = map[rune]rune{
	'3': 'e',
	'1': 'i',
	'0': 'o',
	'4': 'a',
	'5': 's',
	'7': 't',
}

// injectionPatterns catch attempts to smuggle role markers, system-prompt
// framing, or an impersonated speaker prefix into generator output before it
// reaches chat.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+previous\s+instructions`),
	regexp.MustCompile(`<\|.*?\|>`),
	// A leading "name:" or "@name:" is the generator impersonating another
	// chat participant (or a role marker like "system:"); either way it has
	// no business opening an emitted line.
	regexp.MustCompile(`(?i)^\s*@?\w+\s*:`),
}

// Filter holds the current blocked-term set and strict-mode switch. It is
// safe for concurrent use; Reload swaps the term set atomically.
type Filter struct {
	mu       sync.RWMutex
	terms    map[string]struct{}
	strict   bool
	enabled  bool
	degraded bool
	path     string
}

// New constructs a Filter and performs the initial load. If enabled is false,
// classify returns Allowed, except while the filter is degraded: if the term
// set can't be loaded, classify returns Blocked for every input whether or
// not the filter is enabled, until a successful Reload.
func New(path string, strict, enabled bool) *Filter {
	f := &Filter{
		terms:   make(map[string]struct{}),
		strict:  strict,
		enabled: enabled,
		path:    path,
	}
	if err := f.Reload(); err != nil {
		slog.Error("filter failed initial load; degraded (blocking all input)", slog.Any("err", err), slog.String("path", path))
	}
	return f
}

// Reload re-reads the blocked-terms file. On failure the filter enters (or
// remains in) the degraded state, where classify always returns Blocked
// regardless of the enabled switch. Unfiltered egress is never permitted.
func (f *Filter) Reload() error {
	terms, err := loadTerms(f.path)
	if err != nil {
		f.mu.Lock()
		f.degraded = true
		f.mu.Unlock()
		return err
	}
	f.mu.Lock()
	f.terms = terms
	f.degraded = false
	f.mu.Unlock()
	return nil
}

func loadTerms(path string) (map[string]struct{}, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blocked words file: %w", err)
	}
	defer file.Close()

	terms := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		norm := Normalize(line)
		if norm != "" {
			terms[norm] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan blocked words file: %w", err)
	}
	return terms, nil
}

// Normalize applies the fixed pipeline: case-fold, leetspeak substitution,
// strip non-alphanumeric, collapse whitespace.
func Normalize(text string) string {
	lower := strings.ToLower(text)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if sub, ok := leetspeakTable[r]; ok {
			r = sub
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == ' ' || r == '\t' || r == '\n' {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Classify applies the input-side algorithm: fail-safe degraded state, hard
// disable switch, tokenized exact match, and (in strict mode) substring
// match against the whole normalized text.
func (f *Filter) Classify(text string) Verdict {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.degraded {
		return Blocked
	}
	if !f.enabled {
		return Allowed
	}

	normalized := Normalize(text)
	tokens := strings.Fields(normalized)
	for _, tok := range tokens {
		if _, blocked := f.terms[tok]; blocked {
			return Blocked
		}
	}
	if f.strict {
		for term := range f.terms {
			if term != "" && strings.Contains(normalized, term) {
				return Blocked
			}
		}
		if hasEvasionSymbolRatio(text) {
			return Blocked
		}
	}
	return Allowed
}

// ClassifyOutput applies the same input algorithm plus checks specific to
// generator output: prompt-injection framing and impersonation prefixes that
// have no business appearing in a spontaneous or response emission.
func (f *Filter) ClassifyOutput(text string) Verdict {
	if f.Classify(text) == Blocked {
		return Blocked
	}
	if hasInjectionMarker(text) {
		return Blocked
	}
	return Allowed
}

// hasEvasionSymbolRatio blocks text that is mostly punctuation/symbols, a
// cheap and low-false-positive evasion signal. The alternating-case heuristic
// from the source implementation was deliberately not carried over: ordinary
// Twitch chat text like "HAHAHAHA" trips it constantly.
func hasEvasionSymbolRatio(text string) bool {
	if len(text) == 0 {
		return false
	}
	symbols := 0
	total := 0
	for _, r := range text {
		if r == ' ' || r == '\t' || r == '\n' {
			continue
		}
		total++
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			symbols++
		}
	}
	if total == 0 {
		return false
	}
	return float64(symbols)/float64(total) > 0.6
}

func hasInjectionMarker(text string) bool {
	for _, p := range injectionPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
