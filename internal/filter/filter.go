// Package filter matches channel messages against interest tags.
//
// Matching is pure: no I/O, no shared state. A message is included when any
// tag (or any of its synonyms) matches its text. An empty tag set matches
// everything, which allows unfiltered monitoring of a channel list.
package filter

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"tgdigest/internal/model"
)

// Set is a compiled tag set. The zero value matches everything.
type Set struct {
	tags []compiledTag
}

type compiledTag struct {
	name     string
	matchers []matcher
}

type matcher interface {
	match(text string) bool
}

// Compile validates and compiles tags. Regex tags that fail to compile are
// reported with the offending pattern.
func Compile(tags []model.InterestTag) (*Set, error) {
	s := &Set{tags: make([]compiledTag, 0, len(tags))}
	for i, t := range tags {
		ct, err := compileTag(t)
		if err != nil {
			return nil, fmt.Errorf("tag %d (%q): %w", i, t.Pattern, err)
		}
		if len(ct.matchers) == 0 {
			continue
		}
		s.tags = append(s.tags, ct)
	}
	return s, nil
}

// MustCompile is Compile for tag sets that are known to be valid.
func MustCompile(tags []model.InterestTag) *Set {
	s, err := Compile(tags)
	if err != nil {
		panic(err)
	}
	return s
}

func compileTag(t model.InterestTag) (compiledTag, error) {
	ct := compiledTag{name: t.Pattern}
	patterns := make([]string, 0, 1+len(t.Synonyms))
	patterns = append(patterns, t.Pattern)
	patterns = append(patterns, t.Synonyms...)

	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if t.IsRegex {
			expr := p
			if !t.CaseSensitive {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return compiledTag{}, err
			}
			ct.matchers = append(ct.matchers, regexMatcher{re: re})
			continue
		}
		needle := p
		if !t.CaseSensitive {
			needle = strings.ToLower(needle)
		}
		ct.matchers = append(ct.matchers, textMatcher{
			needle:        needle,
			caseSensitive: t.CaseSensitive,
			wholeWord:     t.WholeWord,
		})
	}
	return ct, nil
}

// Empty reports whether the set has no effective tags.
func (s *Set) Empty() bool { return s == nil || len(s.tags) == 0 }

// Match reports whether m should be included.
func (s *Set) Match(m model.Message) bool {
	if s.Empty() {
		return true
	}
	text := m.Body()
	for _, t := range s.tags {
		if t.match(text) {
			return true
		}
	}
	return false
}

// Matched returns the tag names that match m, in configuration order.
func (s *Set) Matched(m model.Message) []string {
	if s.Empty() {
		return nil
	}
	text := m.Body()
	var out []string
	for _, t := range s.tags {
		if t.match(text) {
			out = append(out, t.name)
		}
	}
	return out
}

func (t compiledTag) match(text string) bool {
	for _, m := range t.matchers {
		if m.match(text) {
			return true
		}
	}
	return false
}

// Matches compiles tags and applies them to m. Blank tags are ignored, so
// a set of only blank tags matches everything, as Compile does. Invalid
// regex tags never match.
func Matches(m model.Message, tags []model.InterestTag) bool {
	s := &Set{}
	invalid := false
	for _, t := range tags {
		ct, err := compileTag(t)
		if err != nil {
			invalid = true
			continue
		}
		if len(ct.matchers) > 0 {
			s.tags = append(s.tags, ct)
		}
	}
	if s.Empty() && invalid {
		return false
	}
	return s.Match(m)
}

type regexMatcher struct{ re *regexp.Regexp }

func (r regexMatcher) match(text string) bool { return r.re.MatchString(text) }

type textMatcher struct {
	needle        string
	caseSensitive bool
	wholeWord     bool
}

func (t textMatcher) match(text string) bool {
	if !t.caseSensitive {
		text = strings.ToLower(text)
	}
	if !t.wholeWord {
		return strings.Contains(text, t.needle)
	}
	for off := 0; off <= len(text); {
		i := strings.Index(text[off:], t.needle)
		if i < 0 {
			return false
		}
		start := off + i
		end := start + len(t.needle)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		off = start + size
	}
	return false
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
