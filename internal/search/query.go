// Package search parses free-text queries and locates matches for
// highlighting.
package search

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// HighlightMarker is the default marker pattern search backends wrap
// matched text in.
const HighlightMarker = `__RCSearchHLMarkBEG__(.+?)__RCSearchHLMarkEND__`

var highlightMarkerRe = regexp.MustCompile(HighlightMarker)

// Offset is a half-open [Start, End) range of characters.
type Offset struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ExtractPhrases splits a query on spaces, keeping double-quoted runs
// together. An unterminated quote takes the rest of the query. Blank
// phrases are dropped.
//
//	ExtractPhrases(`some text "with  a phrase"`) // [some text with  a phrase]
func ExtractPhrases(query string) []string {
	var (
		phrases  []string
		buf      strings.Builder
		inPhrase bool
	)
	flush := func() {
		if p := strings.TrimSpace(buf.String()); p != "" {
			phrases = append(phrases, p)
		}
		buf.Reset()
	}
	for _, r := range query {
		switch {
		case r == '"':
			flush()
			inPhrase = !inPhrase
		case r == ' ' && !inPhrase:
			flush()
		default:
			buf.WriteRune(r)
		}
	}
	flush()
	if phrases == nil {
		return []string{}
	}
	return phrases
}

// NormalizeTextForMatching lower-cases s and replaces every character that
// is not a letter, digit or underscore with a space. The result has as many
// characters as s, so offsets carry over.
func NormalizeTextForMatching(s string) string {
	return strings.Map(func(r rune) rune {
		r = unicode.ToLower(r)
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, s)
}

// GetMatchingPhraseOffsets returns where each phrase occurs in text, phrase
// by phrase. Phrases match literally.
//
//	GetMatchingPhraseOffsets("some text here", []string{"some", "here"}) // [{0 4} {10 14}]
func GetMatchingPhraseOffsets(text string, phrases []string) []Offset {
	var offsets []Offset
	for _, phrase := range phrases {
		if phrase == "" {
			continue
		}
		re := regexp.MustCompile(regexp.QuoteMeta(phrase))
		offsets = append(offsets, matchOffsets(re, text)...)
	}
	return offsets
}

// GetMatchingMarkersOffsets returns where each marker pattern matches text.
// With no markers the default highlight marker is used.
func GetMatchingMarkersOffsets(text string, markers []*regexp.Regexp) []Offset {
	if len(markers) == 0 {
		markers = []*regexp.Regexp{highlightMarkerRe}
	}
	var offsets []Offset
	for _, re := range markers {
		offsets = append(offsets, matchOffsets(re, text)...)
	}
	return offsets
}

// matchOffsets converts regexp byte offsets into character offsets.
func matchOffsets(re *regexp.Regexp, text string) []Offset {
	matches := re.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]Offset, len(matches))
	for i, m := range matches {
		out[i] = Offset{
			Start: utf8.RuneCountInString(text[:m[0]]),
			End:   utf8.RuneCountInString(text[:m[1]]),
		}
	}
	return out
}

// GetMatchingLineOffsets scans text line by line, numbering lines from 1.
// When terms is set its phrases are matched case- and
// punctuation-insensitively; otherwise the markers are matched verbatim.
// It returns the number of lines and the offsets for each matching line.
func GetMatchingLineOffsets(text, terms string, markers []*regexp.Regexp) (int, map[int][]Offset) {
	matching := make(map[int][]Offset)
	lines := splitLines(text)

	if terms != "" {
		var phrases []string
		for _, p := range ExtractPhrases(terms) {
			phrases = append(phrases, NormalizeTextForMatching(p))
		}
		for i, line := range lines {
			if offsets := GetMatchingPhraseOffsets(NormalizeTextForMatching(line), phrases); len(offsets) > 0 {
				matching[i+1] = offsets
			}
		}
		return len(lines), matching
	}

	for i, line := range lines {
		if offsets := GetMatchingMarkersOffsets(line, markers); len(offsets) > 0 {
			matching[i+1] = offsets
		}
	}
	return len(lines), matching
}

// splitLines splits on \n, \r\n and \r without a trailing empty line.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
