package search

import (
	"reflect"
	"regexp"
	"testing"
)

func TestExtractPhrases(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{``, []string{}},
		{` `, []string{}},
		{`"   "`, []string{}},
		{`some text`, []string{"some", "text"}},
		{`some  text`, []string{"some", "text"}},
		{`some text "with  a phrase"`, []string{"some", "text", "with  a phrase"}},
		{`"a phrase" "another phrase"`, []string{"a phrase", "another phrase"}},
		{`"a phrase"word`, []string{"a phrase", "word"}},
		{`before"in side"after`, []string{"before", "in side", "after"}},
		{`open "quote runs to the end`, []string{"open", "quote runs to the end"}},
	}
	for _, tt := range tests {
		if got := ExtractPhrases(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("ExtractPhrases(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeTextForMatching(t *testing.T) {
	tests := map[string]string{
		"Some-Text, here!": "some text  here ",
		"snake_case":       "snake_case",
		"Ünïcode.ok":       "ünïcode ok",
	}
	for in, want := range tests {
		if got := NormalizeTextForMatching(in); got != want {
			t.Fatalf("NormalizeTextForMatching(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGetMatchingPhraseOffsets(t *testing.T) {
	tests := []struct {
		text    string
		phrases []string
		want    []Offset
	}{
		{"some text here", []string{"some", "here"}, []Offset{{0, 4}, {10, 14}}},
		{"here and here", []string{"here"}, []Offset{{0, 4}, {9, 13}}},
		{"a.b axb", []string{"a.b"}, []Offset{{0, 3}}},
		{"no match", []string{"zzz"}, nil},
		{"héllo world", []string{"world"}, []Offset{{6, 11}}},
	}
	for _, tt := range tests {
		if got := GetMatchingPhraseOffsets(tt.text, tt.phrases); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("GetMatchingPhraseOffsets(%q, %q) = %v, want %v", tt.text, tt.phrases, got, tt.want)
		}
	}
}

func TestGetMatchingMarkersOffsets(t *testing.T) {
	text := "x __RCSearchHLMarkBEG__foo__RCSearchHLMarkEND__ y"
	got := GetMatchingMarkersOffsets(text, nil)
	want := []Offset{{2, 47}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("default markers = %v, want %v", got, want)
	}

	custom := []*regexp.Regexp{regexp.MustCompile(`<em>(.+?)</em>`)}
	got = GetMatchingMarkersOffsets("a <em>b</em> <em>c</em>", custom)
	want = []Offset{{2, 12}, {13, 23}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("custom markers = %v, want %v", got, want)
	}
}

func TestGetMatchingLineOffsetsTerms(t *testing.T) {
	text := "words words words\n" +
		"words words words\n" +
		"some text some\n" +
		"words words words\n" +
		"words words words\n" +
		"text here what\n"

	lines, matches := GetMatchingLineOffsets(text, "text", nil)
	if lines != 6 {
		t.Fatalf("lines = %d, want 6", lines)
	}
	want := map[int][]Offset{
		3: {{5, 9}},
		6: {{0, 4}},
	}
	if !reflect.DeepEqual(matches, want) {
		t.Fatalf("matches = %v, want %v", matches, want)
	}
}

func TestGetMatchingLineOffsetsIgnoresCaseAndPunctuation(t *testing.T) {
	_, matches := GetMatchingLineOffsets("Hello-World!\r\nbye", `"hello world"`, nil)
	want := map[int][]Offset{1: {{0, 11}}}
	if !reflect.DeepEqual(matches, want) {
		t.Fatalf("matches = %v, want %v", matches, want)
	}
}

func TestGetMatchingLineOffsetsMarkers(t *testing.T) {
	text := "plain\nfound __RCSearchHLMarkBEG__it__RCSearchHLMarkEND__\n"
	lines, matches := GetMatchingLineOffsets(text, "", nil)
	if lines != 2 {
		t.Fatalf("lines = %d, want 2", lines)
	}
	if _, ok := matches[2]; !ok || len(matches) != 1 {
		t.Fatalf("matches = %v, want line 2 only", matches)
	}
	// markers are matched verbatim, so the normalized form is not used
	_, matches = GetMatchingLineOffsets("Foo\nfoo", "", []*regexp.Regexp{regexp.MustCompile(`foo`)})
	if !reflect.DeepEqual(matches, map[int][]Offset{2: {{0, 3}}}) {
		t.Fatalf("verbatim markers = %v", matches)
	}
}

func TestGetMatchingLineOffsetsEmpty(t *testing.T) {
	lines, matches := GetMatchingLineOffsets("", "x", nil)
	if lines != 0 || len(matches) != 0 {
		t.Fatalf("empty text = %d %v", lines, matches)
	}
}
