package chanapi

import (
	"html"
	"regexp"
	"unicode/utf8"
)

var (
	brRe  = regexp.MustCompile(`(?i)<br\s*/?>`)
	tagRe = regexp.MustCompile(`<[^>]*>`)
)

// PlainText strips HTML markup from a subject or comment field and unescapes
// entities, yielding the text the board renders. Filters and media rules match
// against this form, never against raw HTML.
func PlainText(s string) string {
	if s == "" {
		return ""
	}
	s = brRe.ReplaceAllString(s, "\n")
	s = tagRe.ReplaceAllString(s, "")
	return html.UnescapeString(s)
}

// UniqueRunes counts distinct codepoints in s.
func UniqueRunes(s string) int {
	seen := make(map[rune]struct{}, len(s))
	for _, r := range s {
		seen[r] = struct{}{}
	}
	return len(seen)
}

// PlainSubCom returns the plain text of a post's subject and comment.
func PlainSubCom(p *Post) (sub, com string) {
	return PlainText(p.Sub), PlainText(p.Com)
}

// JoinedText is the subject and comment joined for full-match rule patterns.
func JoinedText(p *Post) string {
	sub, com := PlainSubCom(p)
	switch {
	case sub == "":
		return com
	case com == "":
		return sub
	default:
		return sub + "\n" + com
	}
}

// Truncate clips s to at most n bytes on a rune boundary, for log lines.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
