// Package normalize canonicalizes free-text customer names so that the same
// company written with different spacing, width or status decorations maps
// to one cache key.
package normalize

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// statusMarkers are decorations stripped from either end of a name, bracketed
// or bare. Sorted longest-first at init so "fully dissolved" wins over
// "dissolved".
var statusMarkers = []string{
	"已注销", "注销", "已吊销", "吊销", "吊销未注销",
	"已转出", "转出", "已迁出", "迁出",
	"清算中", "破产清算", "已破产", "破产",
	"已解散", "解散", "已撤销", "撤销",
	"已停业", "停业", "歇业",
	"及其子公司", "及下属子公司", "及子公司", "合并",
	"fully dissolved", "dissolved",
	"transferred out", "transferred-out",
	"in liquidation", "liquidated",
	"deregistered", "revoked", "bankrupt",
	"and subsidiaries", "and its subsidiaries", "&subsidiaries",
	"consolidated",
}

// bareMarkers may also be stripped without brackets, trailing only.
var bareMarkers = map[string]bool{
	"已注销": true, "注销": true, "已吊销": true, "吊销": true, "吊销未注销": true,
	"已转出": true, "已迁出": true, "清算中": true, "破产清算": true,
	"已破产": true, "已解散": true, "已撤销": true, "已停业": true,
	"及其子公司": true, "及下属子公司": true, "及子公司": true,
	"fully dissolved": true, "dissolved": true,
	"in liquidation": true, "and subsidiaries": true,
	"and its subsidiaries": true, "&subsidiaries": true,
}

var markerRunes [][]rune

var openBrackets = map[rune]rune{
	'(': ')', '[': ']', '【': '】', '〔': '〕', '{': '}', '<': '>', '《': '》',
}

func init() {
	sort.SliceStable(statusMarkers, func(i, j int) bool {
		return len([]rune(statusMarkers[i])) > len([]rune(statusMarkers[j]))
	})
	markerRunes = make([][]rune, len(statusMarkers))
	for i, m := range statusMarkers {
		markerRunes[i] = []rune(m)
	}
}

// Name returns the canonical form of a raw company or customer name. It never
// fails; blank input or a name made only of decorations yields "".
//
// Steps, in order:
//  1. Remove whitespace (including U+3000) and control characters. A single
//     space survives only between two Latin letters or digits.
//  2. Strip leading/trailing status markers, longest first.
//  3. Strip trailing punctuation and unbalanced bracket remnants.
//  4. Fold full-width ASCII to half-width.
//  5. Rewrite ASCII parentheses to the full-width form.
func Name(raw string) string {
	runes := collapseSpace(raw)
	for {
		n := len(runes)
		runes = stripMarkers(runes)
		runes = trimRemnants(runes)
		if len(runes) == n {
			break
		}
	}
	if len(runes) == 0 {
		return ""
	}

	s := width.Narrow.String(string(runes))
	return strings.NewReplacer("(", "（", ")", "）").Replace(s)
}

func collapseSpace(raw string) []rune {
	out := make([]rune, 0, len(raw))
	pendingSpace := false
	var last rune
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = len(out) > 0
			continue
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			continue
		}
		if pendingSpace && latinAlnum(last) && latinAlnum(r) {
			out = append(out, ' ')
		}
		pendingSpace = false
		out = append(out, r)
		last = r
	}
	return out
}

func latinAlnum(r rune) bool {
	r = fold(r)
	if r < 0x80 {
		return r >= '0' && r <= '9' || r >= 'a' && r <= 'z'
	}
	return unicode.Is(unicode.Latin, r)
}

// fold narrows and lower-cases one rune without changing rune counts.
func fold(r rune) rune {
	if n := width.LookupRune(r).Narrow(); n != 0 {
		r = n
	}
	return unicode.ToLower(r)
}

func stripMarkers(runes []rune) []rune {
	folded := make([]rune, len(runes))
	for i, r := range runes {
		folded[i] = fold(r)
	}

	for _, m := range markerRunes {
		if k := bracketedAt(folded, m, true); k > 0 {
			return trimSpaceRunes(runes[k:])
		}
		if k := bracketedAt(folded, m, false); k > 0 {
			return trimSpaceRunes(runes[:len(runes)-k])
		}
		if bareMarkers[string(m)] && hasSuffixAtBoundary(folded, m) {
			return trimSpaceRunes(runes[:len(runes)-len(m)])
		}
	}
	return runes
}

// bracketedAt returns the rune length of "<open>marker<close>" at the start
// (leading) or end of s, or 0.
func bracketedAt(s, marker []rune, leading bool) int {
	n := len(marker) + 2
	if len(s) < n {
		return 0
	}
	seg := s[len(s)-n:]
	if leading {
		seg = s[:n]
	}
	closer, ok := openBrackets[seg[0]]
	if !ok || seg[n-1] != closer {
		return 0
	}
	if string(seg[1:n-1]) != string(marker) {
		return 0
	}
	return n
}

func hasSuffixAtBoundary(s, marker []rune) bool {
	if len(s) <= len(marker) {
		return false
	}
	start := len(s) - len(marker)
	if string(s[start:]) != string(marker) {
		return false
	}
	if marker[0] < 0x80 && latinAlnum(s[start-1]) {
		return false
	}
	return true
}

func trimRemnants(runes []rune) []rune {
	for len(runes) > 0 {
		last := runes[len(runes)-1]
		f := fold(last)
		switch {
		case last == ' ':
		case isCloser(f):
			if balanced(runes) {
				if emptyPair(runes) {
					runes = runes[:len(runes)-2]
					continue
				}
				return runes
			}
		case isOpener(f), unicode.IsPunct(f):
		default:
			return runes
		}
		runes = runes[:len(runes)-1]
	}
	return runes
}

func isOpener(r rune) bool {
	_, ok := openBrackets[r]
	return ok
}

func isCloser(r rune) bool {
	for _, c := range openBrackets {
		if c == r {
			return true
		}
	}
	return false
}

// balanced reports whether the trailing closer of s has a matching opener.
func balanced(s []rune) bool {
	closer := fold(s[len(s)-1])
	depth := 0
	for i := len(s) - 1; i >= 0; i-- {
		r := fold(s[i])
		switch {
		case r == closer:
			depth++
		case openBrackets[r] == closer:
			depth--
			if depth == 0 {
				return true
			}
		}
	}
	return false
}

func emptyPair(s []rune) bool {
	if len(s) < 2 {
		return false
	}
	return openBrackets[fold(s[len(s)-2])] == fold(s[len(s)-1])
}

func trimSpaceRunes(runes []rune) []rune {
	for len(runes) > 0 && runes[0] == ' ' {
		runes = runes[1:]
	}
	for len(runes) > 0 && runes[len(runes)-1] == ' ' {
		runes = runes[:len(runes)-1]
	}
	return runes
}
