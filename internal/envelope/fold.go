package envelope

import "strings"

// homoglyphs maps non-ASCII lookalike letters onto the ASCII letters they
// impersonate. Covers the Cyrillic and Greek letters that render identically
// to Latin ones in common fonts. Fullwidth and tag codepoints are folded by
// range in foldRune.
var homoglyphs = map[rune]rune{
	// Cyrillic lowercase
	'а': 'a', 'е': 'e', 'о': 'o', 'р': 'p', 'с': 'c', 'х': 'x', 'у': 'y',
	'і': 'i', 'ј': 'j', 'ѕ': 's', 'ԁ': 'd', 'ԛ': 'q', 'ԝ': 'w',
	// Cyrillic uppercase
	'А': 'A', 'В': 'B', 'Е': 'E', 'З': '3', 'К': 'K', 'М': 'M', 'Н': 'H',
	'О': 'O', 'Р': 'P', 'С': 'C', 'Т': 'T', 'У': 'Y', 'Х': 'X', 'Ѕ': 'S',
	'І': 'I', 'Ј': 'J',
	// Greek lowercase
	'ο': 'o', 'ν': 'v', 'α': 'a', 'ρ': 'p', 'τ': 't', 'υ': 'u', 'ι': 'i',
	'κ': 'k', 'η': 'n',
	// Greek uppercase
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Ζ': 'Z', 'Η': 'H', 'Ι': 'I', 'Κ': 'K',
	'Μ': 'M', 'Ν': 'N', 'Ο': 'O', 'Ρ': 'P', 'Τ': 'T', 'Υ': 'Y', 'Χ': 'X',
}

// foldRune returns the ASCII equivalent of a lookalike rune, or the rune
// unchanged when it has none.
func foldRune(r rune) rune {
	if ascii, ok := homoglyphs[r]; ok {
		return ascii
	}
	// Fullwidth forms: ！ through ～ mirror ASCII 0x21..0x7E.
	if r >= 0xFF01 && r <= 0xFF5E {
		return r - 0xFF01 + 0x21
	}
	// Ideographic space.
	if r == 0x3000 {
		return ' '
	}
	// Tag characters shadow ASCII 0x20..0x7E and are invisible when
	// rendered, which makes them a smuggling channel.
	if r >= 0xE0020 && r <= 0xE007E {
		return r - 0xE0000
	}
	return r
}

// Fold replaces homoglyph lookalikes with their ASCII equivalents and
// reports whether any replacement happened.
func Fold(s string) (string, bool) {
	changed := false
	var b strings.Builder
	for _, r := range s {
		folded := foldRune(r)
		if folded != r {
			changed = true
		}
		b.WriteRune(folded)
	}
	if !changed {
		return s, false
	}
	return b.String(), true
}
