package table

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// UbigeoWidth is the width of a district code.
const UbigeoWidth = 6

// NormalizeUbigeo zero-pads all-digit territorial codes to six characters.
// Codes read back from spreadsheets as floats ("10101.0") lose the suffix
// first. Anything else is returned trimmed but otherwise unchanged.
func NormalizeUbigeo(code string) string {
	code = strings.TrimSpace(code)
	code = strings.TrimSuffix(code, ".0")
	if code == "" || !allDigits(code) {
		return code
	}
	return ZeroPad(code, UbigeoWidth)
}

// ZeroPad left-pads s with zeros to width.
func ZeroPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var (
	nonAlnum   = regexp.MustCompile(`[^A-Z0-9\s]`)
	whitespace = regexp.MustCompile(`\s+`)
)

// NormalizeName folds a place name for matching: upper case, accents
// stripped, punctuation replaced by spaces, whitespace collapsed.
func NormalizeName(name string) string {
	folded, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
		strings.ToUpper(strings.TrimSpace(name)),
	)
	if err != nil {
		folded = strings.ToUpper(strings.TrimSpace(name))
	}
	folded = nonAlnum.ReplaceAllString(folded, " ")
	folded = whitespace.ReplaceAllString(folded, " ")
	return strings.TrimSpace(folded)
}
