package segment

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

var punctReplacer = strings.NewReplacer(
	"—", "-", // em dash
	"–", "-", // en dash
	"‒", "-", // figure dash
	"…", "...",
	"“", `"`, "”", `"`,
	"‘", "'", "’", "'",
)

// Clean produces the canonical text that segmentation operates on: NFC
// normalized, smart punctuation folded to ASCII, all whitespace runs
// collapsed to single spaces. Concatenating chunk texts with single spaces
// reproduces this string exactly.
func Clean(text string) string {
	text = norm.NFC.String(text)
	text = punctReplacer.Replace(text)
	return strings.Join(strings.Fields(text), " ")
}
