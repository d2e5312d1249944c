// Package sanitize strips text destined for thermal printers down to the
// printable ASCII range the print heads can render.
package sanitize

import "strings"

// Control characters that are safe to pass through to a printer.
const safeControls = "\n\r\t"

// accentFold maps common Latin-1 letters to ASCII equivalents so that
// "café" prints as "cafe" instead of "caf".
var accentFold = map[rune]string{
	'à': "a", 'á': "a", 'â': "a", 'ã': "a", 'ä': "a", 'å': "a",
	'è': "e", 'é': "e", 'ê': "e", 'ë': "e",
	'ì': "i", 'í': "i", 'î': "i", 'ï': "i",
	'ò': "o", 'ó': "o", 'ô': "o", 'õ': "o", 'ö': "o", 'ø': "o",
	'ù': "u", 'ú': "u", 'û': "u", 'ü': "u",
	'ý': "y", 'ÿ': "y",
	'ñ': "n",
	'ç': "c",
	'æ': "ae",
	'ß': "ss",
	'À': "A", 'Á': "A", 'Â': "A", 'Ã': "A", 'Ä': "A", 'Å': "A",
	'È': "E", 'É': "E", 'Ê': "E", 'Ë': "E",
	'Ì': "I", 'Í': "I", 'Î': "I", 'Ï': "I",
	'Ò': "O", 'Ó': "O", 'Ô': "O", 'Õ': "O", 'Ö': "O", 'Ø': "O",
	'Ù': "U", 'Ú': "U", 'Û': "U", 'Ü': "U",
	'Ý': "Y",
	'Ñ': "N",
	'Ç': "C",
	'Æ': "AE",
}

func printable(r rune) bool {
	if strings.ContainsRune(safeControls, r) {
		return true
	}
	return r >= 32 && r <= 126
}

// sanitize rewrites text keeping printable runes, folding accented runes to
// their ASCII equivalents, and substituting replace (which may be empty) for
// everything else.
func sanitize(text, replace string) string {
	if text == "" {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == 0:
			// NUL is dropped even when a replacement is configured.
		case printable(r):
			b.WriteRune(r)
		default:
			if folded, ok := accentFold[r]; ok {
				b.WriteString(folded)
			} else {
				b.WriteString(replace)
			}
		}
	}
	return b.String()
}

// Message sanitizes message body text. Newlines, carriage returns, and tabs
// survive; other control characters and non-ASCII runes are removed.
// Idempotent: Message(Message(s)) == Message(s).
func Message(text string) string {
	return sanitize(text, "")
}

// Name sanitizes a display name. Rejected runes become spaces and runs of
// whitespace collapse to a single space.
func Name(name string) string {
	cleaned := sanitize(name, " ")
	return strings.Join(strings.Fields(cleaned), " ")
}
