package engine

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"trustcase-svc/internal/trust"
)

// MaxTextRunes bounds supplements and buyer notes.
const MaxTextRunes = 1000

// cleanText NFC-normalises and trims free text and enforces MaxTextRunes.
func cleanText(field, s string) (string, error) {
	s = strings.TrimSpace(norm.NFC.String(s))
	if n := utf8.RuneCountInString(s); n > MaxTextRunes {
		return "", trust.Errorf(trust.CodeInvalidInput, "%s is %d characters, limit is %d", field, n, MaxTextRunes)
	}
	return s, nil
}
