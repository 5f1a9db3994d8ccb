package util

import (
	"fmt"
	"unicode/utf8"
)

// DefaultLogMaxLen bounds provider-supplied text placed in log fields.
const DefaultLogMaxLen = 1024

// TruncateLog shortens s to at most maxLen bytes without splitting a UTF-8
// sequence, noting the original size.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}
