package logger

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxLogValue caps a single sanitized value. ffmpeg command lines and stderr
// tails can get long.
const maxLogValue = 2048

// SanitizeForLog escapes control characters in user-supplied strings (titles,
// paths, encoder output) so they cannot forge log entries or drive the
// terminal. Unicode text is kept as is. Values longer than maxLogValue runes
// are cut and suffixed with the number of dropped bytes.
func SanitizeForLog(s string) string {
	var result strings.Builder
	result.Grow(min(len(s), maxLogValue+32))

	n := 0
	for i, r := range s {
		if n == maxLogValue {
			fmt.Fprintf(&result, "...(+%d bytes)", len(s)-i)
			break
		}
		n++
		switch r {
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		case '\t':
			result.WriteString("\\t")
		case '\x00':
			result.WriteString("\\x00")
		case utf8.RuneError:
			result.WriteString("\\ufffd")
		default:
			if r < 32 || r == 127 {
				fmt.Fprintf(&result, "\\x%02x", r)
			} else {
				result.WriteRune(r)
			}
		}
	}
	return result.String()
}
