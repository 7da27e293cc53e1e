package manifest

import (
	"errors"
	"fmt"
	"strings"
)

var errTrailingBackslash = errors.New("trailing backslash")

// cEscapes are the single-character escapes written by vis(3) in C style.
var cEscapes = map[byte]byte{
	'\\': '\\',
	'a':  '\a',
	'b':  '\b',
	'f':  '\f',
	'n':  '\n',
	'r':  '\r',
	's':  ' ',
	't':  '\t',
	'v':  '\v',
}

// unescape decodes backslash escapes in a manifest name or link target.
// "\NNN" must be exactly three octal digits.
func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)

			continue
		}

		if i+1 >= len(s) {
			return "", errTrailingBackslash
		}

		next := s[i+1]

		if isOctal(next) {
			if i+3 >= len(s) {
				return "", fmt.Errorf("truncated octal escape at offset %d", i)
			}

			if !isOctal(s[i+2]) || !isOctal(s[i+3]) {
				return "", fmt.Errorf("invalid octal escape at offset %d", i)
			}

			value := int(next-'0')<<6 | int(s[i+2]-'0')<<3 | int(s[i+3]-'0')
			if value > 0xff {
				return "", fmt.Errorf("octal escape out of range at offset %d", i)
			}

			b.WriteByte(byte(value))

			i += 3

			continue
		}

		decoded, ok := cEscapes[next]
		if !ok {
			return "", fmt.Errorf("invalid escape \\%c at offset %d", next, i)
		}

		b.WriteByte(decoded)

		i++
	}

	return b.String(), nil
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}
