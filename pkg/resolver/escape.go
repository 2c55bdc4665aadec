package resolver

import (
	"fmt"
	"strconv"
	"strings"
)

func safeByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' || c == '_' || c == '-'
}

// Escape maps any string onto [A-Za-z0-9._~-]. Every other byte, including
// '~' itself, becomes "~XX" so the mapping is reversible.
func Escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if safeByte(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "~%02X", c)
	}
	return b.String()
}

func Unescape(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '~' {
			if !safeByte(c) {
				return "", fmt.Errorf("unescape %q: unexpected byte %q", s, c)
			}
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("unescape %q: truncated escape", s)
		}
		hex := s[i+1 : i+3]
		v, err := strconv.ParseUint(hex, 16, 8)
		if err == nil && hex != strings.ToUpper(hex) {
			err = fmt.Errorf("lowercase escape %q", hex)
		}
		if err != nil {
			return "", fmt.Errorf("unescape %q: %w", s, err)
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), nil
}
