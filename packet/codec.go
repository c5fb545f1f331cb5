package packet

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// HexToBytes decodes a hex payload.  Fields may be separated by
// whitespace or commas and may carry a 0x prefix; a field with an odd
// number of digits is left-padded, so "A 1F" is {0x0A, 0x1F}.
func HexToBytes(s string) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n' || r == '\r'
	})

	var sb strings.Builder
	for _, f := range fields {
		f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		if len(f)%2 == 1 {
			sb.WriteByte('0')
		}
		sb.WriteString(f)
	}

	b, err := hex.DecodeString(sb.String())
	if err != nil {
		return nil, fmt.Errorf("decode hex %q: %w", s, err)
	}
	return b, nil
}

// BytesToHex renders b in canonical form: uppercase, no separators.
func BytesToHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// BytesToASCII renders printable bytes verbatim and escapes the rest:
// backslash as \\, CR/LF/TAB as \r \n \t, anything else as \HH.
func BytesToASCII(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		switch {
		case c == '\\':
			sb.WriteString(`\\`)
		case c == '\n':
			sb.WriteString(`\n`)
		case c == '\r':
			sb.WriteString(`\r`)
		case c == '\t':
			sb.WriteString(`\t`)
		case c >= 0x20 && c <= 0x7E:
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, `\%02X`, c)
		}
	}
	return sb.String()
}

// ASCIIToBytes is the inverse of BytesToASCII.  A backslash that does
// not start a known escape is kept literally.
func ASCIIToBytes(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			out = append(out, c)
			continue
		}
		switch next := s[i+1]; next {
		case '\\':
			out = append(out, '\\')
			i++
		case 'n':
			out = append(out, '\n')
			i++
		case 'r':
			out = append(out, '\r')
			i++
		case 't':
			out = append(out, '\t')
			i++
		default:
			if i+2 < len(s) && isHexDigit(next) && isHexDigit(s[i+2]) {
				v, _ := hex.DecodeString(s[i+1 : i+3])
				out = append(out, v[0])
				i += 2
				continue
			}
			out = append(out, c)
		}
	}
	return out
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
