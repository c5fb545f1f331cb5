package packet

import (
	"bytes"
	"strings"
)

// Encoding selects how a smart rule's match and reply text is read.
type Encoding string

const (
	EncodingHex   Encoding = "hex"
	EncodingASCII Encoding = "ascii"
)

// ParseEncoding maps a settings value onto an Encoding.  Anything that
// is not recognisably ASCII is treated as hex.
func ParseEncoding(s string) Encoding {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ascii", "mixed", "text":
		return EncodingASCII
	}
	return EncodingHex
}

// SmartSlots is the fixed number of smart-response rules.
const SmartSlots = 5

// SmartRule is one configured match/response pair.
type SmartRule struct {
	Enabled   bool
	IfEquals  string
	ReplyWith string
	Encoding  Encoding
}

// SmartRules holds every slot in order; slot 1 is index 0.
type SmartRules [SmartSlots]SmartRule

func (r SmartRule) decode(s string) ([]byte, bool) {
	if r.Encoding == EncodingASCII {
		return ASCIIToBytes(s), true
	}
	b, err := HexToBytes(s)
	return b, err == nil
}

// Matches reports whether data equals the rule's match pattern.  A
// disabled rule or one with an empty pattern never matches.
func (r SmartRule) Matches(data []byte) bool {
	if !r.Enabled || strings.TrimSpace(r.IfEquals) == "" {
		return false
	}
	want, ok := r.decode(r.IfEquals)
	if !ok || len(want) == 0 {
		return false
	}
	return bytes.Equal(want, data)
}

// Reply decodes the rule's response, expanding macros when m is set.
func (r SmartRule) Reply(m *Macros) []byte {
	b, ok := r.decode(r.ReplyWith)
	if !ok {
		return nil
	}
	if m == nil {
		return b
	}
	return ASCIIToBytes(m.Expand(BytesToASCII(b)))
}

// Match tries the rules in slot order and returns the reply of the
// first one that matches data, or nil.
func Match(rules SmartRules, data []byte, m *Macros) []byte {
	for _, r := range rules {
		if r.Matches(data) {
			return r.Reply(m)
		}
	}
	return nil
}
