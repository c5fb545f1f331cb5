package packet

import (
	"math/rand"
	"strconv"
	"strings"
	"time"

	"go.uber.org/atomic"
)

// Macro tokens recognised in configured payloads.
const (
	MacroDate     = "{{DATE}}"
	MacroTime     = "{{TIME}}"
	MacroUnixTime = "{{UNIXTIME}}"
	MacroRandom   = "{{RANDOM}}"
	MacroCounter  = "{{COUNTER}}"
)

// Macros expands placeholder tokens at send time.  The counter is
// shared by every expansion performed through the same Macros value.
type Macros struct {
	Now    func() time.Time
	Random func() int

	counter atomic.Uint64
}

// NewMacros returns a Macros using the wall clock and math/rand.
func NewMacros() *Macros {
	return &Macros{
		Now:    time.Now,
		Random: func() int { return rand.Intn(32768) }, //nolint:gosec
	}
}

// HasMacro reports whether s contains any macro token.
func HasMacro(s string) bool {
	return strings.Contains(s, "{{") && strings.Contains(s, "}}")
}

// Expand substitutes every macro token in s.  {{RANDOM}} and
// {{COUNTER}} produce a fresh value for each occurrence.
func (m *Macros) Expand(s string) string {
	if !HasMacro(s) {
		return s
	}
	now := m.Now()
	s = strings.NewReplacer(
		MacroDate, now.Format("2006-01-02"),
		MacroTime, now.Format("03:04:05 PM"),
		MacroUnixTime, strconv.FormatInt(now.Unix(), 10),
	).Replace(s)

	s = replaceEach(s, MacroRandom, func() string { return strconv.Itoa(m.Random()) })
	s = replaceEach(s, MacroCounter, func() string { return strconv.FormatUint(m.counter.Inc(), 10) })
	return s
}

// ExpandHex runs Expand over the ASCII projection of a hex payload and
// returns the result in canonical hex.
func (m *Macros) ExpandHex(hexPayload string) string {
	b, err := HexToBytes(hexPayload)
	if err != nil {
		return hexPayload
	}
	ascii := BytesToASCII(b)
	if !HasMacro(ascii) {
		return BytesToHex(b)
	}
	return BytesToHex(ASCIIToBytes(m.Expand(ascii)))
}

func replaceEach(s, token string, next func() string) string {
	if !strings.Contains(s, token) {
		return s
	}
	var sb strings.Builder
	for {
		i := strings.Index(s, token)
		if i < 0 {
			sb.WriteString(s)
			return sb.String()
		}
		sb.WriteString(s[:i])
		sb.WriteString(next())
		s = s[i+len(token):]
	}
}
