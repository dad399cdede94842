package envelope

import (
	"encoding/json"
	"strconv"
	"strings"
)

// TTL is a message time-to-live in whole seconds. The wire form accepts a
// plain integer (seconds) or a string of the form "<n>s", "<n>m", "<n>h",
// or "<n>d". The zero value means "undefined": the hub applies its own
// default. Zero, negative, and unparseable inputs all decode to undefined
// rather than erroring, so a sloppy sender still gets the default TTL.
type TTL int64

// Seconds returns the TTL in seconds, or def when the TTL is undefined.
func (t TTL) Seconds(def int64) int64 {
	if t <= 0 {
		return def
	}
	return int64(t)
}

// Defined reports whether the TTL carries an explicit valid value.
func (t TTL) Defined() bool { return t > 0 }

// UnmarshalJSON implements json.Unmarshaler.
func (t *TTL) UnmarshalJSON(b []byte) error {
	*t = 0
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		if n > 0 {
			*t = TTL(n)
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if sec, ok := ParseTTL(s); ok {
			*t = TTL(sec)
		}
		return nil
	}
	// Wrong JSON type: undefined, not an error.
	return nil
}

// MarshalJSON implements json.Marshaler. Defined TTLs are emitted as plain
// seconds.
func (t TTL) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(t))
}

// unit multipliers in seconds
var ttlUnits = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
}

// ParseTTL parses the string TTL syntax. A bare integer string is taken as
// seconds. Returns ok=false for invalid syntax and for zero or negative
// values.
func ParseTTL(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	mult := int64(1)
	if u, ok := ttlUnits[s[len(s)-1]]; ok {
		mult = u
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n * mult, true
}
