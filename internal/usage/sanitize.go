package usage

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// maxSanitizedSeconds is the largest integer a float64 holds exactly
const maxSanitizedSeconds = 1 << 53

// SanitizeDuration converts a client-supplied duration in seconds into a
// non-negative whole number. Fractions are floored. Negative, NaN,
// infinite and non-numeric values become 0. Numeric strings are accepted
// with the same rules as JavaScript's Number().
func SanitizeDuration(value any) int64 {
	return sanitizeNonNegative(value)
}

// SanitizeCount applies the duration rules to a client-supplied count
func SanitizeCount(value any) int64 {
	return sanitizeNonNegative(value)
}

func sanitizeNonNegative(value any) int64 {
	f, ok := toNumber(value)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	f = math.Floor(f)
	if f <= 0 {
		return 0
	}
	if f > maxSanitizedSeconds {
		return maxSanitizedSeconds
	}
	return int64(f)
}

func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		return parseNumericString(v.String())
	case string:
		return parseNumericString(v)
	default:
		return 0, false
	}
}

// parseNumericString follows Number(): surrounding whitespace is ignored,
// an empty string is 0, 0x/0o/0b prefixes are integers and anything else
// must be a plain decimal literal.
func parseNumericString(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	if strings.ContainsRune(s, '_') {
		return 0, false
	}

	if len(s) > 2 && s[0] == '0' {
		base := 0
		switch s[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 0 {
			n, err := strconv.ParseUint(s[2:], base, 64)
			if err != nil {
				return 0, false
			}
			return float64(n), true
		}
	}

	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1), true
	case "-Infinity":
		return math.Inf(-1), true
	}

	lower := strings.ToLower(s)
	if strings.Contains(lower, "inf") || strings.Contains(lower, "nan") || strings.Contains(lower, "x") {
		return 0, false
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
