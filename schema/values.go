package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Kind int

const (
	KindPlain Kind = iota
	KindDate
	KindTimestamp
)

const (
	DateLayout      = "2006-01-02"
	TimestampLayout = "2006-01-02 15:04:05"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	TimestampLayout,
	DateLayout,
}

// ParseTime accepts time.Time values and the string layouts drivers and JSON produce.
func ParseTime(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), !x.IsZero()
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return x.UTC(), !x.IsZero()
	case []byte:
		return ParseTime(string(x))
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// Format converts a value into the form written to a node: dates become
// "YYYY-MM-DD", timestamps "YYYY-MM-DD HH:MM:SS" (UTC). Unparsable values pass through.
func Format(v interface{}, kind Kind) interface{} {
	if v == nil || kind == KindPlain {
		switch x := v.(type) {
		case []byte:
			return string(x)
		case float64:
			// JSON numbers that are whole go out as integers.
			if x == float64(int64(x)) {
				return int64(x)
			}
		}
		return v
	}
	t, ok := ParseTime(v)
	if !ok {
		return v
	}
	if kind == KindDate {
		return t.Format(DateLayout)
	}
	return t.Format(TimestampLayout)
}

// Canonical renders a value as a comparable string. The boolean is false for NULL.
// Drivers and JSON disagree on types (int64 vs float64, []byte vs string,
// time.Time vs text), so comparison always goes through here.
func Canonical(v interface{}, kind Kind) (string, bool) {
	if v == nil {
		return "", false
	}
	if kind != KindPlain {
		if t, ok := ParseTime(v); ok {
			if kind == KindDate {
				return t.Format(DateLayout), true
			}
			return t.Format(TimestampLayout), true
		}
	}
	switch x := v.(type) {
	case string:
		return canonicalString(x), true
	case []byte:
		return canonicalString(string(x)), true
	case bool:
		if x {
			return "1", true
		}
		return "0", true
	case float64:
		return canonicalFloat(x), true
	case float32:
		return canonicalFloat(float64(x)), true
	case int:
		return strconv.FormatInt(int64(x), 10), true
	case int8:
		return strconv.FormatInt(int64(x), 10), true
	case int16:
		return strconv.FormatInt(int64(x), 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint:
		return strconv.FormatUint(uint64(x), 10), true
	case uint8:
		return strconv.FormatUint(uint64(x), 10), true
	case uint16:
		return strconv.FormatUint(uint64(x), 10), true
	case uint32:
		return strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case time.Time:
		return x.UTC().Format(TimestampLayout), true
	}
	return fmt.Sprint(v), true
}

// Numeric text ("12.50", "3") compares equal to the number it spells.
func canonicalString(s string) string {
	if f, err := strconv.ParseFloat(s, 64); err == nil && strings.TrimSpace(s) == s {
		return canonicalFloat(f)
	}
	return s
}

func canonicalFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Equal compares two column values after canonicalization.
func Equal(a, b interface{}, kind Kind) bool {
	ca, okA := Canonical(a, kind)
	cb, okB := Canonical(b, kind)
	return okA == okB && ca == cb
}

// Int reads an integer-ish column value; ok is false for NULL or non-numeric values.
func Int(v interface{}) (int64, bool) {
	s, ok := Canonical(v, KindPlain)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return 0, false
		}
		return int64(f), true
	}
	return n, true
}
