// Package units renders numeric evaluation results for humans: unit
// suffixes with K/M/G/T scaling, durations, uptimes, timestamps and value
// map substitution.
package units

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/vigil/internal/history"
)

const (
	secPerMin   = 60
	secPerHour  = 3600
	secPerDay   = 86400
	secPerMonth = 30 * secPerDay
	secPerYear  = 365 * secPerDay
)

// Units that are never K/M/G/T scaled.
var unscaled = map[string]bool{"%": true, "ms": true, "rpm": true, "RPM": true}

// TrimZeros removes insignificant trailing zeros from a decimal number,
// and the decimal point if nothing follows it.
func TrimZeros(s string) string {
	if !strings.Contains(s, ".") || strings.ContainsAny(s, "eE") {
		return s
	}
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// FormatFloat formats a result with six decimals and trims zeros.
func FormatFloat(v float64) string {
	return TrimZeros(strconv.FormatFloat(v, 'f', 6, 64))
}

// AddValueSuffix formats value according to units. Only float and
// unsigned values are formatted; anything else, or empty units, returns
// value unchanged.
func AddValueSuffix(value, units string, vt history.ValueType, loc *time.Location) string {
	if !vt.IsNumeric() || units == "" {
		return value
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return value
	}

	switch units {
	case "unixtime":
		return Unixtime(int64(v), loc)
	case "uptime":
		return Uptime(v)
	case "s":
		return Seconds(v)
	default:
		return Normal(v, units)
	}
}

// Unixtime renders a timestamp as "YYYY.MM.DD HH:MM:SS" in loc.
func Unixtime(sec int64, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return time.Unix(sec, 0).In(loc).Format("2006.01.02 15:04:05")
}

// Uptime renders seconds as "[N days, ]HH:MM:SS".
func Uptime(v float64) string {
	var b strings.Builder

	secs := int64(math.Round(v))
	if secs < 0 {
		b.WriteByte('-')
		secs = -secs
	}

	days := secs / secPerDay
	secs %= secPerDay
	hours := secs / secPerHour
	secs %= secPerHour
	mins := secs / secPerMin
	secs %= secPerMin

	if days != 0 {
		fmt.Fprintf(&b, "%d days, ", days)
	}
	fmt.Fprintf(&b, "%02d:%02d:%02d", hours, mins, secs)
	return b.String()
}

// Seconds renders a duration as up to three units out of
// y, m (months), d, h, m (minutes), s and ms, largest first.
func Seconds(v float64) string {
	if math.Floor(math.Abs(v)*1000) == 0 {
		if v == 0 {
			return "0s"
		}
		return "< 1ms"
	}

	var b strings.Builder
	secs := math.Round(v*1000) / 1000
	if secs < 0 {
		b.WriteByte('-')
		secs = -secs
	}

	// lead is the rank of the largest unit printed; it decides how many
	// smaller units still follow.
	lead := 0

	if n := math.Floor(secs / secPerYear); n != 0 {
		fmt.Fprintf(&b, "%.0fy ", n)
		secs -= n * secPerYear
		lead = 4
	}
	if n := math.Floor(secs / secPerMonth); n != 0 {
		fmt.Fprintf(&b, "%dm ", int64(n))
		secs -= n * secPerMonth
		if lead == 0 {
			lead = 3
		}
	}
	if n := math.Floor(secs / secPerDay); n != 0 {
		fmt.Fprintf(&b, "%dd ", int64(n))
		secs -= n * secPerDay
		if lead == 0 {
			lead = 2
		}
	}
	if lead < 4 {
		if n := math.Floor(secs / secPerHour); n != 0 {
			fmt.Fprintf(&b, "%dh ", int64(n))
			secs -= n * secPerHour
			if lead == 0 {
				lead = 1
			}
		}
	}
	if lead < 3 {
		if n := math.Floor(secs / secPerMin); n != 0 {
			fmt.Fprintf(&b, "%dm ", int64(n))
			secs -= n * secPerMin
		}
	}
	if lead < 2 {
		if n := math.Floor(secs); n != 0 {
			fmt.Fprintf(&b, "%ds ", int64(n))
			secs -= n
		}
	}
	if lead < 1 {
		if n := math.Round(secs * 1000); n != 0 {
			fmt.Fprintf(&b, "%dms", int64(n))
		}
	}

	return strings.TrimSuffix(b.String(), " ")
}

// Normal scales v with K/M/G/T prefixes and appends units. Byte units use
// base 1024, everything else base 1000.
func Normal(v float64, units string) string {
	minus := ""
	if v < 0 {
		minus = "-"
		v = -v
	}

	base := 1000.0
	if units == "B" || units == "Bps" {
		base = 1024
	}

	prefix := ""
	switch {
	case v < base || unscaled[units]:
	case v < base*base:
		prefix = "K"
		v /= base
	case v < base*base*base:
		prefix = "M"
		v /= base * base
	case v < base*base*base*base:
		prefix = "G"
		v /= base * base * base
	default:
		prefix = "T"
		v /= base * base * base * base
	}

	var num string
	if math.Abs(math.Round(v)-v) > 1e-9 {
		num = TrimZeros(strconv.FormatFloat(v, 'f', 2, 64))
	} else {
		num = strconv.FormatFloat(v, 'f', 0, 64)
	}
	return minus + num + " " + prefix + units
}

// ReplaceByMap substitutes a mapped value, rendering it as
// "mapped (value)". It reports whether a mapping applied.
func ReplaceByMap(value string, mappings map[string]string) (string, bool) {
	if len(mappings) == 0 {
		return value, false
	}
	mapped, ok := mappings[TrimZeros(value)]
	if !ok {
		return value, false
	}
	return mapped + " (" + value + ")", true
}
