// Package history defines the history record data model shared by the value
// cache and the function evaluation engine.
package history

import (
	"strconv"
	"time"
)

// ValueType indicates the declared type of an item's values.
// The numbering matches the metastore's value_type column.
type ValueType int

const (
	// ValueTypeFloat is a floating point measurement.
	ValueTypeFloat ValueType = 0
	// ValueTypeStr is a short character string.
	ValueTypeStr ValueType = 1
	// ValueTypeLog is a log line with source, severity and event id.
	ValueTypeLog ValueType = 2
	// ValueTypeUint64 is an unsigned 64-bit integer.
	ValueTypeUint64 ValueType = 3
	// ValueTypeText is long text.
	ValueTypeText ValueType = 4
)

// String returns a human-readable representation of the ValueType.
func (v ValueType) String() string {
	switch v {
	case ValueTypeFloat:
		return "float"
	case ValueTypeStr:
		return "str"
	case ValueTypeLog:
		return "log"
	case ValueTypeUint64:
		return "uint64"
	case ValueTypeText:
		return "text"
	default:
		return "unknown"
	}
}

// IsNumeric reports whether the type is float or uint64.
func (v ValueType) IsNumeric() bool {
	return v == ValueTypeFloat || v == ValueTypeUint64
}

// IsValid reports whether v is one of the declared types.
func (v ValueType) IsValid() bool {
	return v >= ValueTypeFloat && v <= ValueTypeText
}

// TypeMask is a set of value types, used to declare what a function accepts.
type TypeMask uint8

// Mask returns the single-type mask of v.
func (v ValueType) Mask() TypeMask {
	return 1 << uint(v)
}

const (
	MaskFloat   = TypeMask(1 << ValueTypeFloat)
	MaskStr     = TypeMask(1 << ValueTypeStr)
	MaskLog     = TypeMask(1 << ValueTypeLog)
	MaskUint64  = TypeMask(1 << ValueTypeUint64)
	MaskText    = TypeMask(1 << ValueTypeText)
	MaskNumeric = MaskFloat | MaskUint64
	MaskString  = MaskStr | MaskText | MaskLog
	MaskAll     = MaskNumeric | MaskString
)

// Has reports whether the mask contains v.
func (m TypeMask) Has(v ValueType) bool {
	return m&v.Mask() != 0
}

// Timespec is a timestamp with nanosecond precision.
type Timespec struct {
	Sec int64
	NS  int32
}

// TimespecFrom converts a time.Time.
func TimespecFrom(t time.Time) Timespec {
	return Timespec{Sec: t.Unix(), NS: int32(t.Nanosecond())}
}

// Time returns ts as a time.Time.
func (ts Timespec) Time() time.Time {
	return time.Unix(ts.Sec, int64(ts.NS))
}

// Before reports whether ts is strictly earlier than other.
func (ts Timespec) Before(other Timespec) bool {
	if ts.Sec != other.Sec {
		return ts.Sec < other.Sec
	}
	return ts.NS < other.NS
}

// Compare returns -1, 0 or +1.
func (ts Timespec) Compare(other Timespec) int {
	switch {
	case ts.Before(other):
		return -1
	case other.Before(ts):
		return 1
	default:
		return 0
	}
}

// LogValue is the payload of a log item value.
type LogValue struct {
	Value     string
	Source    string
	Severity  int
	EventID   int
	Timestamp int64
}

// Value holds one typed value. Only the field matching the item's value
// type is meaningful.
type Value struct {
	Float  float64
	Uint64 uint64
	Str    string
	Log    *LogValue
}

// String returns the value formatted for its type. Floats use six decimals
// like every other numeric evaluation result before zero trimming.
func (v Value) String(vt ValueType) string {
	switch vt {
	case ValueTypeFloat:
		return strconv.FormatFloat(v.Float, 'f', 6, 64)
	case ValueTypeUint64:
		return strconv.FormatUint(v.Uint64, 10)
	case ValueTypeLog:
		if v.Log == nil {
			return ""
		}
		return v.Log.Value
	default:
		return v.Str
	}
}

// Text returns the string payload of a string, text or log value.
func (v Value) Text(vt ValueType) string {
	if vt == ValueTypeLog {
		if v.Log == nil {
			return ""
		}
		return v.Log.Value
	}
	return v.Str
}

// Record is one history entry.
type Record struct {
	Timestamp Timespec
	Value     Value
}

// FloatRecord builds a float record.
func FloatRecord(sec int64, v float64) Record {
	return Record{Timestamp: Timespec{Sec: sec}, Value: Value{Float: v}}
}

// Uint64Record builds an unsigned record.
func Uint64Record(sec int64, v uint64) Record {
	return Record{Timestamp: Timespec{Sec: sec}, Value: Value{Uint64: v}}
}

// StrRecord builds a string or text record.
func StrRecord(sec int64, v string) Record {
	return Record{Timestamp: Timespec{Sec: sec}, Value: Value{Str: v}}
}

// LogRecord builds a log record.
func LogRecord(sec int64, l LogValue) Record {
	return Record{Timestamp: Timespec{Sec: sec}, Value: Value{Log: &l}}
}
