package evalfunc

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/history"
	"github.com/xtxerr/vigil/internal/prediction"
	"github.com/xtxerr/vigil/internal/units"
)

// Epsilon is the tolerance for float equality.
const Epsilon = 1e-9

func floatEqual(a, b float64) bool {
	return math.Abs(a-b) <= Epsilon
}

// ============================================================================
// last, prev, strlen, band
// ============================================================================

func evalLast(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	n, kind, err := p.Int(1, Optional)
	if err != nil {
		return "", invalidParam(1)
	}
	if kind != ParamNValues {
		n = 1
	}

	shift, err := e.timeShift(p, 2)
	if err != nil {
		return "", err
	}

	values, err := e.fetch(item, n, ParamNValues, ts.Sec-int64(shift))
	if err != nil {
		return "", err
	}
	if len(values) < n {
		return "", notEnoughData()
	}
	return formatValue(item.ValueType, values[n-1].Value), nil
}

func evalPrev(e *Evaluator, item *Item, _ *Params, ts history.Timespec) (string, error) {
	return evalLast(e, item, ParseParams("#2", item.HostID, nil), ts)
}

func evalStrlen(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	value, err := evalLast(e, item, p, ts)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(utf8.RuneCountInString(value)), nil
}

func evalBand(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	mask, _, err := p.Uint64(2, Mandatory)
	if err != nil {
		return "", err
	}

	p.Remove(2)
	value, err := evalLast(e, item, p, ts)
	if err != nil {
		return "", err
	}

	v, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return "", errors.Newf(errors.ErrValueType, "invalid value type")
	}
	return strconv.FormatUint(v&mask, 10), nil
}

// ============================================================================
// Aggregates
// ============================================================================

func evalMin(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	return evalExtreme(e, item, p, ts, func(a, b history.Value) bool {
		if item.ValueType == history.ValueTypeUint64 {
			return a.Uint64 < b.Uint64
		}
		return a.Float < b.Float
	})
}

func evalMax(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	return evalExtreme(e, item, p, ts, func(a, b history.Value) bool {
		if item.ValueType == history.ValueTypeUint64 {
			return a.Uint64 > b.Uint64
		}
		return a.Float > b.Float
	})
}

// evalExtreme returns the first value for which no later value is strictly
// better.
func evalExtreme(e *Evaluator, item *Item, p *Params, ts history.Timespec, better func(a, b history.Value) bool) (string, error) {
	values, err := e.window(item, p, 1, 2, ts)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", notEnoughData()
	}

	index := 0
	for i := 1; i < len(values); i++ {
		if better(values[i].Value, values[index].Value) {
			index = i
		}
	}
	return formatValue(item.ValueType, values[index].Value), nil
}

func evalSum(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	values, err := e.window(item, p, 1, 2, ts)
	if err != nil {
		return "", err
	}

	if item.ValueType == history.ValueTypeUint64 {
		var sum uint64
		for i := range values {
			sum += values[i].Value.Uint64
		}
		return strconv.FormatUint(sum, 10), nil
	}

	var sum float64
	for i := range values {
		sum += values[i].Value.Float
	}
	return units.FormatFloat(sum), nil
}

func evalAvg(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	values, err := e.window(item, p, 1, 2, ts)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", notEnoughData()
	}

	var sum float64
	for i := range values {
		sum += numeric(item.ValueType, values[i].Value)
	}
	return units.FormatFloat(sum / float64(len(values))), nil
}

func evalDelta(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	values, err := e.window(item, p, 1, 2, ts)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return "", notEnoughData()
	}

	if item.ValueType == history.ValueTypeUint64 {
		lo, hi := values[0].Value.Uint64, values[0].Value.Uint64
		for i := 1; i < len(values); i++ {
			v := values[i].Value.Uint64
			lo = min(lo, v)
			hi = max(hi, v)
		}
		return strconv.FormatUint(hi-lo, 10), nil
	}

	lo, hi := values[0].Value.Float, values[0].Value.Float
	for i := 1; i < len(values); i++ {
		v := values[i].Value.Float
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return units.FormatFloat(hi - lo), nil
}

func evalPercentile(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	values, err := e.window(item, p, 1, 2, ts)
	if err != nil {
		return "", err
	}

	pct, _, err := p.Float(3, Mandatory)
	if err != nil || pct < 0 || pct > 100 {
		return "", invalidParam(3)
	}
	if len(values) == 0 {
		return "", notEnoughData()
	}

	if item.ValueType == history.ValueTypeUint64 {
		sort.Slice(values, func(i, j int) bool { return values[i].Value.Uint64 < values[j].Value.Uint64 })
	} else {
		sort.Slice(values, func(i, j int) bool { return values[i].Value.Float < values[j].Value.Float })
	}

	index := 1
	if pct != 0 {
		index = int(math.Ceil(float64(len(values)) * (pct / 100)))
	}
	return formatValue(item.ValueType, values[index-1].Value), nil
}

func numeric(vt history.ValueType, v history.Value) float64 {
	if vt == history.ValueTypeUint64 {
		return float64(v.Uint64)
	}
	return v.Float
}

// ============================================================================
// change, abschange, diff
// ============================================================================

func lastTwo(e *Evaluator, item *Item, ts history.Timespec) (newer, older history.Value, err error) {
	values, err := e.fetch(item, 2, ParamNValues, ts.Sec)
	if err != nil {
		return history.Value{}, history.Value{}, err
	}
	if len(values) < 2 {
		return history.Value{}, history.Value{}, notEnoughData()
	}
	return values[0].Value, values[1].Value, nil
}

func evalChange(e *Evaluator, item *Item, _ *Params, ts history.Timespec) (string, error) {
	return change(e, item, ts, false)
}

func evalAbsChange(e *Evaluator, item *Item, _ *Params, ts history.Timespec) (string, error) {
	return change(e, item, ts, true)
}

func change(e *Evaluator, item *Item, ts history.Timespec, abs bool) (string, error) {
	newer, older, err := lastTwo(e, item, ts)
	if err != nil {
		return "", err
	}

	switch item.ValueType {
	case history.ValueTypeFloat:
		d := newer.Float - older.Float
		if abs {
			d = math.Abs(d)
		}
		return units.FormatFloat(d), nil
	case history.ValueTypeUint64:
		if newer.Uint64 >= older.Uint64 {
			return strconv.FormatUint(newer.Uint64-older.Uint64, 10), nil
		}
		d := strconv.FormatUint(older.Uint64-newer.Uint64, 10)
		if abs {
			return d, nil
		}
		return "-" + d, nil
	default:
		if newer.Text(item.ValueType) == older.Text(item.ValueType) {
			return "0", nil
		}
		return "1", nil
	}
}

func evalDiff(e *Evaluator, item *Item, _ *Params, ts history.Timespec) (string, error) {
	newer, older, err := lastTwo(e, item, ts)
	if err != nil {
		return "", err
	}

	var same bool
	switch item.ValueType {
	case history.ValueTypeFloat:
		same = floatEqual(newer.Float, older.Float)
	case history.ValueTypeUint64:
		same = newer.Uint64 == older.Uint64
	default:
		same = newer.Text(item.ValueType) == older.Text(item.ValueType)
	}
	return boolResult(!same), nil
}

func boolResult(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ============================================================================
// count
// ============================================================================

type operator int

const (
	opEQ operator = iota
	opNE
	opGT
	opGE
	opLT
	opLE
	opLike
	opBand
	opRegexp
	opIRegexp
)

var operators = map[string]operator{
	"eq": opEQ, "ne": opNE, "gt": opGT, "ge": opGE, "lt": opLT, "le": opLE,
	"like": opLike, "band": opBand, "regexp": opRegexp, "iregexp": opIRegexp,
}

func evalCount(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	arg, kind, err := p.Int(1, Mandatory)
	if err != nil || arg <= 0 {
		return "", invalidParam(1)
	}

	pattern, err := p.String(2, Optional)
	if err != nil {
		return "", invalidParam(2)
	}

	opName, err := p.String(3, Optional)
	if err != nil {
		return "", invalidParam(3)
	}

	shift, err := e.timeShift(p, 4)
	if err != nil {
		return "", err
	}

	isNumeric := item.ValueType.IsNumeric()

	op := opLike
	if isNumeric {
		op = opEQ
	}
	if opName != "" {
		var ok bool
		if op, ok = operators[opName]; !ok {
			return "", invalidParam(3)
		}
	}

	switch {
	case isNumeric && (op == opLike || op == opRegexp || op == opIRegexp):
		return "", errors.Newf(errors.ErrParameter, "operator %q is not supported for counting numeric values", opName)
	case item.ValueType == history.ValueTypeFloat && op == opBand:
		return "", errors.Newf(errors.ErrParameter, "operator %q is not supported for counting float values", opName)
	case !isNumeric && op != opEQ && op != opNE && op != opLike && op != opRegexp && op != opIRegexp:
		return "", errors.Newf(errors.ErrParameter, "operator %q is not supported for counting textual values", opName)
	}

	var match func(history.Value) (bool, error)

	switch {
	case isNumeric && pattern == "":
		match = func(history.Value) (bool, error) { return true, nil }

	case op == opBand:
		value, mask, ok := parseBandPattern(pattern)
		if !ok {
			return "", invalidParam(2)
		}
		match = func(v history.Value) (bool, error) { return v.Uint64&mask == value, nil }

	case item.ValueType == history.ValueTypeUint64:
		want, ok := parseUint64Suffix(pattern)
		if !ok {
			return "", invalidParam(2)
		}
		match = func(v history.Value) (bool, error) { return compareUint64(op, v.Uint64, want), nil }

	case item.ValueType == history.ValueTypeFloat:
		want, ok := ParseFloatSuffix(pattern)
		if !ok {
			return "", invalidParam(2)
		}
		match = func(v history.Value) (bool, error) { return compareFloat(op, v.Float, want), nil }

	case op == opRegexp || op == opIRegexp:
		re, err := e.matcher.Resolve(pattern, op == opRegexp)
		if err != nil {
			return "", err
		}
		match = func(v history.Value) (bool, error) { return re.Match(v.Text(item.ValueType)) }

	default:
		match = func(v history.Value) (bool, error) {
			s := v.Text(item.ValueType)
			switch op {
			case opEQ:
				return s == pattern, nil
			case opNE:
				return s != pattern, nil
			default:
				return strings.Contains(s, pattern), nil
			}
		}
	}

	values, err := e.fetch(item, arg, kind, ts.Sec-int64(shift))
	if err != nil {
		return "", err
	}

	count := 0
	for i := range values {
		ok, err := match(values[i].Value)
		if err != nil {
			return "", err
		}
		if ok {
			count++
		}
	}
	return strconv.Itoa(count), nil
}

func compareFloat(op operator, v, want float64) bool {
	switch op {
	case opEQ:
		return floatEqual(v, want)
	case opNE:
		return !floatEqual(v, want)
	case opGT:
		return v >= want+Epsilon
	case opGE:
		return v > want-Epsilon
	case opLT:
		return v <= want-Epsilon
	case opLE:
		return v < want+Epsilon
	}
	return false
}

func compareUint64(op operator, v, want uint64) bool {
	switch op {
	case opEQ:
		return v == want
	case opNE:
		return v != want
	case opGT:
		return v > want
	case opGE:
		return v >= want
	case opLT:
		return v < want
	case opLE:
		return v <= want
	}
	return false
}

// parseBandPattern parses "value[/mask]"; the mask defaults to all ones.
func parseBandPattern(s string) (value, mask uint64, ok bool) {
	valueStr, maskStr, hasMask := strings.Cut(s, "/")

	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if !hasMask {
		return value, math.MaxUint64, true
	}
	mask, err = strconv.ParseUint(maskStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return value, mask, true
}

// parseUint64Suffix parses an unsigned integer with an optional unit
// suffix.
func parseUint64Suffix(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	factor := uint64(1)
	if f, ok := unitFactor(s[len(s)-1]); ok {
		factor = uint64(f)
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || (factor > 1 && v > math.MaxUint64/factor) {
		return 0, false
	}
	return v * factor, true
}

// ============================================================================
// str, regexp, iregexp
// ============================================================================

func evalStr(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	return matchWindow(e, item, p, ts, func(pattern string) (func(string) (bool, error), error) {
		return func(s string) (bool, error) { return strings.Contains(s, pattern), nil }, nil
	})
}

func evalRegexp(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	return matchWindow(e, item, p, ts, regexpMatcher(e, true))
}

func evalIRegexp(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	return matchWindow(e, item, p, ts, regexpMatcher(e, false))
}

func regexpMatcher(e *Evaluator, caseSensitive bool) func(string) (func(string) (bool, error), error) {
	return func(pattern string) (func(string) (bool, error), error) {
		re, err := e.matcher.Resolve(pattern, caseSensitive)
		if err != nil {
			return nil, err
		}
		return re.Match, nil
	}
}

// matchWindow scans the window newest first and stops at the first match.
// The window defaults to the last value.
func matchWindow(e *Evaluator, item *Item, p *Params, ts history.Timespec, compile func(string) (func(string) (bool, error), error)) (string, error) {
	pattern, err := p.String(1, Mandatory)
	if err != nil {
		return "", err
	}

	arg, kind := 1, ParamNValues
	if p.Count() == 2 {
		var err error
		if arg, kind, err = p.Int(2, Mandatory); err != nil || arg <= 0 {
			return "", invalidParam(2)
		}
	}

	match, err := compile(pattern)
	if err != nil {
		return "", err
	}

	values, err := e.fetch(item, arg, kind, ts.Sec)
	if err != nil {
		return "", err
	}

	for i := range values {
		ok, err := match(values[i].Value.Text(item.ValueType))
		if err != nil {
			return "", err
		}
		if ok {
			return "1", nil
		}
	}
	return "0", nil
}

// ============================================================================
// nodata, fuzzytime
// ============================================================================

func evalNodata(e *Evaluator, item *Item, p *Params, _ history.Timespec) (string, error) {
	period, kind, err := p.Int(1, Mandatory)
	if err != nil || kind != ParamSeconds || period <= 0 {
		return "", invalidParam(1)
	}

	now := e.now().Unix()

	values, err := e.cache.GetValues(item.ID, item.ValueType, period, 1, now)
	if err == nil && len(values) == 1 {
		return "0", nil
	}

	if e.meta == nil {
		return "", errors.ErrItemNotFound
	}
	from, err := e.meta.GetDataExpectedFrom(item.ID)
	if err != nil {
		log.Debug("cannot get data expected from", "itemid", item.ID, "error", err)
		return "", errors.ErrItemNotFound
	}
	if from+int64(period) > now {
		return "", errors.Newf(errors.ErrInsufficientData, "item does not have enough data after server start or item creation")
	}
	return "1", nil
}

func evalFuzzytime(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	period, kind, err := p.Int(1, Mandatory)
	if err != nil || kind != ParamSeconds || period <= 0 || int64(period) >= ts.Sec {
		return "", invalidParam(1)
	}

	rec, err := e.single(item, ts)
	if err != nil {
		return "", err
	}

	lo, hi := ts.Sec-int64(period), ts.Sec+int64(period)
	var in bool
	if item.ValueType == history.ValueTypeUint64 {
		v := rec.Value.Uint64
		in = lo >= 0 && uint64(lo) <= v && v <= uint64(hi)
	} else {
		v := rec.Value.Float
		in = float64(lo) <= v && v <= float64(hi)
	}
	return boolResult(in), nil
}

// ============================================================================
// forecast, timeleft
// ============================================================================

// samples converts a newest-first window into elapsed times since the
// oldest sample, offset by one nanosecond so every time is positive.
func samples(vt history.ValueType, values []history.Record) (t, x []float64, zero history.Timespec) {
	zero = values[len(values)-1].Timestamp
	t = make([]float64, len(values))
	x = make([]float64, len(values))
	for i := range values {
		t[i] = elapsed(values[i].Timestamp, zero)
		x[i] = numeric(vt, values[i].Value)
	}
	return t, x, zero
}

func elapsed(ts, zero history.Timespec) float64 {
	return float64(ts.Sec-zero.Sec) + float64(ts.NS-zero.NS)/1e9 + 1e-9
}

func evalForecast(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	values, err := e.window(item, p, 1, 2, ts)
	if err != nil {
		return "", err
	}

	horizon, kind, err := p.Int(3, Mandatory)
	if err != nil || kind != ParamSeconds || horizon < 0 {
		return "", invalidParam(3)
	}

	fitName, _ := p.String(4, Optional)
	fit, err := prediction.ParseFit(fitName)
	if err != nil {
		return "", invalidParam(4)
	}

	modeName, _ := p.String(5, Optional)
	mode, err := prediction.ParseMode(modeName)
	if err != nil {
		return "", invalidParam(5)
	}

	if len(values) == 0 {
		return units.FormatFloat(prediction.MathError), nil
	}

	shift, _ := e.timeShift(p, 2)
	t, x, zero := samples(item.ValueType, values)
	now := elapsed(history.Timespec{Sec: ts.Sec - int64(shift), NS: ts.NS}, zero)

	return units.FormatFloat(prediction.Forecast(t, x, now, float64(horizon), fit, mode)), nil
}

func evalTimeleft(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	values, err := e.window(item, p, 1, 2, ts)
	if err != nil {
		return "", err
	}

	threshold, _, err := p.Float(3, Mandatory)
	if err != nil {
		return "", invalidParam(3)
	}

	fitName, _ := p.String(4, Optional)
	fit, err := prediction.ParseFit(fitName)
	if err != nil {
		return "", invalidParam(4)
	}

	if (fit.Kind == prediction.FitExponential || fit.Kind == prediction.FitPower) && threshold <= 0 {
		return "", errors.Newf(errors.ErrParameter, "exponential and power functions are always positive")
	}

	if len(values) == 0 {
		return units.FormatFloat(prediction.MathError), nil
	}

	shift, _ := e.timeShift(p, 2)
	t, x, zero := samples(item.ValueType, values)
	now := elapsed(history.Timespec{Sec: ts.Sec - int64(shift), NS: ts.NS}, zero)

	return units.FormatFloat(prediction.TimeLeft(t, x, now, threshold, fit)), nil
}

// ============================================================================
// logeventid, logsource, logseverity
// ============================================================================

func evalLogEventID(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	pattern, err := p.String(1, Optional)
	if err != nil {
		return "", invalidParam(1)
	}

	var re *Compiled
	if !isDigits(pattern) {
		if re, err = e.matcher.Resolve(pattern, true); err != nil {
			return "", err
		}
	}

	rec, err := e.single(item, ts)
	if err != nil {
		return "", err
	}
	eventID := strconv.Itoa(logOf(rec).EventID)

	if re == nil {
		return boolResult(eventID == pattern), nil
	}
	ok, err := re.Match(eventID)
	if err != nil {
		return "", err
	}
	return boolResult(ok), nil
}

func evalLogSource(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error) {
	pattern, err := p.String(1, Optional)
	if err != nil {
		return "", invalidParam(1)
	}

	re, err := e.matcher.Resolve(pattern, true)
	if err != nil {
		return "", err
	}

	rec, err := e.single(item, ts)
	if err != nil {
		return "", err
	}

	ok, err := re.Match(logOf(rec).Source)
	if err != nil {
		return "", err
	}
	return boolResult(ok), nil
}

func evalLogSeverity(e *Evaluator, item *Item, _ *Params, ts history.Timespec) (string, error) {
	rec, err := e.single(item, ts)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(logOf(rec).Severity), nil
}

func logOf(rec history.Record) *history.LogValue {
	if rec.Value.Log == nil {
		return &history.LogValue{}
	}
	return rec.Value.Log
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ============================================================================
// Clock functions
// ============================================================================

func evalDate(e *Evaluator, _ *Item, _ *Params, _ history.Timespec) (string, error) {
	return e.now().In(e.loc).Format("20060102"), nil
}

func evalTime(e *Evaluator, _ *Item, _ *Params, _ history.Timespec) (string, error) {
	return e.now().In(e.loc).Format("150405"), nil
}

func evalDayOfWeek(e *Evaluator, _ *Item, _ *Params, _ history.Timespec) (string, error) {
	wd := int(e.now().In(e.loc).Weekday())
	if wd == 0 {
		wd = 7
	}
	return strconv.Itoa(wd), nil
}

func evalDayOfMonth(e *Evaluator, _ *Item, _ *Params, _ history.Timespec) (string, error) {
	return strconv.Itoa(e.now().In(e.loc).Day()), nil
}

func evalNow(e *Evaluator, _ *Item, _ *Params, _ history.Timespec) (string, error) {
	return strconv.FormatInt(e.now().Unix(), 10), nil
}
