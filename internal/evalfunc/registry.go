package evalfunc

import (
	"sort"

	"github.com/xtxerr/vigil/internal/history"
)

// EvalFunc computes one function over an item's history.
type EvalFunc func(e *Evaluator, item *Item, p *Params, ts history.Timespec) (string, error)

// Function describes a registered trigger function.
type Function struct {
	Name string

	// ValueTypes lists the item value types the function accepts.
	ValueTypes history.TypeMask

	// MaxParams is the highest number of parameters accepted.
	MaxParams int

	Eval EvalFunc
}

var registry = map[string]*Function{}

func register(name string, types history.TypeMask, maxParams int, fn EvalFunc) {
	registry[name] = &Function{Name: name, ValueTypes: types, MaxParams: maxParams, Eval: fn}
}

func init() {
	all := history.MaskAll
	num := history.MaskNumeric
	str := history.MaskString

	register("last", all, 2, evalLast)
	register("prev", all, 2, evalPrev)
	register("strlen", str, 2, evalStrlen)
	register("band", history.MaskUint64, 3, evalBand)

	register("min", num, 2, evalMin)
	register("max", num, 2, evalMax)
	register("sum", num, 2, evalSum)
	register("avg", num, 2, evalAvg)
	register("delta", num, 2, evalDelta)
	register("percentile", num, 3, evalPercentile)

	register("change", all, 1, evalChange)
	register("abschange", all, 1, evalAbsChange)
	register("diff", all, 1, evalDiff)

	register("count", all, 4, evalCount)
	register("str", str, 2, evalStr)
	register("regexp", str, 2, evalRegexp)
	register("iregexp", str, 2, evalIRegexp)

	register("nodata", all, 1, evalNodata)
	register("fuzzytime", num, 1, evalFuzzytime)

	register("forecast", num, 5, evalForecast)
	register("timeleft", num, 4, evalTimeleft)

	register("logeventid", history.MaskLog, 1, evalLogEventID)
	register("logsource", history.MaskLog, 1, evalLogSource)
	register("logseverity", history.MaskLog, 1, evalLogSeverity)

	register("date", all, 1, evalDate)
	register("time", all, 1, evalTime)
	register("dayofweek", all, 1, evalDayOfWeek)
	register("dayofmonth", all, 1, evalDayOfMonth)
	register("now", all, 1, evalNow)
}

// Lookup returns the registered function with the given name.
func Lookup(name string) (*Function, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Names returns the names of all registered functions, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
