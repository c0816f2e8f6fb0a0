// Package evalfunc evaluates trigger functions such as last, avg, count or
// forecast over item history held in the value cache.
//
// A function is looked up by name in the registry, its parameter string is
// parsed with user macros expanded, a window of history is fetched and the
// result is returned as a string.
package evalfunc

import (
	"fmt"
	"time"

	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/history"
	"github.com/xtxerr/vigil/internal/logging"
	"github.com/xtxerr/vigil/internal/metrics"
	"github.com/xtxerr/vigil/internal/units"
)

var log = logging.Component("evalfunc")

// ValueCache supplies item history.
type ValueCache interface {
	// GetValues returns records with timestamps at or before end, newest
	// first, bounded by seconds and/or count.
	GetValues(itemID uint64, vt history.ValueType, seconds, count int, end int64) ([]history.Record, error)
	// GetValue returns the newest record at or before ts.
	GetValue(itemID uint64, vt history.ValueType, ts history.Timespec) (history.Record, error)
}

// ItemMetadata supplies item facts kept outside the value cache.
type ItemMetadata interface {
	// GetDataExpectedFrom returns the time from which the item is expected
	// to have data: the later of its creation and the server start.
	GetDataExpectedFrom(itemID uint64) (int64, error)
}

// ItemSource resolves items and value maps for macro evaluation.
type ItemSource interface {
	ItemByKey(host, key string) (*Item, error)
	ValueMap(valueMapID uint64) (map[string]string, error)
}

// Item is the evaluation view of a monitored item.
type Item struct {
	ID         uint64
	HostID     uint64
	Host       string
	Key        string
	ValueType  history.ValueType
	Units      string
	ValueMapID uint64
}

// Config holds the collaborators of an Evaluator.
type Config struct {
	Cache    ValueCache
	Metadata ItemMetadata
	Items    ItemSource
	Macros   MacroResolver
	Matcher  *Matcher

	// Location is used by date, time and the unixtime suffix.
	// Defaults to time.Local.
	Location *time.Location

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Evaluator evaluates registered functions.
//
// Evaluator is safe for concurrent use when its collaborators are.
type Evaluator struct {
	cache   ValueCache
	meta    ItemMetadata
	items   ItemSource
	macros  MacroResolver
	matcher *Matcher
	loc     *time.Location
	now     func() time.Time
}

// New creates an Evaluator.
func New(cfg Config) (*Evaluator, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("value cache is required: %w", errors.ErrConfiguration)
	}
	if cfg.Matcher == nil {
		m, err := NewMatcher(nil, 0, 0)
		if err != nil {
			return nil, err
		}
		cfg.Matcher = m
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Evaluator{
		cache:   cfg.Cache,
		meta:    cfg.Metadata,
		items:   cfg.Items,
		macros:  cfg.Macros,
		matcher: cfg.Matcher,
		loc:     cfg.Location,
		now:     cfg.Now,
	}, nil
}

// EvaluateFunction evaluates function name with the raw parameter string
// for item at ts.
func (e *Evaluator) EvaluateFunction(item *Item, name, params string, ts history.Timespec) (string, error) {
	start := time.Now()

	value, err := e.evaluate(item, name, params, ts)

	metrics.FunctionEvaluationDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	metrics.FunctionEvaluations.WithLabelValues(name, errors.Kind(err)).Inc()

	if err != nil {
		log.Debug("function evaluation failed",
			"function", name,
			"itemid", item.ID,
			"params", params,
			"error", err)
		return "", err
	}
	return value, nil
}

func (e *Evaluator) evaluate(item *Item, name, params string, ts history.Timespec) (string, error) {
	fn, ok := Lookup(name)
	if !ok {
		return "", errors.Newf(errors.ErrUnknownFunction, "unsupported function %q", name)
	}
	if !fn.ValueTypes.Has(item.ValueType) {
		return "", errors.Newf(errors.ErrValueType, "invalid value type for function %q", name)
	}

	p := ParseParams(params, item.HostID, e.macros)
	if fn.MaxParams >= 0 && p.Count() > fn.MaxParams {
		return "", errors.Newf(errors.ErrParameter, "invalid number of parameters")
	}

	return fn.Eval(e, item, p, ts)
}

// EvaluateMacroFunction resolves host and key to an item, evaluates the
// function now and formats the result for display: value maps for last
// and prev, unit suffixes for numeric results.
func (e *Evaluator) EvaluateMacroFunction(host, key, name, params string) (string, error) {
	if e.items == nil {
		return "", fmt.Errorf("no item source: %w", errors.ErrConfiguration)
	}

	item, err := e.items.ItemByKey(host, key)
	if err != nil {
		return "", err
	}

	value, err := e.EvaluateFunction(item, name, params, history.TimespecFrom(e.now()))
	if err != nil {
		return "", err
	}

	switch name {
	case "last", "prev":
		if item.ValueMapID != 0 {
			mappings, err := e.items.ValueMap(item.ValueMapID)
			if err != nil {
				log.Warn("cannot load value map", "valuemapid", item.ValueMapID, "error", err)
			} else if mapped, ok := units.ReplaceByMap(value, mappings); ok {
				return mapped, nil
			}
		}
		return units.AddValueSuffix(value, item.Units, item.ValueType, e.loc), nil
	case "abschange", "avg", "change", "delta", "forecast", "max", "min", "percentile", "sum":
		return units.AddValueSuffix(value, item.Units, item.ValueType, e.loc), nil
	case "timeleft":
		return units.AddValueSuffix(value, "s", history.ValueTypeFloat, e.loc), nil
	}
	return value, nil
}

// window fetches history for the common (window, time shift) parameter
// pair. The window is mandatory and positive; the shift is optional and
// non-negative.
func (e *Evaluator) window(item *Item, p *Params, windowParam, shiftParam int, ts history.Timespec) ([]history.Record, error) {
	arg, kind, err := p.Int(windowParam, Mandatory)
	if err != nil || arg <= 0 {
		return nil, invalidParam(windowParam)
	}

	shift, err := e.timeShift(p, shiftParam)
	if err != nil {
		return nil, err
	}

	return e.fetch(item, arg, kind, ts.Sec-int64(shift))
}

func (e *Evaluator) timeShift(p *Params, n int) (int, error) {
	if n == 0 {
		return 0, nil
	}
	shift, kind, err := p.Int(n, Optional)
	if err != nil || kind == ParamNValues || shift < 0 {
		return 0, invalidParam(n)
	}
	return shift, nil
}

func (e *Evaluator) fetch(item *Item, arg int, kind ParamKind, end int64) ([]history.Record, error) {
	seconds, count := 0, 0
	if kind == ParamNValues {
		count = arg
	} else {
		seconds = arg
	}

	values, err := e.cache.GetValues(item.ID, item.ValueType, seconds, count, end)
	if err != nil {
		log.Debug("value cache read failed", "itemid", item.ID, "error", err)
		return nil, errors.Newf(errors.ErrValueCache, "cannot get values from value cache")
	}
	return values, nil
}

func (e *Evaluator) single(item *Item, ts history.Timespec) (history.Record, error) {
	rec, err := e.cache.GetValue(item.ID, item.ValueType, ts)
	if err != nil {
		log.Debug("value cache read failed", "itemid", item.ID, "error", err)
		return history.Record{}, errors.Newf(errors.ErrValueCache, "cannot get value from value cache")
	}
	return rec, nil
}

func notEnoughData() error {
	return errors.Newf(errors.ErrInsufficientData, "not enough data")
}

// formatValue renders one history value as a function result.
func formatValue(vt history.ValueType, v history.Value) string {
	if vt == history.ValueTypeFloat {
		return units.FormatFloat(v.Float)
	}
	return v.String(vt)
}
