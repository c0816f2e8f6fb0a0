package valuecache

import (
	"path/filepath"
	"testing"

	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/history"
)

func TestCache_GetValuesByCount(t *testing.T) {
	c := New(Config{ValuesPerItem: 10})

	for i := int64(1); i <= 5; i++ {
		if err := c.Add(1, history.ValueTypeFloat, history.FloatRecord(100+i, float64(i))); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	got, err := c.GetValues(1, history.ValueTypeFloat, 0, 3, 105)
	if err != nil {
		t.Fatalf("GetValues: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 values, got %d", len(got))
	}
	// newest first
	for i, want := range []float64{5, 4, 3} {
		if got[i].Value.Float != want {
			t.Errorf("value %d: expected %v, got %v", i, want, got[i].Value.Float)
		}
	}

	// end before newest record
	got, _ = c.GetValues(1, history.ValueTypeFloat, 0, 2, 103)
	if len(got) != 2 || got[0].Value.Float != 3 {
		t.Errorf("expected [3 2], got %+v", got)
	}
}

func TestCache_GetValuesBySeconds(t *testing.T) {
	c := New(Config{ValuesPerItem: 10})
	for i := int64(1); i <= 5; i++ {
		c.Add(1, history.ValueTypeUint64, history.Uint64Record(100+i, uint64(i)))
	}

	// (105-3, 105] -> 103, 104, 105
	got, err := c.GetValues(1, history.ValueTypeUint64, 3, 0, 105)
	if err != nil {
		t.Fatalf("GetValues: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 values, got %d", len(got))
	}
	if got[2].Value.Uint64 != 3 {
		t.Errorf("oldest in window should be 3, got %d", got[2].Value.Uint64)
	}
}

func TestCache_OutOfOrderAndOverwrite(t *testing.T) {
	c := New(Config{ValuesPerItem: 3})

	c.Add(1, history.ValueTypeFloat, history.FloatRecord(10, 1))
	c.Add(1, history.ValueTypeFloat, history.FloatRecord(30, 3))
	c.Add(1, history.ValueTypeFloat, history.FloatRecord(20, 2))

	got, _ := c.GetValues(1, history.ValueTypeFloat, 0, 3, 100)
	for i, want := range []float64{3, 2, 1} {
		if got[i].Value.Float != want {
			t.Errorf("value %d: expected %v, got %v", i, want, got[i].Value.Float)
		}
	}

	c.Add(1, history.ValueTypeFloat, history.FloatRecord(40, 4))
	if c.Len(1) != 3 {
		t.Errorf("expected len=3, got %d", c.Len(1))
	}
	got, _ = c.GetValues(1, history.ValueTypeFloat, 0, 5, 100)
	if got[len(got)-1].Value.Float != 2 {
		t.Errorf("oldest record should have been overwritten, got %+v", got)
	}
	if c.Stats().Dropped != 1 {
		t.Errorf("expected 1 dropped, got %d", c.Stats().Dropped)
	}
}

func TestCache_ValueTypeMismatch(t *testing.T) {
	c := New(DefaultConfig())
	c.Add(1, history.ValueTypeFloat, history.FloatRecord(10, 1))

	if err := c.Add(1, history.ValueTypeStr, history.StrRecord(11, "x")); !errors.Is(err, errors.ErrValueType) {
		t.Errorf("expected ErrValueType, got %v", err)
	}
	if _, err := c.GetValues(1, history.ValueTypeUint64, 0, 1, 100); !errors.Is(err, errors.ErrValueCache) {
		t.Errorf("expected ErrValueCache, got %v", err)
	}
}

func TestCache_GetValue(t *testing.T) {
	c := New(DefaultConfig())
	c.Add(7, history.ValueTypeStr, history.StrRecord(10, "a"))
	c.Add(7, history.ValueTypeStr, history.StrRecord(20, "b"))

	rec, err := c.GetValue(7, history.ValueTypeStr, history.Timespec{Sec: 15})
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if rec.Value.Str != "a" {
		t.Errorf("expected a, got %q", rec.Value.Str)
	}

	if _, err := c.GetValue(7, history.ValueTypeStr, history.Timespec{Sec: 5}); !errors.Is(err, errors.ErrValueCache) {
		t.Errorf("expected ErrValueCache before first value, got %v", err)
	}
	if _, err := c.GetValue(8, history.ValueTypeStr, history.Timespec{Sec: 50}); !errors.Is(err, errors.ErrValueCache) {
		t.Errorf("expected ErrValueCache for unknown item, got %v", err)
	}
}

func TestCache_ReturnsOwnedCopies(t *testing.T) {
	c := New(DefaultConfig())
	c.Add(1, history.ValueTypeLog, history.LogRecord(10, history.LogValue{Value: "orig", EventID: 1}))

	got, _ := c.GetValues(1, history.ValueTypeLog, 0, 1, 10)
	got[0].Value.Log.Value = "changed"

	again, _ := c.GetValues(1, history.ValueTypeLog, 0, 1, 10)
	if again[0].Value.Log.Value != "orig" {
		t.Errorf("cache content was modified through returned record")
	}
}

func TestCache_Snapshot(t *testing.T) {
	c := New(DefaultConfig())
	c.Add(1, history.ValueTypeFloat, history.FloatRecord(10, 1.5))
	c.Add(2, history.ValueTypeUint64, history.Uint64Record(11, 42))
	c.Add(3, history.ValueTypeLog, history.LogRecord(12, history.LogValue{
		Value: "line", Source: "app", Severity: 4, EventID: 4625,
	}))
	c.Add(4, history.ValueTypeText, history.StrRecord(13, "text"))

	path := filepath.Join(t.TempDir(), "history.parquet")
	n, err := c.SaveSnapshot(path)
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 rows written, got %d", n)
	}

	restored := New(DefaultConfig())
	n, err = restored.LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 rows loaded, got %d", n)
	}

	rec, err := restored.GetValue(3, history.ValueTypeLog, history.Timespec{Sec: 12})
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	if rec.Value.Log.EventID != 4625 || rec.Value.Log.Source != "app" {
		t.Errorf("log value not restored: %+v", rec.Value.Log)
	}
	rec, _ = restored.GetValue(2, history.ValueTypeUint64, history.Timespec{Sec: 11})
	if rec.Value.Uint64 != 42 {
		t.Errorf("expected 42, got %d", rec.Value.Uint64)
	}
}

func TestCache_LoadMissingSnapshot(t *testing.T) {
	c := New(DefaultConfig())
	n, err := c.LoadSnapshot(filepath.Join(t.TempDir(), "absent.parquet"))
	if err != nil || n != 0 {
		t.Errorf("expected (0, nil), got (%d, %v)", n, err)
	}
}
