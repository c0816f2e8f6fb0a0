package valuecache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/vigil/internal/history"
)

// HistoryRow represents one cached record in Parquet format.
type HistoryRow struct {
	ItemID      uint64  `parquet:"itemid"`
	ValueType   int32   `parquet:"value_type"`
	Sec         int64   `parquet:"clock"`
	NS          int32   `parquet:"ns"`
	Float       float64 `parquet:"value_float"`
	Uint64      uint64  `parquet:"value_uint"`
	Str         string  `parquet:"value_str,optional,zstd"`
	LogSource   string  `parquet:"log_source,optional,zstd"`
	LogSeverity int32   `parquet:"log_severity"`
	LogEventID  int32   `parquet:"log_eventid"`
	LogTime     int64   `parquet:"log_timestamp"`
}

func recordToRow(itemID uint64, vt history.ValueType, r *history.Record) HistoryRow {
	row := HistoryRow{
		ItemID:    itemID,
		ValueType: int32(vt),
		Sec:       r.Timestamp.Sec,
		NS:        r.Timestamp.NS,
	}
	switch vt {
	case history.ValueTypeFloat:
		row.Float = r.Value.Float
	case history.ValueTypeUint64:
		row.Uint64 = r.Value.Uint64
	case history.ValueTypeLog:
		if l := r.Value.Log; l != nil {
			row.Str = l.Value
			row.LogSource = l.Source
			row.LogSeverity = int32(l.Severity)
			row.LogEventID = int32(l.EventID)
			row.LogTime = l.Timestamp
		}
	default:
		row.Str = r.Value.Str
	}
	return row
}

func rowToRecord(row *HistoryRow) history.Record {
	rec := history.Record{Timestamp: history.Timespec{Sec: row.Sec, NS: row.NS}}
	switch history.ValueType(row.ValueType) {
	case history.ValueTypeFloat:
		rec.Value.Float = row.Float
	case history.ValueTypeUint64:
		rec.Value.Uint64 = row.Uint64
	case history.ValueTypeLog:
		rec.Value.Log = &history.LogValue{
			Value:     row.Str,
			Source:    row.LogSource,
			Severity:  int(row.LogSeverity),
			EventID:   int(row.LogEventID),
			Timestamp: row.LogTime,
		}
	default:
		rec.Value.Str = row.Str
	}
	return rec
}

// SaveSnapshot writes the whole cache to a zstd-compressed Parquet file.
// The file is written next to path and renamed into place.
func (c *Cache) SaveSnapshot(path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[HistoryRow](f, parquet.Compression(&parquet.Zstd))

	c.mu.RLock()
	ids := make([]uint64, 0, len(c.items))
	for id := range c.items {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var total int64
	for _, id := range ids {
		s := c.series(id)
		if s == nil {
			continue
		}
		s.mu.RLock()
		records := s.ring.snapshot()
		vt := s.valueType
		s.mu.RUnlock()

		rows := make([]HistoryRow, len(records))
		for i := range records {
			rows[i] = recordToRow(id, vt, &records[i])
		}
		n, err := writer.Write(rows)
		if err != nil {
			writer.Close()
			f.Close()
			os.Remove(tmp)
			return total, fmt.Errorf("write rows: %w", err)
		}
		total += int64(n)
	}

	if err := writer.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return total, fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return total, fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return total, fmt.Errorf("rename snapshot: %w", err)
	}

	log.Info("snapshot saved", "path", path, "records", total, "items", len(ids))
	return total, nil
}

// LoadSnapshot adds every record of a snapshot file to the cache.
// A missing file is not an error.
func (c *Cache) LoadSnapshot(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[HistoryRow](f, parquet.ReadBufferSize(1024*1024))
	defer reader.Close()

	var total int64
	rows := make([]HistoryRow, 1024)
	for {
		n, err := reader.Read(rows)
		for i := 0; i < n; i++ {
			row := &rows[i]
			if addErr := c.Add(row.ItemID, history.ValueType(row.ValueType), rowToRecord(row)); addErr != nil {
				log.Warn("skipping snapshot record", "itemid", row.ItemID, "error", addErr)
				continue
			}
			total++
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("read rows: %w", err)
		}
		if n == 0 {
			break
		}
	}

	log.Info("snapshot loaded", "path", path, "records", total)
	return total, nil
}
