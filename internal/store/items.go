package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/evalfunc"
	"github.com/xtxerr/vigil/internal/history"
)

// Item is a monitored item as stored.
type Item struct {
	ID         uint64
	HostID     uint64
	Key        string
	ValueType  history.ValueType
	Units      string
	ValueMapID uint64
	Status     int

	// Created is the unix time the item was created. Zero means now.
	Created int64
}

// CreateItem inserts an item.
func (s *Store) CreateItem(ctx context.Context, it *Item) error {
	if it.Created == 0 {
		it.Created = s.now().Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (itemid, hostid, key_, value_type, units, valuemapid, status, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, it.ID, it.HostID, it.Key, int(it.ValueType), it.Units, it.ValueMapID, it.Status, it.Created)
	if err != nil {
		return fmt.Errorf("insert item %q: %v: %w", it.Key, err, errors.ErrDatabase)
	}
	return nil
}

// UpdateItem rewrites an existing item. The creation time is kept.
func (s *Store) UpdateItem(ctx context.Context, it *Item) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items SET hostid = ?, key_ = ?, value_type = ?, units = ?, valuemapid = ?, status = ?
		WHERE itemid = ?
	`, it.HostID, it.Key, int(it.ValueType), it.Units, it.ValueMapID, it.Status, it.ID)
	if err != nil {
		return fmt.Errorf("update item %q: %v: %w", it.Key, err, errors.ErrDatabase)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %d: %w", it.ID, errors.ErrNotFound)
	}
	return nil
}

// ItemExists reports whether an item with the id is stored, regardless
// of its status.
func (s *Store) ItemExists(ctx context.Context, itemID uint64) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM items WHERE itemid = ?`, itemID).Scan(&n); err != nil {
		return false, fmt.Errorf("count items: %v: %w", err, errors.ErrDatabase)
	}
	return n > 0, nil
}

// SetItemStatus enables or disables an item.
func (s *Store) SetItemStatus(ctx context.Context, itemID uint64, status int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE items SET status = ? WHERE itemid = ?`, status, itemID)
	if err != nil {
		return fmt.Errorf("update item status: %v: %w", err, errors.ErrDatabase)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %d: %w", itemID, errors.ErrNotFound)
	}
	return nil
}

// ItemByKey resolves host and key to an enabled item on an enabled host.
func (s *Store) ItemByKey(host, key string) (*evalfunc.Item, error) {
	ctx, cancel := s.defaultContext()
	defer cancel()

	var (
		it evalfunc.Item
		vt int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT i.itemid, h.hostid, h.host, i.key_, i.value_type, i.units, i.valuemapid
		FROM items i JOIN hosts h ON h.hostid = i.hostid
		WHERE h.host = ? AND i.key_ = ? AND i.status = ? AND h.status = ?
	`, host, key, StatusEnabled, StatusEnabled).Scan(
		&it.ID, &it.HostID, &it.Host, &it.Key, &vt, &it.Units, &it.ValueMapID)

	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrItemNotFound, "item %s:%s does not exist, is disabled, or belongs to a disabled host", host, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s:%s: %v: %w", host, key, err, errors.ErrDatabase)
	}
	it.ValueType = history.ValueType(vt)
	return &it, nil
}

// GetDataExpectedFrom returns the later of the item's creation time and
// the store start time.
func (s *Store) GetDataExpectedFrom(itemID uint64) (int64, error) {
	ctx, cancel := s.defaultContext()
	defer cancel()

	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT i.created
		FROM items i JOIN hosts h ON h.hostid = i.hostid
		WHERE i.itemid = ? AND i.status = ? AND h.status = ?
	`, itemID, StatusEnabled, StatusEnabled).Scan(&created)

	if err == sql.ErrNoRows {
		return 0, errors.Newf(errors.ErrItemNotFound, "item does not exist, is disabled, or belongs to a disabled host")
	}
	if err != nil {
		return 0, fmt.Errorf("get item %d: %v: %w", itemID, err, errors.ErrDatabase)
	}

	return max(created, s.started.Unix()), nil
}

// =============================================================================
// Value Maps
// =============================================================================

// CreateValueMap stores a value map with its mappings, replacing any map
// with the same id.
func (s *Store) CreateValueMap(ctx context.Context, id uint64, name string, mappings map[string]string) error {
	return s.TransactionContext(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{`DELETE FROM mappings WHERE valuemapid = ?`, `DELETE FROM valuemaps WHERE valuemapid = ?`} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("delete value map %d: %v: %w", id, err, errors.ErrDatabase)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO valuemaps (valuemapid, name) VALUES (?, ?)`, id, name); err != nil {
			return fmt.Errorf("insert value map %q: %v: %w", name, err, errors.ErrDatabase)
		}
		for value, newValue := range mappings {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO mappings (valuemapid, value, newvalue) VALUES (?, ?, ?)
			`, id, value, newValue); err != nil {
				return fmt.Errorf("insert mapping: %v: %w", err, errors.ErrDatabase)
			}
		}
		return nil
	})
}

// ValueMap returns the mappings of a value map. An unknown map yields an
// empty result.
func (s *Store) ValueMap(valueMapID uint64) (map[string]string, error) {
	ctx, cancel := s.defaultContext()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT value, newvalue FROM mappings WHERE valuemapid = ?`, valueMapID)
	if err != nil {
		return nil, fmt.Errorf("get value map %d: %v: %w", valueMapID, err, errors.ErrDatabase)
	}
	defer rows.Close()

	mappings := make(map[string]string)
	for rows.Next() {
		var value, newValue string
		if err := rows.Scan(&value, &newValue); err != nil {
			return nil, fmt.Errorf("scan mapping: %v: %w", err, errors.ErrDatabase)
		}
		mappings[value] = newValue
	}
	return mappings, rows.Err()
}
