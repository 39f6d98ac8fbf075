package kv

import (
	"context"
	"strings"

	"github.com/jacentio/strata/orm"
)

// RecordEntity returns the entity whose record lives at k, or false when k
// is an index entry, a guard or an internal item.
func (b *Backend) RecordEntity(reg *orm.Registry, k Key) (*orm.Entity, bool) {
	if len(k.Partition) != 1 || !strings.HasPrefix(k.Partition[0], b.config.Prefix) {
		return nil, false
	}
	table := strings.TrimPrefix(k.Partition[0], b.config.Prefix)
	if strings.Contains(table, orm.LookupSeparator) {
		return nil, false
	}
	return reg.ByTable(table)
}

// PurgeEntries deletes the index entries of a record that was removed
// without going through the backend, such as by engine-side expiry. data is
// the last stored value of the record. Unique guards are only released when
// they still point at the record. It returns the number of items deleted.
func (b *Backend) PurgeEntries(ctx context.Context, e *orm.Entity, key string, data []byte) (int, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	row, err := decodeRow(e, data)
	if err != nil {
		return 0, err
	}
	if _, found, err := b.engine.Get(ctx, b.recordKey(e, key)); err != nil || found {
		return 0, err
	}

	w := &batch{entity: e}
	for _, ix := range indexSpec(e) {
		stored := row[ix.field.ColumnName()]
		value := encodeIndexValue(stored)
		w.add(Del(b.indexKey(e, ix.field.Name, value, key)), nil)
		if !ix.unique || stored == nil {
			continue
		}
		owner, found, err := b.engine.Get(ctx, b.uniqueKey(e, ix.field.Name, value))
		if err != nil {
			return 0, err
		}
		if found && string(owner) == key {
			w.add(Del(b.uniqueKey(e, ix.field.Name, value)), nil)
		}
	}
	if err := b.apply(ctx, w, "purge"); err != nil {
		return 0, err
	}
	return len(w.muts), nil
}
