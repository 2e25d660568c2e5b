package emu

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
)

// leveldbRows backs Rows with a leveldb database, for both the in-memory and
// on-disk stores. leveldb iterators take a snapshot, so row scans are immune
// to concurrent inserts and deletes.
type leveldbRows struct {
	db      *leveldb.DB
	newFunc func(nuke bool) *leveldb.DB
}

var _ Rows = &leveldbRows{}

func (rows *leveldbRows) Ascend(visit RowVisitor) {
	rows.ascendRange(nil, visit)
}

func (rows *leveldbRows) AscendRange(greaterOrEqual, lessThan keyType, visit RowVisitor) {
	rows.ascendRange(&util.Range{
		Start: greaterOrEqual,
		Limit: lessThan,
	}, visit)
}

func (rows *leveldbRows) AscendLessThan(lessThan keyType, visit RowVisitor) {
	rows.ascendRange(&util.Range{
		Limit: lessThan,
	}, visit)
}

func (rows *leveldbRows) AscendGreaterOrEqual(greaterOrEqual keyType, visit RowVisitor) {
	rows.ascendRange(&util.Range{
		Start: greaterOrEqual,
	}, visit)
}

func (rows *leveldbRows) Delete(key keyType) {
	if err := rows.db.Delete(key, nil); err != nil {
		panic(err)
	}
}

func (rows *leveldbRows) Get(key keyType) *btpb.Row {
	item, err := rows.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil
	} else if err != nil {
		panic(err)
	}
	return rowFromBytes(item)
}

func (rows *leveldbRows) ReplaceOrInsert(r *btpb.Row) {
	if err := rows.db.Put(r.Key, rowToBytes(r), nil); err != nil {
		panic(err)
	}
}

func (rows *leveldbRows) Clear() {
	if err := rows.db.Close(); err != nil {
		panic(err)
	}
	rows.db = rows.newFunc(true)
}

func (rows *leveldbRows) Close() {
	if err := rows.db.Close(); err != nil {
		panic(err)
	}
}

func (rows *leveldbRows) ascendRange(rng *util.Range, visit RowVisitor) {
	it := rows.db.NewIterator(rng, nil)
	defer it.Release()
	for ok := it.First(); ok; ok = it.Next() {
		if !visit(rowFromBytes(it.Value())) {
			break
		}
	}
	if err := it.Error(); err != nil {
		panic(err)
	}
}
