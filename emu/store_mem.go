package emu

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	btapb "google.golang.org/genproto/googleapis/bigtable/admin/v2"
)

// MemStore keeps rows in an in-memory leveldb. This is the default store.
type MemStore struct {
}

var _ Store = MemStore{}

// Create a new table, destroying any existing table.
func (MemStore) Create(_ *btapb.Table) Rows {
	newFunc := func(nuke bool) *leveldb.DB {
		return newMemDb()
	}
	return &leveldbRows{
		db:      newFunc(false),
		newFunc: newFunc,
	}
}

// GetTables returns metadata about all stored tables.
func (MemStore) GetTables() []*btapb.Table {
	return nil
}

// Open the given table, which must have been previously returned by GetTables().
func (MemStore) Open(_ *btapb.Table) Rows {
	panic("MemStore does not persist tables")
}

// SetTableMeta persists metadata about a table.
func (MemStore) SetTableMeta(_ *btapb.Table) {
}

func newMemDb() *leveldb.DB {
	db, err := leveldb.Open(storage.NewMemStorage(), &opt.Options{
		Comparer:                     comparer.DefaultComparer,
		Compression:                  opt.NoCompression,
		DisableBufferPool:            true,
		DisableLargeBatchTransaction: true,
	})
	if err != nil {
		panic(err)
	}
	return db
}
