package emu

import (
	btapb "google.golang.org/genproto/googleapis/bigtable/admin/v2"
	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
)

// A Store is a storage backend for all emulator data.
type Store interface {
	// Create a new table, destroying any existing table of the same name.
	Create(tbl *btapb.Table) Rows
	// GetTables returns metadata about all stored tables.
	GetTables() []*btapb.Table
	// Open the given table, which must have been previously returned by
	// GetTables().
	Open(tbl *btapb.Table) Rows
	// SetTableMeta persists metadata about a table.
	SetTableMeta(tbl *btapb.Table)
}

type keyType = []byte

// A RowVisitor is called with each row of a scan; returning false stops the
// scan.
type RowVisitor = func(r *btpb.Row) bool

// Rows holds the row data of one table, ordered by key.
type Rows interface {
	// Ascend calls the visitor for every row in the table, in key order,
	// until the visitor returns false.
	Ascend(visit RowVisitor)

	// AscendRange calls the visitor for every row in the range
	// [greaterOrEqual, lessThan), until the visitor returns false.
	AscendRange(greaterOrEqual, lessThan keyType, visit RowVisitor)

	// AscendLessThan calls the visitor for every row in the range
	// [first, lessThan), until the visitor returns false.
	AscendLessThan(lessThan keyType, visit RowVisitor)

	// AscendGreaterOrEqual calls the visitor for every row in the range
	// [greaterOrEqual, last], until the visitor returns false.
	AscendGreaterOrEqual(greaterOrEqual keyType, visit RowVisitor)

	// Clear removes all rows from the table.
	Clear()

	// Delete removes the row with the given key, if present.
	Delete(key keyType)

	// Get returns the row with the given key, or nil if absent.
	Get(key keyType) *btpb.Row

	// ReplaceOrInsert adds the given row to the table, replacing any
	// existing row with the same key. The row must not be nil.
	ReplaceOrInsert(r *btpb.Row)

	Close()
}
