/*
Copyright 2015 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package emu

import (
	"bytes"

	"github.com/google/btree"
	btapb "google.golang.org/genproto/googleapis/bigtable/admin/v2"
	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	"google.golang.org/protobuf/proto"
)

const btreeDegree = 16

// BTreeStore keeps rows in an in-memory btree. Prefer MemStore: btree row
// scans misbehave when rows are inserted or deleted concurrently with the
// scan, because changes to the tree's internal structure break iteration.
type BTreeStore struct {
}

var _ Store = BTreeStore{}

func (BTreeStore) Create(_ *btapb.Table) Rows {
	return btreeRows{btree.New(btreeDegree)}
}

func (BTreeStore) GetTables() []*btapb.Table {
	return nil
}

func (BTreeStore) Open(_ *btapb.Table) Rows {
	panic("BTreeStore does not persist tables")
}

func (BTreeStore) SetTableMeta(_ *btapb.Table) {
}

type btreeRows struct {
	tree *btree.BTree
}

var _ Rows = btreeRows{}

func (b btreeRows) Ascend(visit RowVisitor) {
	b.tree.Ascend(b.adaptVisitor(visit))
}

func (b btreeRows) AscendRange(greaterOrEqual, lessThan keyType, visit RowVisitor) {
	b.tree.AscendRange(b.key(greaterOrEqual), b.key(lessThan), b.adaptVisitor(visit))
}

func (b btreeRows) AscendLessThan(lessThan keyType, visit RowVisitor) {
	b.tree.AscendLessThan(b.key(lessThan), b.adaptVisitor(visit))
}

func (b btreeRows) AscendGreaterOrEqual(greaterOrEqual keyType, visit RowVisitor) {
	b.tree.AscendGreaterOrEqual(b.key(greaterOrEqual), b.adaptVisitor(visit))
}

func (b btreeRows) Delete(key keyType) {
	b.tree.Delete(b.key(key))
}

func (b btreeRows) Get(key keyType) *btpb.Row {
	item := b.tree.Get(b.key(key))
	if item == nil {
		return nil
	}
	return rowFromBytes(item.(rowItem).buf)
}

func (b btreeRows) ReplaceOrInsert(r *btpb.Row) {
	b.tree.ReplaceOrInsert(rowItem{
		key: r.Key,
		buf: rowToBytes(r),
	})
}

func (b btreeRows) Clear() {
	b.tree.Clear(false)
}

func (b btreeRows) Close() {
}

func (b btreeRows) key(key keyType) rowItem {
	return rowItem{key: key}
}

func (b btreeRows) adaptVisitor(visit RowVisitor) btree.ItemIterator {
	return func(i btree.Item) bool {
		return visit(rowFromBytes(i.(rowItem).buf))
	}
}

// Rows are stored marshalled so visitors can mutate what they are handed
// without corrupting the tree.
func rowFromBytes(buf []byte) *btpb.Row {
	var r btpb.Row
	if err := proto.Unmarshal(buf, &r); err != nil {
		panic(err)
	}
	return &r
}

func rowToBytes(r *btpb.Row) []byte {
	buf, err := proto.Marshal(r)
	if err != nil {
		panic(err)
	}
	return buf
}

type rowItem struct {
	key keyType
	buf []byte
}

var _ btree.Item = rowItem{}

// Less implements btree.Item.
func (ri rowItem) Less(i btree.Item) bool {
	return bytes.Compare(ri.key, i.(rowItem).key) < 0
}
