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
	"context"
	"encoding/binary"
	"math/rand"
	"sort"
	"time"

	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	statpb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func (s *Service) ReadRows(req *btpb.ReadRowsRequest, stream btpb.Bigtable_ReadRowsServer) error {
	s.mu.Lock()
	tbl, ok := s.tables[req.TableName]
	s.mu.Unlock()
	if !ok {
		return status.Errorf(codes.NotFound, "table %q not found", req.TableName)
	}

	if err := validateReadRanges(req); err != nil {
		return err
	}

	srs := []simpleRange{{}} // infinite range unless specified
	if len(req.GetRows().GetRowKeys())+len(req.GetRows().GetRowRanges()) > 0 {
		srs = mergeRowRanges(req.GetRows().GetRowKeys(), req.GetRows().GetRowRanges())
	}

	defer tbl.read()
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()

	limit := int(req.RowsLimit)
	count := 0

	var err error
	var cb chunkBuilder
	sendResponse := func() error {
		// Reverse the lock while streaming the row out.
		tbl.mu.RUnlock()
		defer tbl.mu.RLock()
		return stream.Send(&btpb.ReadRowsResponse{Chunks: cb.chunks})
	}

	for _, sr := range srs {
		addRow := func(r *btpb.Row) bool {
			if limit > 0 && count >= limit {
				return false
			}

			if len(r.Families) == 0 {
				return true
			}

			var match bool
			match, err = filterRow(s.log, req.Filter, r)
			if err != nil {
				return false
			} else if !match {
				return true
			}

			if added := cb.add(tbl.cols(), r); added {
				count++
			}

			if len(cb.chunks) > 1024 {
				err = sendResponse()
				if err != nil {
					return false
				}
				cb.reset()
			}
			return true
		}

		switch {
		case len(sr.start) == 0 && len(sr.end) == 0:
			tbl.rows.Ascend(addRow) // all rows
		case len(sr.start) == 0:
			tbl.rows.AscendLessThan(sr.end, addRow)
		case len(sr.end) == 0:
			tbl.rows.AscendGreaterOrEqual(sr.start, addRow)
		default:
			tbl.rows.AscendRange(sr.start, sr.end, addRow)
		}

		if err != nil {
			return err
		}
	}
	if err == nil && len(cb.chunks) > 0 {
		err = sendResponse()
	}
	return err
}

func (s *Service) MutateRow(ctx context.Context, req *btpb.MutateRowRequest) (*btpb.MutateRowResponse, error) {
	s.mu.Lock()
	tbl, ok := s.tables[req.TableName]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", req.TableName)
	}

	defer tbl.write()
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	now := s.clock()
	r := tbl.getOrCreateRow(req.RowKey)

	if err := applyMutations(tbl, r, req.Mutations, now); err != nil {
		return nil, err
	}
	tbl.updateRow(r)
	return &btpb.MutateRowResponse{}, nil
}

func (s *Service) MutateRows(req *btpb.MutateRowsRequest, stream btpb.Bigtable_MutateRowsServer) error {
	s.mu.Lock()
	tbl, ok := s.tables[req.TableName]
	s.mu.Unlock()
	if !ok {
		return status.Errorf(codes.NotFound, "table %q not found", req.TableName)
	}
	res := &btpb.MutateRowsResponse{Entries: make([]*btpb.MutateRowsResponse_Entry, len(req.Entries))}

	defer tbl.write()
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	now := s.clock()

	for i, entry := range req.Entries {
		r := tbl.getOrCreateRow(entry.RowKey)

		code, msg := int32(codes.OK), ""
		if err := applyMutations(tbl, r, entry.Mutations, now); err != nil {
			code = int32(codes.Internal)
			msg = err.Error()
		}
		tbl.updateRow(r)
		res.Entries[i] = &btpb.MutateRowsResponse_Entry{
			Index:  int64(i),
			Status: &statpb.Status{Code: code, Message: msg},
		}
	}
	return stream.Send(res)
}

func (s *Service) CheckAndMutateRow(ctx context.Context, req *btpb.CheckAndMutateRowRequest) (*btpb.CheckAndMutateRowResponse, error) {
	s.mu.Lock()
	tbl, ok := s.tables[req.TableName]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", req.TableName)
	}
	res := &btpb.CheckAndMutateRowResponse{}

	defer tbl.write()
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	now := s.clock()
	r := tbl.getOrCreateRow(req.RowKey)

	// Figure out which mutation to apply.
	whichMut := false
	if req.PredicateFilter == nil {
		// Use true_mutations iff the row contains any cells.
		whichMut = !isEmpty(r)
	} else {
		// Use true_mutations iff any cells in the row match the filter.
		nr := copyRow(r)
		match, err := filterRow(s.log, req.PredicateFilter, nr)
		if err != nil {
			return nil, err
		}
		whichMut = match && !isEmpty(nr)
	}
	res.PredicateMatched = whichMut
	muts := req.FalseMutations
	if whichMut {
		muts = req.TrueMutations
	}

	if err := applyMutations(tbl, r, muts, now); err != nil {
		return nil, err
	}
	tbl.updateRow(r)
	return res, nil
}

// applyMutations applies a sequence of mutations to a row.
// It assumes the table lock is held.
func applyMutations(tbl *table, r *btpb.Row, muts []*btpb.Mutation, now time.Time) error {
	fs := tbl.def.ColumnFamilies
	for _, mut := range muts {
		switch mut := mut.Mutation.(type) {
		default:
			return status.Errorf(codes.InvalidArgument, "can't handle mutation type %T", mut)
		case *btpb.Mutation_SetCell_:
			set := mut.SetCell
			if _, ok := fs[set.FamilyName]; !ok {
				return status.Errorf(codes.NotFound, "unknown family %q", set.FamilyName)
			}
			ts := set.TimestampMicros
			if ts == -1 { // server time requested
				ts = newTimestamp(now)
			}
			if !tbl.validTimestamp(ts) {
				return status.Errorf(codes.InvalidArgument, "invalid timestamp %d", ts)
			}
			fam := set.FamilyName
			col := set.ColumnQualifier

			newCell := &btpb.Cell{TimestampMicros: ts, Value: set.Value}
			f := getOrCreateFamily(r, fam)
			c := getOrCreateColumn(f, col)
			c.Cells = appendOrReplaceCell(c.Cells, newCell)
		case *btpb.Mutation_DeleteFromColumn_:
			del := mut.DeleteFromColumn
			if _, ok := fs[del.FamilyName]; !ok {
				return status.Errorf(codes.NotFound, "unknown family %q", del.FamilyName)
			}
			fam := getFamily(r, del.FamilyName)
			if fam == nil {
				break
			}
			col := getColumn(fam, del.ColumnQualifier)
			if col == nil {
				break
			}
			cs := col.Cells
			if del.TimeRange != nil {
				tsr := del.TimeRange
				if !tbl.validTimestamp(tsr.StartTimestampMicros) {
					return status.Errorf(codes.InvalidArgument, "invalid timestamp %d", tsr.StartTimestampMicros)
				}
				if !tbl.validTimestamp(tsr.EndTimestampMicros) && tsr.EndTimestampMicros != 0 {
					return status.Errorf(codes.InvalidArgument, "invalid timestamp %d", tsr.EndTimestampMicros)
				}
				if tsr.StartTimestampMicros >= tsr.EndTimestampMicros && tsr.EndTimestampMicros != 0 {
					return status.Errorf(codes.InvalidArgument, "inverted or invalid timestamp range [%d, %d]", tsr.StartTimestampMicros, tsr.EndTimestampMicros)
				}

				// Find the half-open interval to remove. Cells are in
				// descending timestamp order, so the predicates to
				// sort.Search are inverted.
				si, ei := 0, len(cs)
				if tsr.StartTimestampMicros > 0 {
					ei = sort.Search(len(cs), func(i int) bool { return cs[i].TimestampMicros < tsr.StartTimestampMicros })
				}
				if tsr.EndTimestampMicros > 0 {
					si = sort.Search(len(cs), func(i int) bool { return cs[i].TimestampMicros < tsr.EndTimestampMicros })
				}
				if si < ei {
					copy(cs[si:], cs[ei:])
					cs = cs[:len(cs)-(ei-si)]
				}
			} else {
				cs = nil
			}
			col.Cells = cs
		case *btpb.Mutation_DeleteFromRow_:
			r.Families = nil
		case *btpb.Mutation_DeleteFromFamily_:
			if f := getFamily(r, mut.DeleteFromFamily.FamilyName); f != nil {
				f.Columns = nil
			}
		}
	}
	return nil
}

func (s *Service) ReadModifyWriteRow(ctx context.Context, req *btpb.ReadModifyWriteRowRequest) (*btpb.ReadModifyWriteRowResponse, error) {
	s.mu.Lock()
	tbl, ok := s.tables[req.TableName]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", req.TableName)
	}

	defer tbl.write()
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	now := s.clock()
	r := tbl.getOrCreateRow(req.RowKey)
	resultRow := &btpb.Row{Key: req.RowKey} // copy of the updated cells
	cols := tbl.cols()

	// All rules apply to the most recent version of the cell.
	for _, rule := range req.Rules {
		if _, ok := cols[rule.FamilyName]; !ok {
			return nil, status.Errorf(codes.NotFound, "unknown family %q", rule.FamilyName)
		}

		fam := getOrCreateFamily(r, rule.FamilyName)
		col := getOrCreateColumn(fam, rule.ColumnQualifier)
		ts := newTimestamp(now)
		var newCell *btpb.Cell
		var prevVal []byte
		if len(col.Cells) > 0 {
			prevVal = col.Cells[0].Value

			// ts is the max of the clock or the prev cell's timestamp, in
			// case the prev cell is in the future.
			ts = maxTimestamp(ts, col.Cells[0].TimestampMicros)
		}

		switch rule := rule.Rule.(type) {
		default:
			return nil, status.Errorf(codes.InvalidArgument, "unknown read-modify-write rule %T", rule)
		case *btpb.ReadModifyWriteRule_AppendValue:
			newCell = &btpb.Cell{TimestampMicros: ts, Value: append(prevVal, rule.AppendValue...)}
		case *btpb.ReadModifyWriteRule_IncrementAmount:
			var v int64
			if prevVal != nil {
				if len(prevVal) != 8 {
					return nil, status.Error(codes.InvalidArgument, "increment on non-64-bit value")
				}
				v = int64(binary.BigEndian.Uint64(prevVal))
			}
			v += rule.IncrementAmount
			var val [8]byte
			binary.BigEndian.PutUint64(val[:], uint64(v))
			newCell = &btpb.Cell{TimestampMicros: ts, Value: val[:]}
		}

		// Store the new cell.
		col.Cells = appendOrReplaceCell(col.Cells, newCell)

		// Store a copy for the result row.
		resultFamily := getOrCreateFamily(resultRow, fam.Name)
		resultCol := getOrCreateColumn(resultFamily, col.Qualifier)
		resultCol.Cells = []*btpb.Cell{newCell}
	}

	r, _ = scrubRow(r, cols)
	tbl.rows.ReplaceOrInsert(r)
	resultRow, _ = scrubRow(resultRow, cols)
	return &btpb.ReadModifyWriteRowResponse{Row: resultRow}, nil
}

func (s *Service) SampleRowKeys(req *btpb.SampleRowKeysRequest, stream btpb.Bigtable_SampleRowKeysServer) error {
	s.mu.Lock()
	tbl, ok := s.tables[req.TableName]
	s.mu.Unlock()
	if !ok {
		return status.Errorf(codes.NotFound, "table %q not found", req.TableName)
	}

	defer tbl.read()
	tbl.mu.RLock()
	defer tbl.mu.RUnlock()

	// The return value of SampleRowKeys is very loosely defined. Return at
	// least the final row key in the table and choose other row keys
	// randomly.
	var offset int64
	var err error
	var lastRow *btpb.Row
	tbl.rows.Ascend(func(r *btpb.Row) bool {
		if rand.Int31n(100) == 0 {
			resp := &btpb.SampleRowKeysResponse{
				RowKey:      r.Key,
				OffsetBytes: offset,
			}
			err = stream.Send(resp)
			if err != nil {
				return false
			}
			lastRow = nil
		} else {
			lastRow = r
		}
		offset += int64(rowsize(r))
		return true
	})
	if err == nil && lastRow != nil {
		resp := &btpb.SampleRowKeysResponse{
			RowKey:      lastRow.Key,
			OffsetBytes: offset - int64(rowsize(lastRow)),
		}
		err = stream.Send(resp)
	}
	return err
}
