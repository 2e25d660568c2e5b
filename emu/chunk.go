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
	btapb "google.golang.org/genproto/googleapis/bigtable/admin/v2"
	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// maxChunkBytes caps the value payload of one cell chunk. Cell values larger
// than this are split across several chunks, with ValueSize announcing the
// total size on every chunk of the cell except the last.
const maxChunkBytes = 1 << 20

// chunkBuilder lowers rows into cell chunk sequences. Row key, family and
// qualifier are carried only on the chunk where they change; the final chunk
// of a row carries the commit marker.
type chunkBuilder struct {
	chunks []*btpb.ReadRowsResponse_CellChunk
}

func (cb *chunkBuilder) reset() {
	cb.chunks = nil
}

// add appends the chunks of one row. The row must not be empty after
// scrubbing; the caller has already applied filters.
func (cb *chunkBuilder) add(cols map[string]*btapb.ColumnFamily, r *btpb.Row) bool {
	scrubRow(r, cols)
	start := len(cb.chunks)
	newRow := true
	for _, fam := range r.Families {
		newFam := true
		for _, col := range fam.Columns {
			newCol := true
			for _, cell := range col.Cells {
				chunk := &btpb.ReadRowsResponse_CellChunk{
					TimestampMicros: cell.TimestampMicros,
					Labels:          cell.Labels,
				}
				if newRow {
					chunk.RowKey = r.Key
					newRow = false
				}
				if newFam {
					chunk.FamilyName = wrapperspb.String(fam.Name)
					newFam = false
				}
				if newCol {
					chunk.Qualifier = wrapperspb.Bytes(col.Qualifier)
					newCol = false
				}
				cb.addCellValue(chunk, cell.Value)
			}
		}
	}
	if len(cb.chunks) == start {
		return false
	}
	// A chunk with just COMMIT set would imply a new empty cell, so the
	// commit marker rides on the row's last chunk.
	cb.chunks[len(cb.chunks)-1].RowStatus = &btpb.ReadRowsResponse_CellChunk_CommitRow{CommitRow: true}
	return true
}

// addCellValue attaches the cell value to the chunk, splitting oversized
// values into continuation chunks. Continuation chunks carry only the value
// fragment; the final fragment has ValueSize zero.
func (cb *chunkBuilder) addCellValue(chunk *btpb.ReadRowsResponse_CellChunk, value []byte) {
	if len(value) <= maxChunkBytes {
		chunk.Value = value
		cb.chunks = append(cb.chunks, chunk)
		return
	}

	total := int32(len(value))
	chunk.Value = value[:maxChunkBytes]
	chunk.ValueSize = total
	cb.chunks = append(cb.chunks, chunk)
	for off := maxChunkBytes; off < len(value); off += maxChunkBytes {
		end := off + maxChunkBytes
		cont := &btpb.ReadRowsResponse_CellChunk{}
		if end >= len(value) {
			end = len(value)
		} else {
			cont.ValueSize = total
		}
		cont.Value = value[off:end]
		cb.chunks = append(cb.chunks, cont)
	}
}
