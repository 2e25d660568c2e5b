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
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	btapb "google.golang.org/genproto/googleapis/bigtable/admin/v2"
	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
)

const (
	// MilliSeconds field of the minimum valid Timestamp.
	minValidMilliSeconds = 0

	// MilliSeconds field of the max valid Timestamp.
	// Must match the max value of type TimestampMicros (int64)
	// truncated to the millis granularity by subtracting a remainder of 1000.
	maxValidMilliSeconds = math.MaxInt64 - math.MaxInt64%1000
)

type table struct {
	mu   sync.RWMutex
	def  *btapb.Table
	rows Rows // indexed by row key

	lastReadNanos  int64 // atomic, time in nanos on the real system clock
	lastWriteNanos int64 // atomic, time in nanos on the real system clock
}

func newTable(tbl *btapb.Table, rows Rows) *table {
	if tbl.ColumnFamilies == nil {
		tbl.ColumnFamilies = map[string]*btapb.ColumnFamily{}
	}
	realNow := time.Now().UnixNano()
	return &table{
		def:            tbl,
		lastReadNanos:  realNow,
		lastWriteNanos: realNow,
		rows:           rows,
	}
}

func (t *table) cols() map[string]*btapb.ColumnFamily {
	return t.def.ColumnFamilies
}

func (t *table) validTimestamp(ts int64) bool {
	if ts < minValidMilliSeconds || ts > maxValidMilliSeconds {
		return false
	}

	// Millisecond granularity is required.
	return ts%1000 == 0
}

// Must hold table lock.
func (t *table) getOrCreateRow(key keyType) *btpb.Row {
	r := t.rows.Get(key)
	if r != nil {
		return r
	}
	return &btpb.Row{Key: key}
}

// updateRow writes back a modified row, removing it entirely if no cells
// remain. Must hold table lock.
func (t *table) updateRow(r *btpb.Row) {
	r, _ = scrubRow(r, t.cols())
	if len(r.Families) == 0 {
		t.rows.Delete(r.Key)
	} else {
		t.rows.ReplaceOrInsert(r)
	}
}

// gc runs the table's GC rules over all rows. Unless forced, it only runs on
// tables that have been written to and then left alone for a while.
func (t *table) gc(now time.Time, log zerolog.Logger, done <-chan struct{}, force bool) {
	if !force {
		const quiesceNanos = int64(5 * time.Minute)
		lr := atomic.LoadInt64(&t.lastReadNanos)
		lw := atomic.LoadInt64(&t.lastWriteNanos)
		realNow := time.Now().UnixNano()
		if lw == 0 || realNow-lw < quiesceNanos || realNow-lr < quiesceNanos {
			return
		}
	}

	defer atomic.StoreInt64(&t.lastWriteNanos, 0) // mark GC done

	t.mu.Lock()
	defer t.mu.Unlock()

	rules := make(map[string]*btapb.GcRule) // keyed by family
	for fam, cf := range t.cols() {
		if cf.GcRule != nil {
			rules[fam] = cf.GcRule
		}
	}
	if len(rules) == 0 {
		return
	}

	i := 0
	t.rows.Ascend(func(r *btpb.Row) bool {
		changed := false
		for _, fam := range r.Families {
			gcRule := rules[fam.Name]
			if gcRule != nil {
				for _, col := range fam.Columns {
					n := len(col.Cells)
					col.Cells = applyGC(col.Cells, gcRule, now, log)
					changed = changed || n != len(col.Cells)
				}
			}
		}
		if changed {
			r, _ := scrubRow(r, t.cols())
			t.rows.ReplaceOrInsert(r)
		}
		i++
		if i%100 != 0 {
			return true
		}

		// Reverse lock; check if we should exit.
		t.mu.Unlock()
		defer t.mu.Lock()
		select {
		case <-done:
			return false
		default:
			return true
		}
	})
}

// read stamps the table's last read time, monotonically.
func (t *table) read() {
	now := time.Now().UnixNano()
	for {
		old := atomic.LoadInt64(&t.lastReadNanos)
		if now < old {
			return
		}
		if atomic.CompareAndSwapInt64(&t.lastReadNanos, old, now) {
			return
		}
	}
}

// write stamps the table's last write time, monotonically.
func (t *table) write() {
	now := time.Now().UnixNano()
	for {
		old := atomic.LoadInt64(&t.lastWriteNanos)
		if now < old {
			return
		}
		if atomic.CompareAndSwapInt64(&t.lastWriteNanos, old, now) {
			return
		}
	}
}

// applyGC applies the given GC rule to the cells. Cells are in descending
// timestamp order.
func applyGC(cells []*btpb.Cell, rule *btapb.GcRule, now time.Time, log zerolog.Logger) []*btpb.Cell {
	switch rule := rule.Rule.(type) {
	default:
		log.Warn().Msgf("unsupported GC rule type %T", rule)
	case *btapb.GcRule_Union_:
		for _, sub := range rule.Union.Rules {
			cells = applyGC(cells, sub, now, log)
		}
		return cells
	case *btapb.GcRule_Intersection_:
		// A cell is collected only if every sub-rule would collect it. Each
		// sub-rule keeps a prefix of the descending-timestamp cells, so the
		// intersection keeps the longest such prefix.
		survivors := 0
		for _, sub := range rule.Intersection.Rules {
			kept := applyGC(append([]*btpb.Cell(nil), cells...), sub, now, log)
			if len(kept) > survivors {
				survivors = len(kept)
			}
		}
		return cells[:survivors]
	case *btapb.GcRule_MaxAge:
		// Timestamps are in microseconds.
		cutoff := now.UnixNano() / 1e3
		cutoff -= rule.MaxAge.Seconds * 1e6
		cutoff -= int64(rule.MaxAge.Nanos) / 1e3
		// sort.Search returns the index of the first cell chronologically
		// before the cutoff.
		si := sort.Search(len(cells), func(i int) bool { return cells[i].TimestampMicros < cutoff })
		if si < len(cells) {
			log.Debug().Dur("maxAge", rule.MaxAge.AsDuration()).Int("cells", len(cells)-si).Msg("gc deleted cells")
		}
		return cells[:si]
	case *btapb.GcRule_MaxNumVersions:
		n := int(rule.MaxNumVersions)
		if len(cells) > n {
			cells = cells[:n]
		}
		return cells
	}
	return cells
}

// Remove empty families / columns.
func scrubRow(r *btpb.Row, cols map[string]*btapb.ColumnFamily) (*btpb.Row, bool) {
	n := len(r.Families)
	wIdx := 0
	didChange := false
	for _, f := range r.Families {
		if cols[f.Name] == nil {
			continue
		}
		var changed bool
		f, changed = scrubFam(f)
		didChange = didChange || changed
		if len(f.Columns) > 0 {
			r.Families[wIdx] = f
			wIdx++
		}
	}
	r.Families = r.Families[:wIdx]
	return r, n != wIdx || didChange
}

// Remove empty columns, and keep column order deterministic.
func scrubFam(f *btpb.Family) (*btpb.Family, bool) {
	n := len(f.Columns)
	wIdx := 0
	for _, c := range f.Columns {
		if len(c.Cells) > 0 {
			f.Columns[wIdx] = c
			wIdx++
		}
	}
	f.Columns = f.Columns[:wIdx]
	sort.Slice(f.Columns, func(i, j int) bool {
		return bytes.Compare(f.Columns[i].Qualifier, f.Columns[j].Qualifier) < 0
	})
	return f, n != wIdx
}

func maxTimestamp(x, y int64) int64 {
	if x > y {
		return x
	}
	return y
}

func newTimestamp(now time.Time) int64 {
	ts := now.UnixNano() / 1e3
	ts -= ts % 1000 // round to millisecond granularity
	return ts
}

// appendOrReplaceCell inserts a cell, replacing any existing cell with the
// same timestamp, and keeps cells in descending timestamp order.
func appendOrReplaceCell(cs []*btpb.Cell, newCell *btpb.Cell) []*btpb.Cell {
	replaced := false
	for i, cell := range cs {
		if cell.TimestampMicros == newCell.TimestampMicros {
			cs[i] = newCell
			replaced = true
			break
		}
	}
	if !replaced {
		cs = append(cs, newCell)
	}
	sort.Sort(byDescTS(cs))
	return cs
}

// copyRow returns a copy of the row. Cell values are aliased.
func copyRow(r *btpb.Row) *btpb.Row {
	nr := &btpb.Row{Key: r.Key}
	for _, fam := range r.Families {
		f := &btpb.Family{
			Name: fam.Name,
		}
		for _, col := range fam.Columns {
			// Copy the cell slice, but not the []byte inside each cell.
			f.Columns = append(f.Columns, &btpb.Column{
				Qualifier: col.Qualifier,
				Cells:     append([]*btpb.Cell{}, col.Cells...),
			})
		}
		nr.Families = append(nr.Families, f)
	}
	return nr
}

// isEmpty returns true if a row doesn't contain any cell.
func isEmpty(r *btpb.Row) bool {
	for _, fam := range r.Families {
		for _, cs := range fam.Columns {
			if len(cs.Cells) > 0 {
				return false
			}
		}
	}
	return true
}

func getFamily(r *btpb.Row, name string) *btpb.Family {
	for _, fam := range r.Families {
		if fam.Name == name {
			return fam
		}
	}
	return nil
}

func getOrCreateFamily(r *btpb.Row, name string) *btpb.Family {
	if fam := getFamily(r, name); fam != nil {
		return fam
	}
	fam := &btpb.Family{Name: name}
	r.Families = append(r.Families, fam)
	return fam
}

func getColumn(fam *btpb.Family, name []byte) *btpb.Column {
	for _, col := range fam.Columns {
		if bytes.Equal(col.Qualifier, name) {
			return col
		}
	}
	return nil
}

func getOrCreateColumn(fam *btpb.Family, name []byte) *btpb.Column {
	if col := getColumn(fam, name); col != nil {
		return col
	}
	col := &btpb.Column{Qualifier: name}
	fam.Columns = append(fam.Columns, col)
	return col
}

// rowsize returns the total size of all cell values in the row.
func rowsize(r *btpb.Row) int {
	size := 0
	for _, fam := range r.Families {
		for _, col := range fam.Columns {
			for _, cell := range col.Cells {
				size += len(cell.Value)
			}
		}
	}
	return size
}

type byDescTS []*btpb.Cell

func (b byDescTS) Len() int           { return len(b) }
func (b byDescTS) Swap(i, j int)      { b[i], b[j] = b[j], b[i] }
func (b byDescTS) Less(i, j int) bool { return b[i].TimestampMicros > b[j].TimestampMicros }
