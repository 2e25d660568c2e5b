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
	"math/rand"
	"regexp"
	"sort"
	"time"

	"github.com/rs/zerolog"
	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"rsc.io/binaryregexp"
)

var validLabelTransformer = regexp.MustCompile(`^[a-z0-9\-]{1,15}$`)

// filterRow modifies a row with the given filter. Returns true if at least
// one cell from the row matches, false otherwise. If a filter is invalid,
// filterRow returns false and an error.
func filterRow(log zerolog.Logger, f *btpb.RowFilter, r *btpb.Row) (bool, error) {
	if f == nil {
		return true, nil
	}
	// Handle filters that apply beyond just including/excluding cells.
	switch f := f.Filter.(type) {
	case *btpb.RowFilter_BlockAllFilter:
		if !f.BlockAllFilter {
			return false, status.Errorf(codes.InvalidArgument, "block_all_filter must be true if set")
		}
		return false, nil
	case *btpb.RowFilter_PassAllFilter:
		if !f.PassAllFilter {
			return false, status.Errorf(codes.InvalidArgument, "pass_all_filter must be true if set")
		}
		return true, nil
	case *btpb.RowFilter_Chain_:
		if len(f.Chain.Filters) < 2 {
			return false, status.Errorf(codes.InvalidArgument, "Chain must contain at least two RowFilters")
		}
		for _, sub := range f.Chain.Filters {
			match, err := filterRow(log, sub, r)
			if err != nil {
				return false, err
			}
			if !match {
				return false, nil
			}
		}
		return true, nil
	case *btpb.RowFilter_Interleave_:
		if len(f.Interleave.Filters) < 2 {
			return false, status.Errorf(codes.InvalidArgument, "Interleave must contain at least two RowFilters")
		}
		// Each branch filters its own copy of the row; the surviving cells
		// are merged back without deduplication, so a cell matched by two
		// branches appears twice.
		srs := make([]*btpb.Row, 0, len(f.Interleave.Filters))
		for _, sub := range f.Interleave.Filters {
			sr := copyRow(r)
			match, err := filterRow(log, sub, sr)
			if err != nil {
				return false, err
			}
			if match {
				srs = append(srs, sr)
			}
		}
		r.Families = nil
		for _, sr := range srs {
			for _, fam := range sr.Families {
				f := getOrCreateFamily(r, fam.Name)
				for _, col := range fam.Columns {
					c := getOrCreateColumn(f, col.Qualifier)
					c.Cells = append(c.Cells, col.Cells...)
				}
			}
		}
		var count int
		for _, fam := range r.Families {
			for _, col := range fam.Columns {
				sort.Stable(byDescTS(col.Cells))
				count += len(col.Cells)
			}
		}
		return count > 0, nil
	case *btpb.RowFilter_CellsPerColumnLimitFilter:
		lim := int(f.CellsPerColumnLimitFilter)
		for _, fam := range r.Families {
			for _, col := range fam.Columns {
				if len(col.Cells) > lim {
					col.Cells = col.Cells[:lim]
				}
			}
		}
		return true, nil
	case *btpb.RowFilter_Condition_:
		match, err := filterRow(log, f.Condition.PredicateFilter, copyRow(r))
		if err != nil {
			return false, err
		}
		if match {
			if f.Condition.TrueFilter == nil {
				return false, nil
			}
			return filterRow(log, f.Condition.TrueFilter, r)
		}
		if f.Condition.FalseFilter == nil {
			return false, nil
		}
		return filterRow(log, f.Condition.FalseFilter, r)
	case *btpb.RowFilter_RowKeyRegexFilter:
		rx, err := newRegexp(log, f.RowKeyRegexFilter)
		if err != nil {
			return false, status.Errorf(codes.InvalidArgument, "error in field 'rowkey_regex_filter': %v", err)
		}
		if !rx.Match(r.Key) {
			return false, nil
		}
	case *btpb.RowFilter_CellsPerRowLimitFilter:
		// Grab the first n cells in the row.
		lim := int(f.CellsPerRowLimitFilter)
		for _, fam := range r.Families {
			for _, col := range fam.Columns {
				if len(col.Cells) > lim {
					col.Cells = col.Cells[:lim]
					lim = 0
				} else {
					lim -= len(col.Cells)
				}
			}
		}
		return true, nil
	case *btpb.RowFilter_CellsPerRowOffsetFilter:
		// Skip the first n cells in the row.
		offset := int(f.CellsPerRowOffsetFilter)
		for _, fam := range r.Families {
			for _, col := range fam.Columns {
				if len(col.Cells) > offset {
					col.Cells = col.Cells[offset:]
					return true, nil
				}
				offset -= len(col.Cells)
				col.Cells = col.Cells[:0]
			}
		}
		return true, nil
	case *btpb.RowFilter_RowSampleFilter:
		// The row sample filter matches all cells from a row with probability
		// p, and matches no cells from the row with probability 1-p.
		if f.RowSampleFilter <= 0.0 || f.RowSampleFilter >= 1.0 {
			return false, status.Error(codes.InvalidArgument, "row_sample_filter argument must be between 0.0 and 1.0")
		}
		return randFloat() < f.RowSampleFilter, nil
	}

	// Any other case, operate on a per-cell basis.
	cellCount := 0
	for _, fam := range r.Families {
		for _, col := range fam.Columns {
			filtered, err := filterCells(log, f, fam.Name, col.Qualifier, col.Cells)
			if err != nil {
				return false, err
			}
			col.Cells = filtered
			cellCount += len(col.Cells)
		}
	}
	return cellCount > 0, nil
}

var randFloat = rand.Float64

func filterCells(log zerolog.Logger, f *btpb.RowFilter, fam string, col []byte, cs []*btpb.Cell) ([]*btpb.Cell, error) {
	var ret []*btpb.Cell
	for _, cell := range cs {
		include, err := includeCell(log, f, fam, col, cell)
		if err != nil {
			return nil, err
		}
		if include {
			cell, err = modifyCell(f, cell)
			if err != nil {
				return nil, err
			}
			ret = append(ret, cell)
		}
	}
	return ret, nil
}

// modifyCell applies any filter that transforms cell contents rather than
// including or excluding cells.
func modifyCell(f *btpb.RowFilter, c *btpb.Cell) (*btpb.Cell, error) {
	if f == nil {
		return c, nil
	}
	switch filter := f.Filter.(type) {
	case *btpb.RowFilter_StripValueTransformer:
		return &btpb.Cell{TimestampMicros: c.TimestampMicros}, nil
	case *btpb.RowFilter_ApplyLabelTransformer:
		if !validLabelTransformer.MatchString(filter.ApplyLabelTransformer) {
			return &btpb.Cell{}, status.Errorf(
				codes.InvalidArgument,
				`apply_label_transformer must match RE2([a-z0-9\-]+), but found %v`,
				filter.ApplyLabelTransformer,
			)
		}
		return &btpb.Cell{
			TimestampMicros: c.TimestampMicros,
			Value:           c.Value,
			Labels:          []string{filter.ApplyLabelTransformer},
		}, nil
	default:
		return c, nil
	}
}

func includeCell(log zerolog.Logger, f *btpb.RowFilter, fam string, col []byte, cell *btpb.Cell) (bool, error) {
	if f == nil {
		return true, nil
	}
	switch f := f.Filter.(type) {
	case *btpb.RowFilter_CellsPerColumnLimitFilter:
		// Row-level filter, handled above.
		return true, nil
	case *btpb.RowFilter_RowKeyRegexFilter:
		// Row-level filter, handled above.
		return true, nil
	case *btpb.RowFilter_StripValueTransformer:
		// Cell-modifying filter, handled in modifyCell.
		return true, nil
	case *btpb.RowFilter_ApplyLabelTransformer:
		// Cell-modifying filter, handled in modifyCell.
		return true, nil
	default:
		log.Warn().Msgf("unhandled filter type %T (ignoring it)", f)
		return true, nil
	case *btpb.RowFilter_FamilyNameRegexFilter:
		rx, err := newRegexp(log, []byte(f.FamilyNameRegexFilter))
		if err != nil {
			return false, status.Errorf(codes.InvalidArgument, "error in field 'family_name_regex_filter': %v", err)
		}
		return rx.MatchString(fam), nil
	case *btpb.RowFilter_ColumnQualifierRegexFilter:
		rx, err := newRegexp(log, f.ColumnQualifierRegexFilter)
		if err != nil {
			return false, status.Errorf(codes.InvalidArgument, "error in field 'column_qualifier_regex_filter': %v", err)
		}
		return rx.Match(col), nil
	case *btpb.RowFilter_ValueRegexFilter:
		rx, err := newRegexp(log, f.ValueRegexFilter)
		if err != nil {
			return false, status.Errorf(codes.InvalidArgument, "error in field 'value_regex_filter': %v", err)
		}
		return rx.Match(cell.Value), nil
	case *btpb.RowFilter_ColumnRangeFilter:
		if fam != f.ColumnRangeFilter.FamilyName {
			return false, nil
		}
		// Start qualifier defaults to the empty string, closed.
		inRangeStart := func() bool { return bytes.Compare(col, nil) >= 0 }
		switch sq := f.ColumnRangeFilter.StartQualifier.(type) {
		case *btpb.ColumnRange_StartQualifierOpen:
			inRangeStart = func() bool { return bytes.Compare(col, sq.StartQualifierOpen) > 0 }
		case *btpb.ColumnRange_StartQualifierClosed:
			inRangeStart = func() bool { return bytes.Compare(col, sq.StartQualifierClosed) >= 0 }
		}
		// End qualifier defaults to no upper boundary.
		inRangeEnd := func() bool { return true }
		switch eq := f.ColumnRangeFilter.EndQualifier.(type) {
		case *btpb.ColumnRange_EndQualifierClosed:
			inRangeEnd = func() bool { return bytes.Compare(col, eq.EndQualifierClosed) <= 0 }
		case *btpb.ColumnRange_EndQualifierOpen:
			inRangeEnd = func() bool { return bytes.Compare(col, eq.EndQualifierOpen) < 0 }
		}
		return inRangeStart() && inRangeEnd(), nil
	case *btpb.RowFilter_TimestampRangeFilter:
		// Only millisecond precision is supported.
		if f.TimestampRangeFilter.StartTimestampMicros%int64(time.Millisecond/time.Microsecond) != 0 || f.TimestampRangeFilter.EndTimestampMicros%int64(time.Millisecond/time.Microsecond) != 0 {
			return false, status.Errorf(codes.InvalidArgument, "error in field 'timestamp_range_filter': maximum precision allowed in filter is millisecond. Got start: %v end: %v", f.TimestampRangeFilter.StartTimestampMicros, f.TimestampRangeFilter.EndTimestampMicros)
		}
		// Lower bound is inclusive and defaults to 0, upper bound is
		// exclusive and defaults to infinity.
		return cell.TimestampMicros >= f.TimestampRangeFilter.StartTimestampMicros &&
			(f.TimestampRangeFilter.EndTimestampMicros == 0 || cell.TimestampMicros < f.TimestampRangeFilter.EndTimestampMicros), nil
	case *btpb.RowFilter_ValueRangeFilter:
		v := cell.Value
		// Start value defaults to the empty string, closed.
		inRangeStart := func() bool { return bytes.Compare(v, []byte{}) >= 0 }
		switch sv := f.ValueRangeFilter.StartValue.(type) {
		case *btpb.ValueRange_StartValueOpen:
			inRangeStart = func() bool { return bytes.Compare(v, sv.StartValueOpen) > 0 }
		case *btpb.ValueRange_StartValueClosed:
			inRangeStart = func() bool { return bytes.Compare(v, sv.StartValueClosed) >= 0 }
		}
		// End value defaults to no upper boundary.
		inRangeEnd := func() bool { return true }
		switch ev := f.ValueRangeFilter.EndValue.(type) {
		case *btpb.ValueRange_EndValueClosed:
			inRangeEnd = func() bool { return bytes.Compare(v, ev.EndValueClosed) <= 0 }
		case *btpb.ValueRange_EndValueOpen:
			inRangeEnd = func() bool { return bytes.Compare(v, ev.EndValueOpen) < 0 }
		}
		return inRangeStart() && inRangeEnd(), nil
	}
}

// escapeUTF escapes non-ASCII bytes in pattern strings passed to
// binaryregexp. Patterns arrive as raw bytes; escaping keeps byte-wise
// matching consistent for multi-byte characters.
func escapeUTF(in []byte) []byte {
	var toEsc int
	for _, c := range in {
		if c > 127 {
			toEsc++
		}
	}
	if toEsc == 0 {
		return in
	}
	// Each escaped byte becomes 4 bytes (byte a1 becomes \xA1)
	out := make([]byte, 0, len(in)+3*toEsc)
	for _, c := range in {
		if c > 127 {
			h, l := c>>4, c&0xF
			const conv = "0123456789ABCDEF"
			out = append(out, '\\', 'x', conv[h], conv[l])
		} else {
			out = append(out, c)
		}
	}
	return out
}

func newRegexp(log zerolog.Logger, pat []byte) (*binaryregexp.Regexp, error) {
	re, err := binaryregexp.Compile("^(?:" + string(escapeUTF(pat)) + ")$") // match entire target
	if err != nil {
		log.Warn().Err(err).Bytes("pattern", pat).Msg("bad filter pattern")
	}
	return re, err
}
