package tinytable

import (
	"fmt"
	"strings"
	"time"

	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
)

// A Filter shapes the cells returned by a read. Filters are immutable trees
// built from the constructors in this file and lowered to the wire request as
// a pure function of their parameters; two filters are interchangeable iff
// they lower to the same wire representation.
type Filter interface {
	String() string
	proto() *btpb.RowFilter
}

// PassAllFilter returns a filter that matches every cell.
func PassAllFilter() Filter { return passAllFilter{} }

type passAllFilter struct{}

func (passAllFilter) String() string { return "passall()" }
func (passAllFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_PassAllFilter{PassAllFilter: true}}
}

// BlockAllFilter returns a filter that matches no cells.
func BlockAllFilter() Filter { return blockAllFilter{} }

type blockAllFilter struct{}

func (blockAllFilter) String() string { return "blockall()" }
func (blockAllFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_BlockAllFilter{BlockAllFilter: true}}
}

// ChainFilters returns a filter that applies a sequence of filters in order,
// each consuming the output of the previous one.
func ChainFilters(sub ...Filter) Filter { return chainFilter{sub} }

type chainFilter struct {
	sub []Filter
}

func (cf chainFilter) String() string {
	var ss []string
	for _, sf := range cf.sub {
		ss = append(ss, sf.String())
	}
	return "(" + strings.Join(ss, " | ") + ")"
}

func (cf chainFilter) proto() *btpb.RowFilter {
	chain := &btpb.RowFilter_Chain{}
	for _, sf := range cf.sub {
		chain.Filters = append(chain.Filters, sf.proto())
	}
	return &btpb.RowFilter{Filter: &btpb.RowFilter_Chain_{Chain: chain}}
}

// InterleaveFilters returns a filter that applies each of its subfilters to
// the same input independently and merges the results. The merge does not
// deduplicate: a cell matching several branches appears once per matching
// branch, each occurrence carrying whatever transforms that branch applied.
func InterleaveFilters(sub ...Filter) Filter { return interleaveFilter{sub} }

type interleaveFilter struct {
	sub []Filter
}

func (ilf interleaveFilter) String() string {
	var ss []string
	for _, sf := range ilf.sub {
		ss = append(ss, sf.String())
	}
	return "(" + strings.Join(ss, " + ") + ")"
}

func (ilf interleaveFilter) proto() *btpb.RowFilter {
	inter := &btpb.RowFilter_Interleave{}
	for _, sf := range ilf.sub {
		inter.Filters = append(inter.Filters, sf.proto())
	}
	return &btpb.RowFilter{Filter: &btpb.RowFilter_Interleave_{Interleave: inter}}
}

// RowKeyFilter returns a filter that matches cells from rows whose key
// matches the provided RE2 pattern. The pattern must match the entire key.
func RowKeyFilter(pattern string) Filter { return rowKeyFilter(pattern) }

type rowKeyFilter string

func (rkf rowKeyFilter) String() string { return fmt.Sprintf("row(%s)", string(rkf)) }
func (rkf rowKeyFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_RowKeyRegexFilter{RowKeyRegexFilter: []byte(rkf)}}
}

// FamilyFilter returns a filter that matches cells whose family name matches
// the provided RE2 pattern.
func FamilyFilter(pattern string) Filter { return familyFilter(pattern) }

type familyFilter string

func (ff familyFilter) String() string { return fmt.Sprintf("family(%s)", string(ff)) }
func (ff familyFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_FamilyNameRegexFilter{FamilyNameRegexFilter: string(ff)}}
}

// ColumnFilter returns a filter that matches cells whose column qualifier
// matches the provided RE2 pattern. The pattern must match the qualifier in
// its entirety.
func ColumnFilter(pattern string) Filter { return columnFilter(pattern) }

type columnFilter string

func (cf columnFilter) String() string { return fmt.Sprintf("col(%s)", string(cf)) }
func (cf columnFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_ColumnQualifierRegexFilter{ColumnQualifierRegexFilter: []byte(cf)}}
}

// ValueFilter returns a filter that matches cells whose value matches the
// provided RE2 pattern.
func ValueFilter(pattern string) Filter { return valueFilter(pattern) }

type valueFilter string

func (vf valueFilter) String() string { return fmt.Sprintf("value_match(%s)", string(vf)) }
func (vf valueFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_ValueRegexFilter{ValueRegexFilter: []byte(vf)}}
}

// LatestNFilter returns a filter that keeps the n most recent cells of every
// column.
func LatestNFilter(n int) Filter { return latestNFilter(n) }

type latestNFilter int32

func (lnf latestNFilter) String() string { return fmt.Sprintf("col(*,%d)", lnf) }
func (lnf latestNFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_CellsPerColumnLimitFilter{CellsPerColumnLimitFilter: int32(lnf)}}
}

// StripValueFilter returns a filter that replaces every value with the empty
// string.
func StripValueFilter() Filter { return stripValueFilter{} }

type stripValueFilter struct{}

func (stripValueFilter) String() string { return "strip_value()" }
func (stripValueFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_StripValueTransformer{StripValueTransformer: true}}
}

// LabelFilter returns a filter that applies the given label to every matched
// cell. A label must match [a-z0-9\-]{1,15}. Cells carrying different labels
// can only be combined through InterleaveFilters: the server rejects chains
// that would attach two labels to one cell.
func LabelFilter(label string) Filter { return labelFilter(label) }

type labelFilter string

func (lf labelFilter) String() string { return fmt.Sprintf("label(%s)", string(lf)) }
func (lf labelFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_ApplyLabelTransformer{ApplyLabelTransformer: string(lf)}}
}

// TimestampRangeFilter returns a filter that matches cells whose timestamp is
// within the half-open interval [start, end). A zero time means unbounded.
func TimestampRangeFilter(start, end time.Time) Filter {
	trf := timestampRangeFilter{}
	if !start.IsZero() {
		trf.start = Time(start)
	}
	if !end.IsZero() {
		trf.end = Time(end)
	}
	return trf
}

// TimestampRangeFilterMicros is TimestampRangeFilter taking microseconds.
// A zero Timestamp means unbounded.
func TimestampRangeFilterMicros(start, end Timestamp) Filter {
	return timestampRangeFilter{start, end}
}

type timestampRangeFilter struct {
	start Timestamp
	end   Timestamp
}

func (trf timestampRangeFilter) String() string {
	return fmt.Sprintf("timestamp_range(%d,%d)", trf.start, trf.end)
}

func (trf timestampRangeFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{
		Filter: &btpb.RowFilter_TimestampRangeFilter{TimestampRangeFilter: &btpb.TimestampRange{
			StartTimestampMicros: int64(trf.start.TruncateToMilliseconds()),
			EndTimestampMicros:   int64(trf.end.TruncateToMilliseconds()),
		}}}
}

// ColumnRangeFilter returns a filter that matches cells in the given family
// whose qualifier is in the half-open range [start, end). An empty start is
// unbounded below; an empty end is unbounded above.
func ColumnRangeFilter(family, start, end string) Filter {
	return columnRangeFilter{family, start, end}
}

type columnRangeFilter struct {
	family string
	start  string
	end    string
}

func (crf columnRangeFilter) String() string {
	return fmt.Sprintf("columnRangeFilter(%s,%s,%s)", crf.family, crf.start, crf.end)
}

func (crf columnRangeFilter) proto() *btpb.RowFilter {
	r := &btpb.ColumnRange{FamilyName: crf.family}
	if crf.start != "" {
		r.StartQualifier = &btpb.ColumnRange_StartQualifierClosed{StartQualifierClosed: []byte(crf.start)}
	}
	if crf.end != "" {
		r.EndQualifier = &btpb.ColumnRange_EndQualifierOpen{EndQualifierOpen: []byte(crf.end)}
	}
	return &btpb.RowFilter{Filter: &btpb.RowFilter_ColumnRangeFilter{ColumnRangeFilter: r}}
}

// ValueRangeFilter returns a filter that matches cells whose value is in the
// half-open range [start, end). A nil start is unbounded below; a nil end is
// unbounded above.
func ValueRangeFilter(start, end []byte) Filter {
	return valueRangeFilter{start, end}
}

type valueRangeFilter struct {
	start []byte
	end   []byte
}

func (vrf valueRangeFilter) String() string {
	return fmt.Sprintf("valueRangeFilter(%q,%q)", vrf.start, vrf.end)
}

func (vrf valueRangeFilter) proto() *btpb.RowFilter {
	r := &btpb.ValueRange{}
	if vrf.start != nil {
		r.StartValue = &btpb.ValueRange_StartValueClosed{StartValueClosed: vrf.start}
	}
	if vrf.end != nil {
		r.EndValue = &btpb.ValueRange_EndValueOpen{EndValueOpen: vrf.end}
	}
	return &btpb.RowFilter{Filter: &btpb.RowFilter_ValueRangeFilter{ValueRangeFilter: r}}
}

// ConditionFilter returns a filter that evaluates a predicate filter against
// a copy of the row: if it matches any cell, trueFilter is applied to the
// row, otherwise falseFilter is. Either branch may be nil, meaning "emit no
// cells".
func ConditionFilter(predicateFilter, trueFilter, falseFilter Filter) Filter {
	return conditionFilter{predicateFilter, trueFilter, falseFilter}
}

type conditionFilter struct {
	predicateFilter Filter
	trueFilter      Filter
	falseFilter     Filter
}

func (cf conditionFilter) String() string {
	return fmt.Sprintf("conditionFilter(%s,%s,%s)", cf.predicateFilter, cf.trueFilter, cf.falseFilter)
}

func (cf conditionFilter) proto() *btpb.RowFilter {
	var tf *btpb.RowFilter
	var ff *btpb.RowFilter
	if cf.trueFilter != nil {
		tf = cf.trueFilter.proto()
	}
	if cf.falseFilter != nil {
		ff = cf.falseFilter.proto()
	}
	return &btpb.RowFilter{
		Filter: &btpb.RowFilter_Condition_{Condition: &btpb.RowFilter_Condition{
			PredicateFilter: cf.predicateFilter.proto(),
			TrueFilter:      tf,
			FalseFilter:     ff,
		}}}
}

// CellsPerRowLimitFilter returns a filter that keeps only the first n cells
// of each row.
func CellsPerRowLimitFilter(n int) Filter { return cellsPerRowLimitFilter(n) }

type cellsPerRowLimitFilter int32

func (cf cellsPerRowLimitFilter) String() string { return fmt.Sprintf("cells_per_row_limit(%d)", cf) }
func (cf cellsPerRowLimitFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_CellsPerRowLimitFilter{CellsPerRowLimitFilter: int32(cf)}}
}

// CellsPerRowOffsetFilter returns a filter that skips the first n cells of
// each row.
func CellsPerRowOffsetFilter(n int) Filter { return cellsPerRowOffsetFilter(n) }

type cellsPerRowOffsetFilter int32

func (cof cellsPerRowOffsetFilter) String() string {
	return fmt.Sprintf("cells_per_row_offset(%d)", cof)
}
func (cof cellsPerRowOffsetFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_CellsPerRowOffsetFilter{CellsPerRowOffsetFilter: int32(cof)}}
}

// RowSampleFilter returns a filter that matches an entire row with the given
// probability, which must be in the open interval (0.0, 1.0).
func RowSampleFilter(p float64) Filter { return rowSampleFilter(p) }

type rowSampleFilter float64

func (rsf rowSampleFilter) String() string { return fmt.Sprintf("filter_sample(%f)", rsf) }
func (rsf rowSampleFilter) proto() *btpb.RowFilter {
	return &btpb.RowFilter{Filter: &btpb.RowFilter_RowSampleFilter{RowSampleFilter: float64(rsf)}}
}
