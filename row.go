package tinytable

// A Row of data for a single row key. The map is keyed by column family; the
// items of a family are grouped by column in ascending column order, and the
// cells of one column are ordered by descending timestamp (newest first).
// Rows returned by reads are finalized and must not be mutated.
type Row map[string][]ReadItem

// Key returns the key of this row, or "" for an empty row.
func (r Row) Key() string {
	for _, items := range r {
		if len(items) > 0 {
			return items[0].Row
		}
	}
	return ""
}

// Cells returns the cells stored under the given family and qualifier, newest
// first. A nil result means the column is not present in the row; callers
// that need to distinguish "absent" from "present but empty" can rely on the
// invariant that a present column always has at least one cell.
func (r Row) Cells(family, qualifier string) []ReadItem {
	column := family + ":" + qualifier
	var items []ReadItem
	for _, ri := range r[family] {
		if ri.Column == column {
			items = append(items, ri)
		}
	}
	return items
}

// A ReadItem is a single cell of a row. Column is the family name, a colon,
// and the qualifier. Labels carries labels attached by a LabelFilter; it is
// nil for cells that passed through no labelling filter.
type ReadItem struct {
	Row, Column string
	Timestamp   Timestamp
	Value       []byte
	Labels      []string
}
