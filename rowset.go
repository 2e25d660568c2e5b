package tinytable

import (
	"fmt"
	"strconv"

	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
)

// RowSet is a set of rows to read. It is satisfied by RowList, RowRange,
// RowRangeList and RowSelection. A nil RowSet reads the whole table.
type RowSet interface {
	proto() *btpb.RowSet

	// retainRowsAfter returns a RowSet that excludes the given row key and
	// everything lexicographically at or below it. Used to rescope a scan
	// when resuming after a transient stream failure.
	retainRowsAfter(lastRowKey string) RowSet

	// valid reports whether this set can cover at least one row.
	valid() bool
}

// RowList is a sequence of explicit row keys.
type RowList []string

func (r RowList) proto() *btpb.RowSet {
	keys := make([][]byte, len(r))
	for i, row := range r {
		keys[i] = []byte(row)
	}
	return &btpb.RowSet{RowKeys: keys}
}

func (r RowList) retainRowsAfter(lastRowKey string) RowSet {
	var keys RowList
	for _, key := range r {
		if key > lastRowKey {
			keys = append(keys, key)
		}
	}
	return keys
}

func (r RowList) valid() bool {
	return len(r) > 0
}

// SingleRow returns a RowSet for reading a single row.
func SingleRow(row string) RowSet {
	return RowList{row}
}

type rangeBoundType int

const (
	rangeUnbounded rangeBoundType = iota
	rangeOpen
	rangeClosed
)

// A RowRange describes a range of rows between a start and an end key. Either
// bound may be open, closed or unbounded.
type RowRange struct {
	startBound rangeBoundType
	start      string
	endBound   rangeBoundType
	end        string
}

// NewRange returns the row range [begin, end): closed on the start key,
// open on the end key.
func NewRange(begin, end string) RowRange {
	return newRowRange(rangeClosed, begin, rangeOpen, end)
}

// NewClosedRange returns the row range [begin, end].
func NewClosedRange(begin, end string) RowRange {
	return newRowRange(rangeClosed, begin, rangeClosed, end)
}

// NewOpenRange returns the row range (begin, end).
func NewOpenRange(begin, end string) RowRange {
	return newRowRange(rangeOpen, begin, rangeOpen, end)
}

// NewOpenClosedRange returns the row range (begin, end].
func NewOpenClosedRange(begin, end string) RowRange {
	return newRowRange(rangeOpen, begin, rangeClosed, end)
}

// PrefixRange returns a RowRange covering all keys starting with the prefix.
func PrefixRange(prefix string) RowRange {
	return newRowRange(rangeClosed, prefix, rangeOpen, prefixSuccessor(prefix))
}

// InfiniteRange returns the RowRange of all keys at least as large as start.
func InfiniteRange(start string) RowRange {
	return newRowRange(rangeClosed, start, rangeUnbounded, "")
}

// newRowRange normalizes empty bound keys to unbounded, since an empty key
// also means unbounded on the wire.
func newRowRange(startBound rangeBoundType, start string, endBound rangeBoundType, end string) RowRange {
	if start == "" {
		startBound = rangeUnbounded
	}
	if end == "" {
		endBound = rangeUnbounded
	}
	return RowRange{
		startBound: startBound,
		start:      start,
		endBound:   endBound,
		end:        end,
	}
}

// Unbounded reports whether the range is unbounded on either side.
func (r RowRange) Unbounded() bool {
	return r.startBound == rangeUnbounded || r.endBound == rangeUnbounded
}

// Contains reports whether the range contains the given row key.
func (r RowRange) Contains(row string) bool {
	switch r.startBound {
	case rangeOpen:
		if r.start >= row {
			return false
		}
	case rangeClosed:
		if r.start > row {
			return false
		}
	}
	switch r.endBound {
	case rangeOpen:
		if r.end <= row {
			return false
		}
	case rangeClosed:
		if r.end < row {
			return false
		}
	}
	return true
}

// String gives a printable description of the range.
func (r RowRange) String() string {
	var startStr string
	switch r.startBound {
	case rangeOpen:
		startStr = "(" + strconv.Quote(r.start)
	case rangeClosed:
		startStr = "[" + strconv.Quote(r.start)
	case rangeUnbounded:
		startStr = "(∞"
	}

	var endStr string
	switch r.endBound {
	case rangeOpen:
		endStr = strconv.Quote(r.end) + ")"
	case rangeClosed:
		endStr = strconv.Quote(r.end) + "]"
	case rangeUnbounded:
		endStr = "∞)"
	}

	return fmt.Sprintf("%s,%s", startStr, endStr)
}

func (r RowRange) proto() *btpb.RowSet {
	return &btpb.RowSet{RowRanges: []*btpb.RowRange{r.rangeProto()}}
}

func (r RowRange) rangeProto() *btpb.RowRange {
	rr := &btpb.RowRange{}
	switch r.startBound {
	case rangeOpen:
		rr.StartKey = &btpb.RowRange_StartKeyOpen{StartKeyOpen: []byte(r.start)}
	case rangeClosed:
		rr.StartKey = &btpb.RowRange_StartKeyClosed{StartKeyClosed: []byte(r.start)}
	}
	switch r.endBound {
	case rangeOpen:
		rr.EndKey = &btpb.RowRange_EndKeyOpen{EndKeyOpen: []byte(r.end)}
	case rangeClosed:
		rr.EndKey = &btpb.RowRange_EndKeyClosed{EndKeyClosed: []byte(r.end)}
	}
	return rr
}

func (r RowRange) retainRowsAfter(lastRowKey string) RowSet {
	if lastRowKey == "" || lastRowKey < r.start {
		return r
	}
	return RowRange{
		// Resume from just past the last scanned key.
		startBound: rangeOpen,
		start:      lastRowKey,
		endBound:   r.endBound,
		end:        r.end,
	}
}

func (r RowRange) valid() bool {
	if r.Unbounded() {
		return true
	}
	// An open bound excludes its endpoint, so the range is only non-empty if
	// start is strictly below end. With both bounds closed, [a,a] is valid.
	if r.startBound == rangeOpen || r.endBound == rangeOpen {
		return r.start < r.end
	}
	return r.start <= r.end
}

// RowRangeList is a sequence of RowRanges, read as the union of the ranges.
// Overlapping ranges are allowed; a row is never returned twice.
type RowRangeList []RowRange

func (r RowRangeList) proto() *btpb.RowSet {
	ranges := make([]*btpb.RowRange, len(r))
	for i, rr := range r {
		ranges[i] = rr.rangeProto()
	}
	return &btpb.RowSet{RowRanges: ranges}
}

func (r RowRangeList) retainRowsAfter(lastRowKey string) RowSet {
	if lastRowKey == "" {
		return r
	}
	// Keep every range that still has unscanned keys.
	var ranges RowRangeList
	for _, rr := range r {
		retained := rr.retainRowsAfter(lastRowKey)
		if retained.valid() {
			ranges = append(ranges, retained.(RowRange))
		}
	}
	return ranges
}

func (r RowRangeList) valid() bool {
	for _, rr := range r {
		if rr.valid() {
			return true
		}
	}
	return false
}

// A RowSelection scopes a scan to a union of explicit row keys and row
// ranges. The zero value selects nothing; a key covered by a range, or two
// overlapping ranges, are harmless and never yield a row twice.
type RowSelection struct {
	keys   RowList
	ranges RowRangeList
}

// AddKey adds a single row key to the selection. Adding a key already present
// is a no-op.
func (s *RowSelection) AddKey(key string) {
	for _, k := range s.keys {
		if k == key {
			return
		}
	}
	s.keys = append(s.keys, key)
}

// AddRange adds a row range to the selection. Ranges are passed to the server
// as given; an inverted range selects nothing.
func (s *RowSelection) AddRange(r RowRange) {
	s.ranges = append(s.ranges, r)
}

func (s *RowSelection) proto() *btpb.RowSet {
	set := s.keys.proto()
	set.RowRanges = s.ranges.proto().RowRanges
	return set
}

func (s *RowSelection) retainRowsAfter(lastRowKey string) RowSet {
	if lastRowKey == "" {
		return s
	}
	retained := &RowSelection{
		keys: s.keys.retainRowsAfter(lastRowKey).(RowList),
	}
	if rl := s.ranges.retainRowsAfter(lastRowKey); rl != nil {
		retained.ranges = rl.(RowRangeList)
	}
	return retained
}

func (s *RowSelection) valid() bool {
	return s.keys.valid() || s.ranges.valid()
}

// prefixSuccessor returns the lexically smallest string greater than every
// string with the given prefix, or "" if no such string exists (the prefix is
// empty or all 0xff). It is the end key of the row range for a prefix scan.
func prefixSuccessor(prefix string) string {
	if prefix == "" {
		return ""
	}
	n := len(prefix)
	for n--; n >= 0 && prefix[n] == '\xff'; n-- {
	}
	if n == -1 {
		return ""
	}
	ans := []byte(prefix[:n])
	ans = append(ans, prefix[n]+1)
	return string(ans)
}
