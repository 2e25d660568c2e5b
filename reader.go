package tinytable

import (
	"bytes"
	"fmt"
	"sort"

	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
)

// A chunkReader reassembles rows from a ReadRows chunk stream. Chunks arrive
// already sorted; cells belonging to one column may be split across several
// chunks, and a row is only surfaced once a chunk carrying a commit marker
// has been processed. A reset marker discards everything accumulated for the
// row in progress.
type chunkReader struct {
	state     rrState
	row       Row
	curKey    []byte
	curFam    string
	curQual   []byte
	curTS     int64
	curVal    []byte
	curLabels []string
	lastKey   string
}

// newChunkReader returns a chunkReader ready to process the first chunk of a
// stream.
func newChunkReader() *chunkReader {
	return &chunkReader{state: newRow}
}

type rrState int64

const (
	newRow rrState = iota
	rowInProgress
	cellInProgress
)

// Process takes a cell chunk and returns a fully committed row, or nil if the
// row is still incomplete. Any returned error invalidates the reader; the
// stream cannot be resumed from a malformed chunk.
func (cr *chunkReader) Process(cc *btpb.ReadRowsResponse_CellChunk) (Row, error) {
	var row Row
	switch cr.state {
	case newRow:
		if err := cr.validateNewRow(cc); err != nil {
			return nil, err
		}

		cr.row = make(Row)
		cr.curKey = cc.RowKey
		cr.curFam = cc.FamilyName.Value
		cr.curQual = cc.Qualifier.Value
		cr.curTS = cc.TimestampMicros
		cr.curLabels = cc.Labels
		row = cr.handleCellValue(cc)

	case rowInProgress:
		if err := cr.validateRowInProgress(cc); err != nil {
			return nil, err
		}

		if cc.GetResetRow() {
			cr.resetToNewRow()
			return nil, nil
		}

		if cc.FamilyName != nil {
			cr.curFam = cc.FamilyName.Value
		}
		if cc.Qualifier != nil {
			cr.curQual = cc.Qualifier.Value
		}
		cr.curTS = cc.TimestampMicros
		cr.curLabels = cc.Labels
		row = cr.handleCellValue(cc)

	case cellInProgress:
		if err := cr.validateCellInProgress(cc); err != nil {
			return nil, err
		}
		if cc.GetResetRow() {
			cr.resetToNewRow()
			return nil, nil
		}
		row = cr.handleCellValue(cc)
	}

	return row, nil
}

// Close must be called after the stream ends; it reports an error if the
// stream stopped in the middle of a row.
func (cr *chunkReader) Close() error {
	if cr.state != newRow {
		return fmt.Errorf("invalid chunk stream: ended with partial row %q", cr.curKey)
	}
	return nil
}

// handleCellValue returns a Row if the cell value is complete and the row is
// committed, otherwise nil.
func (cr *chunkReader) handleCellValue(cc *btpb.ReadRowsResponse_CellChunk) Row {
	if cc.ValueSize > 0 {
		// ValueSize is the total size of the cell value, expected to be split
		// across multiple chunks.
		if len(cr.curVal) == 0 {
			cr.curVal = make([]byte, 0, cc.ValueSize)
		}
		cr.curVal = append(cr.curVal, cc.Value...)
		cr.state = cellInProgress
	} else {
		// This cell is either the complete value or the last chunk of a split
		// cell value.
		if len(cr.curVal) == 0 {
			cr.curVal = cc.Value
		} else {
			cr.curVal = append(cr.curVal, cc.Value...)
		}
		cr.finishCell()

		if cc.GetCommitRow() {
			return cr.commitRow()
		}
		cr.state = rowInProgress
	}

	return nil
}

func (cr *chunkReader) finishCell() {
	labels := cr.curLabels
	if len(labels) == 0 {
		labels = nil
	}
	ri := ReadItem{
		Row:       string(cr.curKey),
		Column:    cr.curFam + ":" + string(cr.curQual),
		Timestamp: Timestamp(cr.curTS),
		Value:     cr.curVal,
		Labels:    labels,
	}
	// Cells within a column are ordered newest first; the server already
	// sends them that way, but a lenient insert keeps the invariant even for
	// streams interleaving columns.
	items := cr.row[cr.curFam]
	i := sort.Search(len(items), func(i int) bool {
		return items[i].Column > ri.Column ||
			(items[i].Column == ri.Column && items[i].Timestamp < ri.Timestamp)
	})
	items = append(items, ReadItem{})
	copy(items[i+1:], items[i:])
	items[i] = ri
	cr.row[cr.curFam] = items
	cr.curVal = nil
	cr.curLabels = nil
}

func (cr *chunkReader) commitRow() Row {
	row := cr.row
	cr.lastKey = string(cr.curKey)
	cr.resetToNewRow()
	return row
}

func (cr *chunkReader) resetToNewRow() {
	cr.row = nil
	cr.curKey = nil
	cr.curFam = ""
	cr.curQual = nil
	cr.curTS = 0
	cr.curVal = nil
	cr.curLabels = nil
	cr.state = newRow
}

func (cr *chunkReader) validateNewRow(cc *btpb.ReadRowsResponse_CellChunk) error {
	if cc.GetResetRow() {
		return fmt.Errorf("invalid chunk stream: reset_row not allowed between rows")
	}
	if cc.RowKey == nil || cc.FamilyName == nil || cc.Qualifier == nil {
		return fmt.Errorf("invalid chunk stream: missing key field for new row %q", cc.RowKey)
	}
	if cr.lastKey != "" && cr.lastKey >= string(cc.RowKey) {
		return fmt.Errorf("invalid chunk stream: out of order row key: %q, %q", cr.lastKey, string(cc.RowKey))
	}
	return nil
}

func (cr *chunkReader) validateRowInProgress(cc *btpb.ReadRowsResponse_CellChunk) error {
	if err := cr.validateRowStatus(cc); err != nil {
		return err
	}
	if cc.RowKey != nil && !bytes.Equal(cc.RowKey, cr.curKey) {
		return fmt.Errorf("invalid chunk stream: row key changed mid row: %q, %q", cr.curKey, cc.RowKey)
	}
	if cc.FamilyName != nil && cc.Qualifier == nil {
		return fmt.Errorf("invalid chunk stream: family name %q specified without a qualifier", cc.FamilyName)
	}
	return nil
}

func (cr *chunkReader) validateCellInProgress(cc *btpb.ReadRowsResponse_CellChunk) error {
	if err := cr.validateRowStatus(cc); err != nil {
		return err
	}
	if cr.curVal == nil {
		return fmt.Errorf("invalid chunk stream: partial cell missing value prior chunk")
	}
	if len(cc.Labels) != 0 {
		return fmt.Errorf("invalid chunk stream: labels not allowed on continuation of split cell")
	}
	return nil
}

// validateRowStatus checks that a reset is not combined with other row data,
// and that a commit does not leave a cell dangling.
func (cr *chunkReader) validateRowStatus(cc *btpb.ReadRowsResponse_CellChunk) error {
	if cc.GetResetRow() && (cc.RowKey != nil ||
		cc.FamilyName != nil ||
		cc.Qualifier != nil ||
		cc.Value != nil ||
		cc.TimestampMicros != 0) {
		return fmt.Errorf("invalid chunk stream: reset must not be combined with other fields")
	}
	if cc.GetCommitRow() && cc.ValueSize > 0 {
		return fmt.Errorf("invalid chunk stream: commit row found in between chunks in a cell")
	}
	return nil
}
