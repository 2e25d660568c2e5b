package emu

import (
	"bytes"
	"testing"

	btapb "google.golang.org/genproto/googleapis/bigtable/admin/v2"
	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
)

func testCols() map[string]*btapb.ColumnFamily {
	return map[string]*btapb.ColumnFamily{
		"cf": {},
	}
}

func testRow(key string, cells ...*btpb.Cell) *btpb.Row {
	return &btpb.Row{
		Key: []byte(key),
		Families: []*btpb.Family{{
			Name: "cf",
			Columns: []*btpb.Column{{
				Qualifier: []byte("col"),
				Cells:     cells,
			}},
		}},
	}
}

func TestChunkBuilderSmallCell(t *testing.T) {
	var cb chunkBuilder
	added := cb.add(testCols(), testRow("r1", &btpb.Cell{TimestampMicros: 1000, Value: []byte("v")}))
	if !added {
		t.Fatal("row not added")
	}
	if len(cb.chunks) != 1 {
		t.Fatalf("want 1 chunk, got %d", len(cb.chunks))
	}
	c := cb.chunks[0]
	if string(c.RowKey) != "r1" || c.FamilyName.GetValue() != "cf" || string(c.Qualifier.GetValue()) != "col" {
		t.Errorf("chunk identity fields wrong: %+v", c)
	}
	if c.ValueSize != 0 {
		t.Errorf("unsplit cell must not set ValueSize, got %d", c.ValueSize)
	}
	if !c.GetCommitRow() {
		t.Error("last chunk of row must carry commit")
	}
}

func TestChunkBuilderSkipsEmptyRow(t *testing.T) {
	var cb chunkBuilder
	if added := cb.add(testCols(), &btpb.Row{Key: []byte("r1")}); added {
		t.Error("empty row reported as added")
	}
	if len(cb.chunks) != 0 {
		t.Errorf("want no chunks, got %d", len(cb.chunks))
	}
}

func TestChunkBuilderNewFamilyAndQualifierOnChange(t *testing.T) {
	r := &btpb.Row{
		Key: []byte("r1"),
		Families: []*btpb.Family{
			{
				Name: "cf",
				Columns: []*btpb.Column{
					{Qualifier: []byte("a"), Cells: []*btpb.Cell{
						{TimestampMicros: 2000, Value: []byte("a2")},
						{TimestampMicros: 1000, Value: []byte("a1")},
					}},
					{Qualifier: []byte("b"), Cells: []*btpb.Cell{
						{TimestampMicros: 1000, Value: []byte("b1")},
					}},
				},
			},
		},
	}
	var cb chunkBuilder
	cb.add(map[string]*btapb.ColumnFamily{"cf": {}}, r)

	if len(cb.chunks) != 3 {
		t.Fatalf("want 3 chunks, got %d", len(cb.chunks))
	}
	if cb.chunks[0].FamilyName == nil || cb.chunks[0].Qualifier == nil {
		t.Error("first chunk must carry family and qualifier")
	}
	if cb.chunks[1].FamilyName != nil || cb.chunks[1].Qualifier != nil {
		t.Error("second cell of same column must not repeat family or qualifier")
	}
	if cb.chunks[2].Qualifier == nil {
		t.Error("new column must carry qualifier")
	}
	if cb.chunks[2].FamilyName != nil {
		t.Error("same family must not be repeated")
	}
	if !cb.chunks[2].GetCommitRow() {
		t.Error("commit must ride the final chunk")
	}
}

func TestChunkBuilderSplitsLargeValue(t *testing.T) {
	big := bytes.Repeat([]byte{0xa5}, maxChunkBytes*2+100)
	var cb chunkBuilder
	cb.add(testCols(), testRow("r1", &btpb.Cell{TimestampMicros: 1000, Value: big}))

	if len(cb.chunks) != 3 {
		t.Fatalf("want 3 chunks, got %d", len(cb.chunks))
	}

	var reassembled []byte
	for i, c := range cb.chunks {
		final := i == len(cb.chunks)-1
		if final {
			if c.ValueSize != 0 {
				t.Errorf("final fragment must not set ValueSize, got %d", c.ValueSize)
			}
			if !c.GetCommitRow() {
				t.Error("final fragment must carry commit")
			}
		} else {
			if int(c.ValueSize) != len(big) {
				t.Errorf("fragment %d: ValueSize=%d, want total %d", i, c.ValueSize, len(big))
			}
			if c.GetCommitRow() {
				t.Errorf("fragment %d: commit not allowed before cell completes", i)
			}
		}
		if i > 0 {
			if c.RowKey != nil || c.FamilyName != nil || c.Qualifier != nil {
				t.Errorf("continuation fragment %d must carry only the value", i)
			}
		}
		reassembled = append(reassembled, c.Value...)
	}
	if !bytes.Equal(reassembled, big) {
		t.Errorf("reassembled value differs: len=%d want=%d", len(reassembled), len(big))
	}
}
