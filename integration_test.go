package tinytable_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"

	"github.com/tinytable/tinytable"
	"github.com/tinytable/tinytable/emu"
)

// testEnv holds a live in-process emulator plus clients talking to it over a
// real gRPC connection, so these tests cover the full wire path: mutation
// encoding, chunked responses, retries and iterator plumbing.
type testEnv struct {
	srv   *emu.Server
	admin *tinytable.AdminClient
	tbl   *tinytable.Table
	table string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	srv, err := emu.NewServer("localhost:0")
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	client, err := tinytable.NewClient(ctx, srv.Addr, "proj", "inst")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	admin, err := tinytable.NewAdminClient(ctx, srv.Addr, "proj", "inst")
	require.NoError(t, err)
	t.Cleanup(func() { admin.Close() })

	table := "t-" + uuid.NewString()
	require.NoError(t, admin.CreateTableWithFamilies(ctx, table, []string{"cf", "cf2"}))

	return &testEnv{
		srv:   srv,
		admin: admin,
		tbl:   client.Open(table),
		table: table,
	}
}

func (e *testEnv) mustApply(t *testing.T, row string, m *tinytable.Mutation) {
	t.Helper()
	require.NoError(t, e.tbl.Apply(context.Background(), row, m))
}

func setCellMut(family, column string, ts tinytable.Timestamp, value string) *tinytable.Mutation {
	m := tinytable.NewMutation()
	m.Set(family, column, ts, []byte(value))
	return m
}

func TestAdminTableLifecycle(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	tables, err := e.admin.Tables(ctx)
	require.NoError(t, err)
	assert.Contains(t, tables, e.table)

	info, err := e.admin.TableInfo(ctx, e.table)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cf", "cf2"}, info.Families)

	require.NoError(t, e.admin.CreateColumnFamily(ctx, e.table, "new"))
	info, err = e.admin.TableInfo(ctx, e.table)
	require.NoError(t, err)
	assert.Contains(t, info.Families, "new")

	require.NoError(t, e.admin.DeleteColumnFamily(ctx, e.table, "new"))
	info, err = e.admin.TableInfo(ctx, e.table)
	require.NoError(t, err)
	assert.NotContains(t, info.Families, "new")

	require.NoError(t, e.admin.SetGCPolicy(ctx, e.table, "cf", tinytable.MaxVersionsPolicy(2)))

	require.NoError(t, e.admin.DeleteTable(ctx, e.table))
	tables, err = e.admin.Tables(ctx)
	require.NoError(t, err)
	assert.NotContains(t, tables, e.table)
}

func TestApplyAndReadRow(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// Three versions written out of order come back newest first.
	e.mustApply(t, "row1", setCellMut("cf", "col", 1000, "v1"))
	e.mustApply(t, "row1", setCellMut("cf", "col", 3000, "v3"))
	e.mustApply(t, "row1", setCellMut("cf", "col", 2000, "v2"))

	r, err := e.tbl.ReadRow(ctx, "row1")
	require.NoError(t, err)
	require.Equal(t, "row1", r.Key())

	want := []tinytable.ReadItem{
		{Row: "row1", Column: "cf:col", Timestamp: 3000, Value: []byte("v3")},
		{Row: "row1", Column: "cf:col", Timestamp: 2000, Value: []byte("v2")},
		{Row: "row1", Column: "cf:col", Timestamp: 1000, Value: []byte("v1")},
	}
	if diff := cmp.Diff(want, r.Cells("cf", "col")); diff != "" {
		t.Errorf("cells mismatch (-want +got):\n%s", diff)
	}

	// Absent rows read back as an empty Row with no error.
	r, err = e.tbl.ReadRow(ctx, "no-such-row")
	require.NoError(t, err)
	assert.Empty(t, r)
}

func TestReadRowsSelection(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		e.mustApply(t, k, setCellMut("cf", "col", 1000, "val-"+k))
	}

	// Explicit keys plus an overlapping range; each row comes back once.
	sel := &tinytable.RowSelection{}
	sel.AddKey("a")
	sel.AddKey("c")
	sel.AddKey("c")
	sel.AddRange(tinytable.NewRange("b", "e"))

	var got []string
	err := e.tbl.ReadRows(ctx, sel, func(r tinytable.Row) bool {
		got = append(got, r.Key())
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)

	// LimitRows truncates the scan in key order.
	got = nil
	err = e.tbl.ReadRows(ctx, tinytable.InfiniteRange(""), func(r tinytable.Row) bool {
		got = append(got, r.Key())
		return true
	}, tinytable.LimitRows(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	// Returning false stops the scan without error.
	got = nil
	err = e.tbl.ReadRows(ctx, tinytable.InfiniteRange(""), func(r tinytable.Row) bool {
		got = append(got, r.Key())
		return len(got) < 3
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestReadFilters(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.mustApply(t, "row1", setCellMut("cf", "alpha", 1000, "v1"))
	e.mustApply(t, "row1", setCellMut("cf", "alpha", 2000, "v2"))
	e.mustApply(t, "row1", setCellMut("cf", "beta", 1000, "other"))
	e.mustApply(t, "row1", setCellMut("cf2", "alpha", 1000, "second-family"))

	r, err := e.tbl.ReadRow(ctx, "row1", tinytable.RowFilter(tinytable.ColumnFilter("alpha")))
	require.NoError(t, err)
	assert.Len(t, r.Cells("cf", "alpha"), 2)
	assert.Empty(t, r.Cells("cf", "beta"))
	assert.Len(t, r.Cells("cf2", "alpha"), 1)

	r, err = e.tbl.ReadRow(ctx, "row1", tinytable.RowFilter(tinytable.FamilyFilter("cf2")))
	require.NoError(t, err)
	assert.Equal(t, []string{"cf2"}, familiesOf(r))

	r, err = e.tbl.ReadRow(ctx, "row1", tinytable.RowFilter(tinytable.ValueFilter("v.")))
	require.NoError(t, err)
	assert.Len(t, r.Cells("cf", "alpha"), 2)
	assert.Empty(t, r.Cells("cf", "beta"))

	r, err = e.tbl.ReadRow(ctx, "row1", tinytable.RowFilter(tinytable.LatestNFilter(1)))
	require.NoError(t, err)
	cells := r.Cells("cf", "alpha")
	require.Len(t, cells, 1)
	assert.Equal(t, tinytable.Timestamp(2000), cells[0].Timestamp)

	r, err = e.tbl.ReadRow(ctx, "row1", tinytable.RowFilter(
		tinytable.TimestampRangeFilterMicros(2000, 3000)))
	require.NoError(t, err)
	require.Len(t, r.Cells("cf", "alpha"), 1)
	assert.Equal(t, []byte("v2"), r.Cells("cf", "alpha")[0].Value)

	r, err = e.tbl.ReadRow(ctx, "row1", tinytable.RowFilter(tinytable.StripValueFilter()))
	require.NoError(t, err)
	for _, items := range r {
		for _, ri := range items {
			assert.Empty(t, ri.Value)
		}
	}

	// Condition: row has a cf2 cell, so the true branch applies.
	r, err = e.tbl.ReadRow(ctx, "row1", tinytable.RowFilter(tinytable.ConditionFilter(
		tinytable.FamilyFilter("cf2"),
		tinytable.ChainFilters(tinytable.FamilyFilter("cf"), tinytable.ColumnFilter("beta")),
		tinytable.BlockAllFilter(),
	)))
	require.NoError(t, err)
	assert.Len(t, r.Cells("cf", "beta"), 1)
	assert.Empty(t, r.Cells("cf", "alpha"))

	r, err = e.tbl.ReadRow(ctx, "row1", tinytable.RowFilter(tinytable.CellsPerRowLimitFilter(2)))
	require.NoError(t, err)
	assert.Equal(t, 2, cellCount(r))

	r, err = e.tbl.ReadRow(ctx, "row1", tinytable.RowFilter(tinytable.CellsPerRowOffsetFilter(3)))
	require.NoError(t, err)
	assert.Equal(t, 1, cellCount(r))
}

func familiesOf(r tinytable.Row) []string {
	var fams []string
	for fam := range r {
		fams = append(fams, fam)
	}
	return fams
}

func cellCount(r tinytable.Row) int {
	n := 0
	for _, items := range r {
		n += len(items)
	}
	return n
}

func TestInterleaveDuplicatesWithLabels(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.mustApply(t, "row1", setCellMut("cf", "col", 1000, "v"))

	// Interleaving two labelling branches yields the same cell twice, each
	// copy carrying its branch's label.
	r, err := e.tbl.ReadRow(ctx, "row1", tinytable.RowFilter(tinytable.InterleaveFilters(
		tinytable.LabelFilter("one"),
		tinytable.LabelFilter("two"),
	)))
	require.NoError(t, err)

	cells := r.Cells("cf", "col")
	require.Len(t, cells, 2)
	var labels []string
	for _, c := range cells {
		require.Len(t, c.Labels, 1)
		labels = append(labels, c.Labels[0])
	}
	assert.ElementsMatch(t, []string{"one", "two"}, labels)

	// Branches that select disjoint columns label each matched cell with its
	// own branch's label, and nothing else comes through.
	e.mustApply(t, "row2", setCellMut("cf", "alpha", 1000, "va"))
	e.mustApply(t, "row2", setCellMut("cf", "beta", 1000, "vb"))
	e.mustApply(t, "row2", setCellMut("cf", "gamma", 1000, "vg"))

	r, err = e.tbl.ReadRow(ctx, "row2", tinytable.RowFilter(tinytable.InterleaveFilters(
		tinytable.ChainFilters(tinytable.ColumnFilter("alpha"), tinytable.LabelFilter("la")),
		tinytable.ChainFilters(tinytable.ColumnFilter("beta"), tinytable.LabelFilter("lb")),
	)))
	require.NoError(t, err)
	assert.Equal(t, 2, cellCount(r))

	alpha := r.Cells("cf", "alpha")
	require.Len(t, alpha, 1)
	assert.Equal(t, []byte("va"), alpha[0].Value)
	assert.Equal(t, []string{"la"}, alpha[0].Labels)

	beta := r.Cells("cf", "beta")
	require.Len(t, beta, 1)
	assert.Equal(t, []byte("vb"), beta[0].Value)
	assert.Equal(t, []string{"lb"}, beta[0].Labels)
}

func TestLargeValueRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// Big enough to force the server to split the cell across several
	// chunks, exercising reassembly on the client side.
	big := bytes.Repeat([]byte{0xa5}, 10<<20)
	m := tinytable.NewMutation()
	m.Set("cf", "blob", 1000, big)
	e.mustApply(t, "row1", m)

	r, err := e.tbl.ReadRow(ctx, "row1")
	require.NoError(t, err)
	cells := r.Cells("cf", "blob")
	require.Len(t, cells, 1)
	assert.True(t, bytes.Equal(big, cells[0].Value), "large value corrupted in transit")
}

func TestRowIterator(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e.mustApply(t, fmt.Sprintf("row%d", i), setCellMut("cf", "col", 1000, "v"))
	}

	it := e.tbl.Read(ctx, tinytable.InfiniteRange(""))
	var keys []string
	for {
		r, err := it.Next()
		if err == iterator.Done {
			break
		}
		require.NoError(t, err)
		keys = append(keys, r.Key())
	}
	assert.Equal(t, []string{"row0", "row1", "row2", "row3", "row4"}, keys)

	// Exhausted iterators keep returning Done.
	_, err := it.Next()
	assert.Equal(t, iterator.Done, err)

	// Rows reflects delivery so far without advancing; ConsumeAll drains the
	// rest and is idempotent afterwards.
	it = e.tbl.Read(ctx, tinytable.InfiniteRange(""))
	assert.Nil(t, it.Rows())
	first, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "row0", first.Key())
	assert.Len(t, it.Rows(), 1)

	rows, err := it.ConsumeAll()
	require.NoError(t, err)
	assert.Len(t, rows, 5)
	assert.Contains(t, rows, "row0")
	again, err := it.ConsumeAll()
	require.NoError(t, err)
	assert.Len(t, again, 5)

	// Close before the first Next; the request is never sent and Next
	// reports Done immediately.
	it = e.tbl.Read(ctx, tinytable.InfiniteRange(""))
	it.Close()
	_, err = it.Next()
	assert.Equal(t, iterator.Done, err)
}

func TestRowIteratorLazy(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// Building an iterator over a table that does not exist must not fail
	// until the stream is actually opened by the first Next.
	client, err := tinytable.NewClient(ctx, e.srv.Addr, "proj", "inst")
	require.NoError(t, err)
	defer client.Close()

	it := client.Open("no-such-table").Read(ctx, tinytable.InfiniteRange(""))
	_, err = it.Next()
	require.Error(t, err)
	assert.NotEqual(t, iterator.Done, err)
}

func TestApplyBulk(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	good := setCellMut("cf", "col", 1000, "ok")
	bad := setCellMut("missing-family", "col", 1000, "nope")

	errs, err := e.tbl.ApplyBulk(ctx, []string{"row1", "row2", "row3"},
		[]*tinytable.Mutation{good, bad, good})
	require.NoError(t, err)
	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.Error(t, errs[1])
	assert.NoError(t, errs[2])

	r, err := e.tbl.ReadRow(ctx, "row3")
	require.NoError(t, err)
	assert.Len(t, r.Cells("cf", "col"), 1)

	// Mismatched slice lengths are rejected before anything is sent.
	_, err = e.tbl.ApplyBulk(ctx, []string{"row1"}, nil)
	require.Error(t, err)
}

func TestCondMutation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.mustApply(t, "row1", setCellMut("cf", "col", 1000, "old"))

	mtrue := setCellMut("cf", "state", 1000, "matched")
	mfalse := setCellMut("cf", "state", 1000, "missed")
	cond := tinytable.NewCondMutation(tinytable.ValueFilter("old"), mtrue, mfalse)

	var matched bool
	require.NoError(t, e.tbl.Apply(ctx, "row1", cond, tinytable.GetCondMutationResult(&matched)))
	assert.True(t, matched)

	r, err := e.tbl.ReadRow(ctx, "row1")
	require.NoError(t, err)
	require.Len(t, r.Cells("cf", "state"), 1)
	assert.Equal(t, []byte("matched"), r.Cells("cf", "state")[0].Value)

	// Predicate misses on an absent row; the false branch runs.
	require.NoError(t, e.tbl.Apply(ctx, "row2", cond, tinytable.GetCondMutationResult(&matched)))
	assert.False(t, matched)
	r, err = e.tbl.ReadRow(ctx, "row2")
	require.NoError(t, err)
	assert.Equal(t, []byte("missed"), r.Cells("cf", "state")[0].Value)
}

func TestReadModifyWrite(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	rmw := tinytable.NewReadModifyWrite()
	rmw.Increment("cf", "counter", 5)
	rmw.AppendValue("cf", "log", []byte("a"))

	r, err := e.tbl.ApplyReadModifyWrite(ctx, "row1", rmw)
	require.NoError(t, err)
	require.Len(t, r.Cells("cf", "counter"), 1)
	assert.Equal(t, int64(5), int64(binary.BigEndian.Uint64(r.Cells("cf", "counter")[0].Value)))
	assert.Equal(t, []byte("a"), r.Cells("cf", "log")[0].Value)

	rmw = tinytable.NewReadModifyWrite()
	rmw.Increment("cf", "counter", -2)
	rmw.AppendValue("cf", "log", []byte("b"))

	r, err = e.tbl.ApplyReadModifyWrite(ctx, "row1", rmw)
	require.NoError(t, err)
	assert.Equal(t, int64(3), int64(binary.BigEndian.Uint64(r.Cells("cf", "counter")[0].Value)))
	assert.Equal(t, []byte("ab"), r.Cells("cf", "log")[0].Value)
}

func TestDeleteMutations(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	e.mustApply(t, "row1", setCellMut("cf", "a", 1000, "v1"))
	e.mustApply(t, "row1", setCellMut("cf", "a", 2000, "v2"))
	e.mustApply(t, "row1", setCellMut("cf", "b", 1000, "v3"))
	e.mustApply(t, "row1", setCellMut("cf2", "c", 1000, "v4"))

	m := tinytable.NewMutation()
	m.DeleteTimestampRange("cf", "a", 0, 2000)
	e.mustApply(t, "row1", m)
	r, err := e.tbl.ReadRow(ctx, "row1")
	require.NoError(t, err)
	require.Len(t, r.Cells("cf", "a"), 1)
	assert.Equal(t, tinytable.Timestamp(2000), r.Cells("cf", "a")[0].Timestamp)

	m = tinytable.NewMutation()
	m.DeleteCellsInColumn("cf", "a")
	e.mustApply(t, "row1", m)
	r, err = e.tbl.ReadRow(ctx, "row1")
	require.NoError(t, err)
	assert.Empty(t, r.Cells("cf", "a"))
	assert.Len(t, r.Cells("cf", "b"), 1)

	m = tinytable.NewMutation()
	m.DeleteCellsInFamily("cf")
	e.mustApply(t, "row1", m)
	r, err = e.tbl.ReadRow(ctx, "row1")
	require.NoError(t, err)
	assert.Empty(t, r.Cells("cf", "b"))
	assert.Len(t, r.Cells("cf2", "c"), 1)

	m = tinytable.NewMutation()
	m.DeleteRow()
	e.mustApply(t, "row1", m)
	r, err = e.tbl.ReadRow(ctx, "row1")
	require.NoError(t, err)
	assert.Empty(t, r)
}

func TestServerTimestamp(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	before := time.Now()
	e.mustApply(t, "row1", setCellMut("cf", "col", tinytable.ServerTime, "v"))

	r, err := e.tbl.ReadRow(ctx, "row1")
	require.NoError(t, err)
	cells := r.Cells("cf", "col")
	require.Len(t, cells, 1)

	got := cells[0].Timestamp.Time()
	assert.False(t, got.Before(before.Truncate(time.Millisecond)))
	assert.False(t, got.After(time.Now()))
}

func TestSampleRowKeys(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		e.mustApply(t, fmt.Sprintf("row%02d", i), setCellMut("cf", "col", 1000, "v"))
	}

	keys, err := e.tbl.SampleRowKeys(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, keys)
	assert.Equal(t, "row19", keys[len(keys)-1])
}

func TestDropRowRangeAndTruncate(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	for _, k := range []string{"a/1", "a/2", "b/1", "b/2"} {
		e.mustApply(t, k, setCellMut("cf", "col", 1000, "v"))
	}

	require.NoError(t, e.admin.DropRowRange(ctx, e.table, "a/"))
	var keys []string
	require.NoError(t, e.tbl.ReadRows(ctx, tinytable.InfiniteRange(""), func(r tinytable.Row) bool {
		keys = append(keys, r.Key())
		return true
	}))
	assert.Equal(t, []string{"b/1", "b/2"}, keys)

	require.NoError(t, e.admin.Truncate(ctx, e.table))
	keys = nil
	require.NoError(t, e.tbl.ReadRows(ctx, tinytable.InfiniteRange(""), func(r tinytable.Row) bool {
		keys = append(keys, r.Key())
		return true
	}))
	assert.Empty(t, keys)
}
