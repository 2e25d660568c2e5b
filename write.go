package tinytable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/googleapis/gax-go/v2"
	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	rpcpb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// An ApplyOption is an optional argument to Apply.
type ApplyOption interface {
	set(settings *applySettings)
}

type applySettings struct {
	matched *bool
}

// GetCondMutationResult returns an ApplyOption that reports whether the
// conditional mutation's predicate matched.
func GetCondMutationResult(matched *bool) ApplyOption {
	return condMutationResult{matched}
}

type condMutationResult struct{ matched *bool }

func (c condMutationResult) set(settings *applySettings) { settings.matched = c.matched }

// Apply mutates a row atomically. A mutation must contain at least one
// operation and at most 100,000 operations.
func (t *Table) Apply(ctx context.Context, row string, m *Mutation, opts ...ApplyOption) error {
	settings := new(applySettings)
	for _, opt := range opts {
		opt.set(settings)
	}

	if m.cond == nil {
		req := &btpb.MutateRowRequest{
			TableName: t.c.fullTableName(t.table),
			RowKey:    []byte(row),
			Mutations: m.ops,
		}
		_, err := t.c.client.MutateRow(ctx, req)
		return err
	}

	req := &btpb.CheckAndMutateRowRequest{
		TableName:       t.c.fullTableName(t.table),
		RowKey:          []byte(row),
		PredicateFilter: m.cond.proto(),
	}
	if m.mtrue != nil {
		if m.mtrue.cond != nil {
			return errors.New("tinytable: conditional mutations cannot be nested")
		}
		req.TrueMutations = m.mtrue.ops
	}
	if m.mfalse != nil {
		if m.mfalse.cond != nil {
			return errors.New("tinytable: conditional mutations cannot be nested")
		}
		req.FalseMutations = m.mfalse.ops
	}
	res, err := t.c.client.CheckAndMutateRow(ctx, req)
	if err != nil {
		return err
	}
	if settings.matched != nil {
		*settings.matched = res.PredicateMatched
	}
	return nil
}

// entryErr is a container that combines an entry with the error that was
// returned for it, if any.
type entryErr struct {
	Entry *btpb.MutateRowsRequest_Entry
	Err   error
}

// applyBulkBackoff paces retries of bulk entries that failed with a
// transient status.
var applyBulkBackoff = gax.Backoff{
	Initial:    100 * time.Millisecond,
	Max:        2 * time.Second,
	Multiplier: 1.3,
}

// ApplyBulk applies multiple Mutations in one shot, without atomicity
// guarantees across rows. Each mutation is paired by index with the row key
// it applies to; conditional mutations are not supported.
//
// Entries failing with a transient status are retried with backoff. When
// some entries ultimately fail, ApplyBulk returns a []error aligned with the
// input (nil at indices that succeeded) and a nil overall error; a non-nil
// overall error means the outcome of the whole batch is unknown.
func (t *Table) ApplyBulk(ctx context.Context, rowKeys []string, muts []*Mutation) ([]error, error) {
	if len(rowKeys) != len(muts) {
		return nil, fmt.Errorf("mismatched rowKeys and mutation array lengths: %d, %d", len(rowKeys), len(muts))
	}

	origEntries := make([]*entryErr, len(rowKeys))
	for i, key := range rowKeys {
		m := muts[i]
		if m.cond != nil {
			return nil, errors.New("tinytable: conditional mutations cannot be applied in bulk")
		}
		origEntries[i] = &entryErr{Entry: &btpb.MutateRowsRequest_Entry{RowKey: []byte(key), Mutations: m.ops}}
	}

	entries := origEntries
	bo := applyBulkBackoff
	for {
		if err := t.doApplyBulk(ctx, entries); err != nil {
			return nil, err
		}
		entries = retryableEntries(entries)
		if len(entries) == 0 {
			break
		}
		if err := gax.Sleep(ctx, bo.Pause()); err != nil {
			return nil, err
		}
	}

	var foundErr bool
	errs := make([]error, len(origEntries))
	for i, entry := range origEntries {
		if entry.Err != nil {
			foundErr = true
			errs[i] = entry.Err
		}
	}
	if foundErr {
		return errs, nil
	}
	return nil, nil
}

func (t *Table) doApplyBulk(ctx context.Context, entryErrs []*entryErr) error {
	entries := make([]*btpb.MutateRowsRequest_Entry, len(entryErrs))
	for i, e := range entryErrs {
		entries[i] = e.Entry
	}
	req := &btpb.MutateRowsRequest{
		TableName: t.c.fullTableName(t.table),
		Entries:   entries,
	}
	stream, err := t.c.client.MutateRows(ctx, req)
	if err != nil {
		return err
	}
	for {
		res, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		for _, e := range res.Entries {
			entryErrs[e.Index].Err = statusError(e.Status)
		}
	}
	return nil
}

func statusError(s *rpcpb.Status) error {
	if s == nil || codes.Code(s.Code) == codes.OK {
		return nil
	}
	return status.Error(codes.Code(s.Code), s.Message)
}

func retryableEntries(entries []*entryErr) []*entryErr {
	var retry []*entryErr
	for _, e := range entries {
		switch status.Code(e.Err) {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
			retry = append(retry, e)
		}
	}
	return retry
}

// ApplyReadModifyWrite applies a ReadModifyWrite to a specific row. It
// returns the newly written cells.
func (t *Table) ApplyReadModifyWrite(ctx context.Context, row string, m *ReadModifyWrite) (Row, error) {
	req := &btpb.ReadModifyWriteRowRequest{
		TableName: t.c.fullTableName(t.table),
		RowKey:    []byte(row),
		Rules:     m.ops,
	}
	res, err := t.c.client.ReadModifyWriteRow(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Row == nil {
		return nil, errors.New("unable to apply ReadModifyWrite: res.Row=nil")
	}
	r := make(Row)
	for _, fam := range res.Row.Families {
		for _, col := range fam.Columns {
			for _, cell := range col.Cells {
				r[fam.Name] = append(r[fam.Name], ReadItem{
					Row:       string(res.Row.Key),
					Column:    fam.Name + ":" + string(col.Qualifier),
					Timestamp: Timestamp(cell.TimestampMicros),
					Value:     cell.Value,
				})
			}
		}
	}
	return r, nil
}

// SampleRowKeys returns a sample of row keys in the table. The returned row
// keys will delimit contiguous sections of the table of approximately equal
// size, which can be used to break up the data for distributed tasks like
// mapreduces.
func (t *Table) SampleRowKeys(ctx context.Context) ([]string, error) {
	stream, err := t.c.client.SampleRowKeys(ctx, &btpb.SampleRowKeysRequest{
		TableName: t.c.fullTableName(t.table),
	})
	if err != nil {
		return nil, err
	}
	var sampledRowKeys []string
	for {
		res, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		key := string(res.RowKey)
		if key == "" {
			continue
		}
		sampledRowKeys = append(sampledRowKeys, key)
	}
	return sampledRowKeys, nil
}
