package tinytable

import (
	"context"
	"io"
	"time"

	"github.com/googleapis/gax-go/v2"
	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// A ReadOption is an optional argument to ReadRows.
type ReadOption interface {
	set(settings *readSettings)
}

type readSettings struct {
	req *btpb.ReadRowsRequest
}

// RowFilter returns a ReadOption that applies f to the contents of read rows.
//
// If multiple RowFilters are provided, only the last is used. To combine filters,
// use ChainFilters or InterleaveFilters instead.
func RowFilter(f Filter) ReadOption { return rowFilter{f} }

type rowFilter struct{ f Filter }

func (rf rowFilter) set(settings *readSettings) { settings.req.Filter = rf.f.proto() }

// LimitRows returns a ReadOption that will end the number of rows to be read.
func LimitRows(limit int64) ReadOption { return limitRows{limit} }

type limitRows struct{ limit int64 }

func (lr limitRows) set(settings *readSettings) { settings.req.RowsLimit = lr.limit }

// readRowsBackoff paces retries of interrupted row streams.
var readRowsBackoff = gax.Backoff{
	Initial:    100 * time.Millisecond,
	Max:        2 * time.Second,
	Multiplier: 1.3,
}

// ReadRows reads rows from a table in key order, calling f on each result.
// If f returns false, the stream is shut down and ReadRows returns nil.
//
// By default, the yielded rows will contain all values in all cells.
// Use RowFilter to limit the cells returned.
//
// If an intermittent transport error interrupts the stream, ReadRows resumes
// from after the last row delivered to f; f never sees a row twice.
func (t *Table) ReadRows(ctx context.Context, arg RowSet, f func(Row) bool, opts ...ReadOption) error {
	settings := &readSettings{req: &btpb.ReadRowsRequest{TableName: t.c.fullTableName(t.table)}}
	for _, opt := range opts {
		opt.set(settings)
	}
	if arg == nil {
		arg = InfiniteRange("")
	}

	var prevRowKey string
	var numRead int64
	bo := readRowsBackoff
	for {
		if prevRowKey != "" {
			arg = arg.retainRowsAfter(prevRowKey)
			if arg == nil || !arg.valid() {
				// Everything requested was already delivered.
				return nil
			}
		}

		req := proto.Clone(settings.req).(*btpb.ReadRowsRequest)
		req.Rows = arg.proto()
		if req.RowsLimit > 0 {
			req.RowsLimit -= numRead
			if req.RowsLimit <= 0 {
				return nil
			}
		}

		last, n, stopped, err := t.readRowsOnce(ctx, req, f)
		if last != "" {
			prevRowKey = last
		}
		numRead += n
		if err == nil || stopped {
			return nil
		}
		if !isRetryableRead(err) {
			return err
		}
		if err := gax.Sleep(ctx, bo.Pause()); err != nil {
			return err
		}
	}
}

func (t *Table) readRowsOnce(ctx context.Context, req *btpb.ReadRowsRequest, f func(Row) bool) (lastKey string, numRead int64, stopped bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := t.c.client.ReadRows(ctx, req)
	if err != nil {
		return "", 0, false, err
	}
	cr := newChunkReader()
	for {
		res, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return lastKey, numRead, false, err
		}
		for _, cc := range res.Chunks {
			row, err := cr.Process(cc)
			if err != nil {
				// Malformed data; the stream cannot be resumed.
				return lastKey, numRead, false, err
			}
			if row == nil {
				continue
			}
			lastKey = row.Key()
			numRead++
			if !f(row) {
				return lastKey, numRead, true, nil
			}
		}
		if len(res.LastScannedRowKey) > 0 {
			lastKey = string(res.LastScannedRowKey)
		}
	}
	if err := cr.Close(); err != nil {
		return lastKey, numRead, false, err
	}
	return lastKey, numRead, false, nil
}

func isRetryableRead(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return true
	}
	return false
}

// ReadRow reads a single row from a table, applying the supplied filters if
// present. An empty Row with a nil error means the row was absent or every
// cell was filtered out.
func (t *Table) ReadRow(ctx context.Context, row string, opts ...ReadOption) (Row, error) {
	var r Row
	err := t.ReadRows(ctx, SingleRow(row), func(rr Row) bool {
		r = rr
		return true
	}, opts...)
	return r, err
}
