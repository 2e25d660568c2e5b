package tinytable

import (
	"context"
	"sync"

	"google.golang.org/api/iterator"
)

// A RowIterator is a pull-style view over the rows matched by a read. The
// underlying stream is not opened until the first call to Next or ConsumeAll,
// and rows are fetched as they are requested.
//
// A RowIterator is not safe for concurrent use.
type RowIterator struct {
	ctx    context.Context
	cancel context.CancelFunc
	start  func(f func(Row) bool) error

	once sync.Once
	rowc chan Row
	errc chan error

	rows map[string]Row
	err  error
}

// Read returns an iterator over the rows of arg in key order. The request is
// not sent until the iterator is first advanced.
func (t *Table) Read(ctx context.Context, arg RowSet, opts ...ReadOption) *RowIterator {
	ctx, cancel := context.WithCancel(ctx)
	return &RowIterator{
		ctx:    ctx,
		cancel: cancel,
		start: func(f func(Row) bool) error {
			return t.ReadRows(ctx, arg, f, opts...)
		},
		rowc: make(chan Row),
		errc: make(chan error, 1),
	}
}

func (it *RowIterator) startOnce() {
	it.once.Do(func() {
		go func() {
			err := it.start(func(r Row) bool {
				// The producer must never block forever on a reader that has
				// gone away.
				select {
				case it.rowc <- r:
					return true
				case <-it.ctx.Done():
					return false
				}
			})
			it.errc <- err
			close(it.rowc)
		}()
	})
}

// Next returns the next row. It returns iterator.Done when no more rows
// remain, after which every subsequent call returns iterator.Done as well.
func (it *RowIterator) Next() (Row, error) {
	if it.err != nil {
		return nil, it.err
	}
	it.startOnce()
	r, ok := <-it.rowc
	if !ok {
		err := <-it.errc
		if err == nil {
			err = iterator.Done
		}
		it.err = err
		it.cancel()
		return nil, it.err
	}
	if it.rows == nil {
		it.rows = make(map[string]Row)
	}
	it.rows[r.Key()] = r
	return r, nil
}

// ConsumeAll drains the remaining rows and returns every row delivered so
// far, keyed by row key. Once the iterator is exhausted, further calls return
// the same map without touching the server.
func (it *RowIterator) ConsumeAll() (map[string]Row, error) {
	if it.rows == nil {
		it.rows = make(map[string]Row)
	}
	for {
		_, err := it.Next()
		if err == iterator.Done {
			return it.rows, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Rows returns the rows delivered so far, keyed by row key, without advancing
// the iterator. It is nil before the first row arrives.
func (it *RowIterator) Rows() map[string]Row {
	return it.rows
}

// Close shuts down the underlying stream. Subsequent calls to Next return
// iterator.Done. Close is a no-op on an exhausted iterator.
func (it *RowIterator) Close() {
	if it.err == nil {
		it.err = iterator.Done
	}
	it.cancel()
}
