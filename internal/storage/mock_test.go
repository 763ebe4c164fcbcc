package storage

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ---------------------------------------------------------------------------
// In-memory stand-ins for ClickHouse rows, batches and connections.
// ---------------------------------------------------------------------------

type fakeRows struct {
	data   [][]any
	pos    int
	err    error
	closed bool
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(row))
	}
	for i, v := range row {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
	return nil
}

func (r *fakeRows) Close() error { r.closed = true; return nil }
func (r *fakeRows) Err() error   { return r.err }

type queryCall struct {
	query string
	args  []any
}

type fakeConn struct {
	mu      sync.Mutex
	rows    []*fakeRows // returned in order, one per query
	execs   []queryCall
	queries []queryCall
	err     error
}

func (c *fakeConn) queryRows(_ context.Context, query string, args ...any) (rowScanner, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, queryCall{query, args})
	if c.err != nil {
		return nil, c.err
	}
	if len(c.rows) == 0 {
		return &fakeRows{}, nil
	}
	r := c.rows[0]
	c.rows = c.rows[1:]
	return r, nil
}

func (c *fakeConn) Exec(_ context.Context, query string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, queryCall{query, args})
	return c.err
}

func (c *fakeConn) Ping(context.Context) error { return c.err }

type mockBatch struct {
	mu       sync.Mutex
	rows     [][]any
	sendFunc func() error
}

func (m *mockBatch) Abort() error { return nil }
func (m *mockBatch) Append(v ...any) error {
	m.mu.Lock()
	m.rows = append(m.rows, v)
	m.mu.Unlock()
	return nil
}
func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) Send() error {
	if m.sendFunc != nil {
		return m.sendFunc()
	}
	return nil
}
func (m *mockBatch) IsSent() bool                { return false }
func (m *mockBatch) Rows() int                   { return len(m.rows) }
func (m *mockBatch) Columns() []column.Interface { return nil }
func (m *mockBatch) Close() error                { return nil }

type fakePreparer struct {
	mu      sync.Mutex
	batches map[string][]*mockBatch
	sendErr func() error
}

func (p *fakePreparer) PrepareBatch(_ context.Context, query string) (driver.Batch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.batches == nil {
		p.batches = make(map[string][]*mockBatch)
	}
	b := &mockBatch{sendFunc: p.sendErr}
	p.batches[query] = append(p.batches[query], b)
	return b, nil
}

func (p *fakePreparer) appended(table string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches[insertQueries[table]] {
		n += b.Rows()
	}
	return n
}
