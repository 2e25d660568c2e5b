package tinytable

import (
	"context"
	"fmt"

	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// defaultDialOpts is used when the caller supplies no dial options. Reads and
// bulk writes stream arbitrarily large rows, so the message size caps are
// lifted.
func defaultDialOpts() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(100 << 20),
			grpc.MaxCallRecvMsgSize(100 << 20),
		),
	}
}

// A Client provides data access to the tables of a single instance. It is
// safe for concurrent use by multiple goroutines.
type Client struct {
	conn    *grpc.ClientConn
	ownConn bool
	client  btpb.BigtableClient

	project, instance string
}

// NewClient connects to the data endpoint at addr. If no dial options are
// given the connection is plaintext, suitable for an emulator or a sidecar
// proxy.
func NewClient(ctx context.Context, addr, project, instance string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = defaultDialOpts()
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	c := NewClientFromConn(conn, project, instance)
	c.ownConn = true
	return c, nil
}

// NewClientFromConn builds a client on an existing connection. The caller
// retains ownership of the connection; Close will not close it.
func NewClientFromConn(conn *grpc.ClientConn, project, instance string) *Client {
	return &Client{
		conn:     conn,
		client:   btpb.NewBigtableClient(conn),
		project:  project,
		instance: instance,
	}
}

// Close closes the connection if the client owns it.
func (c *Client) Close() error {
	if c.ownConn {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) fullTableName(table string) string {
	return fmt.Sprintf("projects/%s/instances/%s/tables/%s", c.project, c.instance, table)
}

// A Table refers to a table in an instance. Methods on Table may be called
// concurrently.
type Table struct {
	c     *Client
	table string
}

// Open opens a table by name. It does not check that the table exists; reads
// and writes against a missing table fail with a NotFound status.
func (c *Client) Open(table string) *Table {
	return &Table{c: c, table: table}
}
