package tinytable

import (
	"context"
	"fmt"
	"strings"
	"time"

	btapb "google.golang.org/genproto/googleapis/bigtable/admin/v2"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/durationpb"
)

// An AdminClient manages the tables of an instance.
type AdminClient struct {
	conn    *grpc.ClientConn
	ownConn bool
	client  btapb.BigtableTableAdminClient

	project, instance string
}

// NewAdminClient connects to the table admin endpoint at addr. If no dial
// options are given the connection is plaintext.
func NewAdminClient(ctx context.Context, addr, project, instance string, opts ...grpc.DialOption) (*AdminClient, error) {
	if len(opts) == 0 {
		opts = defaultDialOpts()
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	ac := NewAdminClientFromConn(conn, project, instance)
	ac.ownConn = true
	return ac, nil
}

// NewAdminClientFromConn builds an admin client on an existing connection.
// The caller retains ownership of the connection; Close will not close it.
func NewAdminClientFromConn(conn *grpc.ClientConn, project, instance string) *AdminClient {
	return &AdminClient{
		conn:     conn,
		client:   btapb.NewBigtableTableAdminClient(conn),
		project:  project,
		instance: instance,
	}
}

// Close closes the connection if the client owns it.
func (ac *AdminClient) Close() error {
	if ac.ownConn {
		return ac.conn.Close()
	}
	return nil
}

func (ac *AdminClient) instancePrefix() string {
	return fmt.Sprintf("projects/%s/instances/%s", ac.project, ac.instance)
}

// CreateTable creates a new table in the instance, with no column families.
func (ac *AdminClient) CreateTable(ctx context.Context, table string) error {
	return ac.CreateTableWithFamilies(ctx, table, nil)
}

// CreateTableWithFamilies creates a new table with the given column families,
// each with GC policy "never collect".
func (ac *AdminClient) CreateTableWithFamilies(ctx context.Context, table string, families []string) error {
	var tbl *btapb.Table
	if len(families) > 0 {
		tbl = &btapb.Table{ColumnFamilies: make(map[string]*btapb.ColumnFamily)}
		for _, fam := range families {
			tbl.ColumnFamilies[fam] = &btapb.ColumnFamily{}
		}
	}
	req := &btapb.CreateTableRequest{
		Parent:  ac.instancePrefix(),
		TableId: table,
		Table:   tbl,
	}
	_, err := ac.client.CreateTable(ctx, req)
	return err
}

// DeleteTable deletes a table and all of its data.
func (ac *AdminClient) DeleteTable(ctx context.Context, table string) error {
	req := &btapb.DeleteTableRequest{
		Name: ac.instancePrefix() + "/tables/" + table,
	}
	_, err := ac.client.DeleteTable(ctx, req)
	return err
}

// Tables returns a list of the tables in the instance.
func (ac *AdminClient) Tables(ctx context.Context) ([]string, error) {
	req := &btapb.ListTablesRequest{
		Parent: ac.instancePrefix(),
	}
	res, err := ac.client.ListTables(ctx, req)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(res.Tables))
	prefix := ac.instancePrefix() + "/tables/"
	for _, tbl := range res.Tables {
		names = append(names, strings.TrimPrefix(tbl.Name, prefix))
	}
	return names, nil
}

// TableInfo represents information about a table.
type TableInfo struct {
	Families []string
}

// TableInfo retrieves information about a table.
func (ac *AdminClient) TableInfo(ctx context.Context, table string) (*TableInfo, error) {
	req := &btapb.GetTableRequest{
		Name: ac.instancePrefix() + "/tables/" + table,
	}
	res, err := ac.client.GetTable(ctx, req)
	if err != nil {
		return nil, err
	}
	ti := &TableInfo{}
	for fam := range res.ColumnFamilies {
		ti.Families = append(ti.Families, fam)
	}
	return ti, nil
}

// CreateColumnFamily creates a new column family in a table.
func (ac *AdminClient) CreateColumnFamily(ctx context.Context, table, family string) error {
	req := &btapb.ModifyColumnFamiliesRequest{
		Name: ac.instancePrefix() + "/tables/" + table,
		Modifications: []*btapb.ModifyColumnFamiliesRequest_Modification{{
			Id:  family,
			Mod: &btapb.ModifyColumnFamiliesRequest_Modification_Create{Create: &btapb.ColumnFamily{}},
		}},
	}
	_, err := ac.client.ModifyColumnFamilies(ctx, req)
	return err
}

// DeleteColumnFamily deletes a column family in a table and all of its data.
func (ac *AdminClient) DeleteColumnFamily(ctx context.Context, table, family string) error {
	req := &btapb.ModifyColumnFamiliesRequest{
		Name: ac.instancePrefix() + "/tables/" + table,
		Modifications: []*btapb.ModifyColumnFamiliesRequest_Modification{{
			Id:  family,
			Mod: &btapb.ModifyColumnFamiliesRequest_Modification_Drop{Drop: true},
		}},
	}
	_, err := ac.client.ModifyColumnFamilies(ctx, req)
	return err
}

// A GCPolicy controls how old cells in a column family are garbage collected.
type GCPolicy interface {
	String() string
	proto() *btapb.GcRule
}

// NoGcPolicy applies to all families; cells are never garbage collected.
func NoGcPolicy() GCPolicy { return noGCPolicy{} }

type noGCPolicy struct{}

func (noGCPolicy) String() string       { return "" }
func (noGCPolicy) proto() *btapb.GcRule { return &btapb.GcRule{Rule: nil} }

// MaxVersionsPolicy returns a GC policy that applies to all cells in a column
// beyond the n newest.
func MaxVersionsPolicy(n int) GCPolicy { return maxVersionsPolicy(n) }

type maxVersionsPolicy int

func (mvp maxVersionsPolicy) String() string { return fmt.Sprintf("versions() > %d", int(mvp)) }
func (mvp maxVersionsPolicy) proto() *btapb.GcRule {
	return &btapb.GcRule{Rule: &btapb.GcRule_MaxNumVersions{MaxNumVersions: int32(mvp)}}
}

// MaxAgePolicy returns a GC policy that applies to all cells older than the
// given age.
func MaxAgePolicy(d time.Duration) GCPolicy { return maxAgePolicy(d) }

type maxAgePolicy time.Duration

func (ma maxAgePolicy) String() string {
	return fmt.Sprintf("age() > %v", time.Duration(ma))
}
func (ma maxAgePolicy) proto() *btapb.GcRule {
	return &btapb.GcRule{Rule: &btapb.GcRule_MaxAge{MaxAge: durationpb.New(time.Duration(ma))}}
}

// UnionPolicy returns a GC policy that applies when any of its sub-policies
// apply.
func UnionPolicy(sub ...GCPolicy) GCPolicy { return unionPolicy{sub} }

type unionPolicy struct {
	sub []GCPolicy
}

func (up unionPolicy) String() string {
	var ss []string
	for _, sp := range up.sub {
		ss = append(ss, sp.String())
	}
	return "(" + strings.Join(ss, " || ") + ")"
}

func (up unionPolicy) proto() *btapb.GcRule {
	union := &btapb.GcRule_Union{}
	for _, sp := range up.sub {
		union.Rules = append(union.Rules, sp.proto())
	}
	return &btapb.GcRule{Rule: &btapb.GcRule_Union_{Union: union}}
}

// IntersectionPolicy returns a GC policy that applies when all of its
// sub-policies apply.
func IntersectionPolicy(sub ...GCPolicy) GCPolicy { return intersectionPolicy{sub} }

type intersectionPolicy struct {
	sub []GCPolicy
}

func (ip intersectionPolicy) String() string {
	var ss []string
	for _, sp := range ip.sub {
		ss = append(ss, sp.String())
	}
	return "(" + strings.Join(ss, " && ") + ")"
}

func (ip intersectionPolicy) proto() *btapb.GcRule {
	inter := &btapb.GcRule_Intersection{}
	for _, sp := range ip.sub {
		inter.Rules = append(inter.Rules, sp.proto())
	}
	return &btapb.GcRule{Rule: &btapb.GcRule_Intersection_{Intersection: inter}}
}

// SetGCPolicy specifies which cells in a column family should be garbage
// collected. GC executes opportunistically in the background.
func (ac *AdminClient) SetGCPolicy(ctx context.Context, table, family string, policy GCPolicy) error {
	req := &btapb.ModifyColumnFamiliesRequest{
		Name: ac.instancePrefix() + "/tables/" + table,
		Modifications: []*btapb.ModifyColumnFamiliesRequest_Modification{{
			Id:  family,
			Mod: &btapb.ModifyColumnFamiliesRequest_Modification_Update{Update: &btapb.ColumnFamily{GcRule: policy.proto()}},
		}},
	}
	_, err := ac.client.ModifyColumnFamilies(ctx, req)
	return err
}

// DropRowRange permanently deletes all rows whose key starts with the given
// prefix.
func (ac *AdminClient) DropRowRange(ctx context.Context, table, rowKeyPrefix string) error {
	req := &btapb.DropRowRangeRequest{
		Name:   ac.instancePrefix() + "/tables/" + table,
		Target: &btapb.DropRowRangeRequest_RowKeyPrefix{RowKeyPrefix: []byte(rowKeyPrefix)},
	}
	_, err := ac.client.DropRowRange(ctx, req)
	return err
}

// Truncate permanently deletes all rows from the table, keeping its schema.
func (ac *AdminClient) Truncate(ctx context.Context, table string) error {
	req := &btapb.DropRowRangeRequest{
		Name:   ac.instancePrefix() + "/tables/" + table,
		Target: &btapb.DropRowRangeRequest_DeleteAllDataFromTable{DeleteAllDataFromTable: true},
	}
	_, err := ac.client.DropRowRange(ctx, req)
	return err
}
