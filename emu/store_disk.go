package emu

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/opt"
	btapb "google.golang.org/genproto/googleapis/bigtable/admin/v2"
	"google.golang.org/protobuf/proto"
)

// DiskStore persists tables in per-table leveldb databases under Root.
// Table metadata is kept alongside each database in a .table.proto file.
type DiskStore struct {
	// A root directory under which all data is stored.
	Root string

	// Log receives storage errors. The zero value discards them.
	Log zerolog.Logger
}

var _ Store = DiskStore{}

// Create a new table, destroying any existing table.
func (f DiskStore) Create(tbl *btapb.Table) Rows {
	f.SetTableMeta(tbl)
	path := filepath.Join(f.Root, tbl.Name)
	newFunc := func(nuke bool) *leveldb.DB {
		return newDiskDb(path, nuke)
	}

	return &leveldbRows{
		db:      newFunc(true),
		newFunc: newFunc,
	}
}

// GetTables returns metadata about all stored tables.
func (f DiskStore) GetTables() []*btapb.Table {
	var ret []*btapb.Table
	err := filepath.Walk(f.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !strings.HasSuffix(path, ".table.proto") {
			return nil
		}
		var tbl btapb.Table
		buf, err := os.ReadFile(path)
		if err != nil {
			f.Log.Err(err).Str("path", path).Msg("read table metadata")
			return nil
		}
		if err := proto.Unmarshal(buf, &tbl); err != nil {
			f.Log.Err(err).Str("path", path).Msg("unmarshal table metadata")
			return nil
		}
		ret = append(ret, &tbl)
		return nil
	})
	if err != nil {
		f.Log.Err(err).Str("root", f.Root).Msg("walk data root")
	}
	return ret
}

// Open the given table, which must have been previously returned by GetTables().
func (f DiskStore) Open(tbl *btapb.Table) Rows {
	path := filepath.Join(f.Root, tbl.Name)
	newFunc := func(nuke bool) *leveldb.DB {
		return newDiskDb(path, nuke)
	}

	return &leveldbRows{
		db:      newFunc(false),
		newFunc: newFunc,
	}
}

// SetTableMeta persists metadata about a table. The metadata file is written
// to a temp file and renamed into place so readers never see a partial write.
func (f DiskStore) SetTableMeta(tbl *btapb.Table) {
	path := filepath.Join(f.Root, tbl.Name)
	if err := os.MkdirAll(path, 0777); err != nil {
		f.Log.Err(err).Str("path", path).Msg("mkdir table dir")
	}
	buf, err := proto.Marshal(tbl)
	if err != nil {
		panic(err) // should not fail
	}

	outPath := path + ".table.proto"
	tmpPath := path + ".table.proto.tmp"
	if err := os.WriteFile(tmpPath, buf, 0666); err != nil {
		f.Log.Err(err).Str("path", tmpPath).Msg("write table metadata")
		return
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		f.Log.Err(err).Str("from", tmpPath).Str("to", outPath).Msg("rename table metadata")
		return
	}
}

func newDiskDb(path string, nuke bool) *leveldb.DB {
	if nuke {
		_ = os.RemoveAll(path)
	}

	db, err := leveldb.OpenFile(path, &opt.Options{
		Comparer:                     comparer.DefaultComparer,
		Compression:                  opt.NoCompression,
		DisableBufferPool:            true,
		DisableLargeBatchTransaction: true,
	})
	if err != nil {
		panic(err)
	}
	return db
}
