/*
Copyright 2015 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package emu

import (
	"bytes"
	"context"
	"strings"

	btapb "google.golang.org/genproto/googleapis/bigtable/admin/v2"
	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

func (s *Service) CreateTable(ctx context.Context, req *btapb.CreateTableRequest) (*btapb.Table, error) {
	tbl := req.Parent + "/tables/" + req.TableId

	s.mu.Lock()
	if _, ok := s.tables[tbl]; ok {
		s.mu.Unlock()
		return nil, status.Errorf(codes.AlreadyExists, "table %q already exists", tbl)
	}
	if req.Table == nil {
		req.Table = &btapb.Table{}
	}
	req.Table.Name = tbl
	rows := s.storage.Create(req.Table)
	s.tables[tbl] = newTable(req.Table, rows)
	s.mu.Unlock()

	ct := &btapb.Table{
		Name:           tbl,
		ColumnFamilies: req.GetTable().GetColumnFamilies(),
		Granularity:    req.GetTable().GetGranularity(),
	}
	if ct.Granularity == 0 {
		ct.Granularity = btapb.Table_MILLIS
	}
	return ct, nil
}

func (s *Service) ListTables(ctx context.Context, req *btapb.ListTablesRequest) (*btapb.ListTablesResponse, error) {
	res := &btapb.ListTablesResponse{}
	prefix := req.Parent + "/tables/"

	s.mu.Lock()
	for tbl := range s.tables {
		if strings.HasPrefix(tbl, prefix) {
			res.Tables = append(res.Tables, &btapb.Table{Name: tbl})
		}
	}
	s.mu.Unlock()

	return res, nil
}

func (s *Service) GetTable(ctx context.Context, req *btapb.GetTableRequest) (*btapb.Table, error) {
	s.mu.Lock()
	tbl, ok := s.tables[req.Name]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", req.Name)
	}

	tbl.mu.RLock()
	defer tbl.mu.RUnlock()
	return tbl.def, nil
}

func (s *Service) DeleteTable(ctx context.Context, req *btapb.DeleteTableRequest) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[req.Name]; !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", req.Name)
	}
	delete(s.tables, req.Name)
	return &emptypb.Empty{}, nil
}

func (s *Service) ModifyColumnFamilies(ctx context.Context, req *btapb.ModifyColumnFamiliesRequest) (*btapb.Table, error) {
	s.mu.Lock()
	tbl, ok := s.tables[req.Name]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", req.Name)
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	cfs := tbl.def.ColumnFamilies

	for _, mod := range req.Modifications {
		if create := mod.GetCreate(); create != nil {
			if _, ok := cfs[mod.Id]; ok {
				return nil, status.Errorf(codes.AlreadyExists, "family %q already exists", mod.Id)
			}
			cfs[mod.Id] = &btapb.ColumnFamily{
				GcRule: create.GcRule,
			}
		} else if mod.GetDrop() {
			if _, ok := cfs[mod.Id]; !ok {
				return nil, status.Errorf(codes.NotFound, "can't delete unknown family %q", mod.Id)
			}
			delete(cfs, mod.Id)

			// Purge all data for this column family.
			tbl.rows.Ascend(func(r *btpb.Row) bool {
				r, changed := scrubRow(r, tbl.cols())
				if changed {
					tbl.rows.ReplaceOrInsert(r)
				}
				return true
			})
		} else if modify := mod.GetUpdate(); modify != nil {
			cf, ok := cfs[mod.Id]
			if !ok {
				return nil, status.Errorf(codes.NotFound, "no such family %q", mod.Id)
			}
			// Replace the GC rule outright; partial updates are not supported.
			cf.GcRule = modify.GcRule
		}
	}

	s.storage.SetTableMeta(tbl.def)
	return tbl.def, nil
}

func (s *Service) DropRowRange(ctx context.Context, req *btapb.DropRowRangeRequest) (*emptypb.Empty, error) {
	s.mu.Lock()
	tbl, ok := s.tables[req.Name]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", req.Name)
	}

	defer tbl.write()
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if req.GetDeleteAllDataFromTable() {
		tbl.rows.Clear()
	} else {
		prefix := req.GetRowKeyPrefix()
		if prefix == nil {
			return nil, status.Error(codes.InvalidArgument, "missing row key prefix")
		}

		// Rows provides no "delete range" method, and does not specify what
		// happens if rows are deleted during iteration. So collect the keys
		// first, then delete them one by one.
		var rowsToDelete []keyType
		tbl.rows.AscendGreaterOrEqual(prefix, func(r *btpb.Row) bool {
			if bytes.HasPrefix(r.Key, prefix) {
				rowsToDelete = append(rowsToDelete, r.Key)
				return true
			}
			return false // past the prefix, stop iteration
		})
		for _, k := range rowsToDelete {
			tbl.rows.Delete(k)
		}
	}
	return &emptypb.Empty{}, nil
}

func (s *Service) GenerateConsistencyToken(ctx context.Context, req *btapb.GenerateConsistencyTokenRequest) (*btapb.GenerateConsistencyTokenResponse, error) {
	s.mu.Lock()
	_, ok := s.tables[req.Name]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", req.Name)
	}

	return &btapb.GenerateConsistencyTokenResponse{
		ConsistencyToken: "TokenFor-" + req.Name,
	}, nil
}

func (s *Service) CheckConsistency(ctx context.Context, req *btapb.CheckConsistencyRequest) (*btapb.CheckConsistencyResponse, error) {
	s.mu.Lock()
	_, ok := s.tables[req.Name]
	s.mu.Unlock()
	if !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", req.Name)
	}

	if req.ConsistencyToken != "TokenFor-"+req.Name {
		return nil, status.Errorf(codes.InvalidArgument, "token %q not valid", req.ConsistencyToken)
	}

	// A single in-process cluster is always consistent.
	return &btapb.CheckConsistencyResponse{
		Consistent: true,
	}, nil
}
