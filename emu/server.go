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

// Package emu implements an in-process wide-column store speaking the
// Bigtable v2 data and table admin protocols over gRPC.
//
// To use a Server, create it and connect to it with no security. The
// project/instance values are ignored.
//
//	srv, err := emu.NewServer("localhost:0")
//	...
//	client, err := tinytable.NewClient(ctx, srv.Addr, proj, instance)
//	...
package emu

import (
	"context"
	"math/rand"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	btapb "google.golang.org/genproto/googleapis/bigtable/admin/v2"
	btpb "google.golang.org/genproto/googleapis/bigtable/v2"
	iampb "google.golang.org/genproto/googleapis/iam/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server wraps a Service listening for gRPC connections, without TLS.
type Server struct {
	// Addr is the resolved listen address.
	Addr string

	l   net.Listener
	srv *grpc.Server
	s   *Service
}

// Options configures a Server or Service.
type Options struct {
	// The storage layer to use; if nil, defaults to MemStore.
	Storage Store
	// The clock to use; if nil, defaults to time.Now.
	Clock func() time.Time
	// Log receives diagnostics. The zero value discards them.
	Log zerolog.Logger

	// Grpc server options. Ignored by NewService.
	GrpcOpts []grpc.ServerOption
}

// NewServer creates a new Server listening on laddr.
func NewServer(laddr string, opt ...grpc.ServerOption) (*Server, error) {
	return NewServerWithOptions(laddr, Options{
		GrpcOpts: opt,
	})
}

// maxMsgSize raises the gRPC message limits so that cells near the 100 MB
// row size cap fit in a single mutation or response.
const maxMsgSize = 100 << 20

// NewServerWithOptions creates a new Server with the given options, listening
// on laddr. The resolved address is named by the Addr field.
func NewServerWithOptions(laddr string, opt Options) (*Server, error) {
	l, err := net.Listen("tcp", laddr)
	if err != nil {
		return nil, err
	}

	grpcOpts := append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	}, opt.GrpcOpts...)

	s := &Server{
		Addr: l.Addr().String(),
		l:    l,
		srv:  grpc.NewServer(grpcOpts...),
		s:    NewService(opt),
	}

	btapb.RegisterBigtableInstanceAdminServer(s.srv, s.s)
	btapb.RegisterBigtableTableAdminServer(s.srv, s.s)
	btpb.RegisterBigtableServer(s.srv, s.s)

	go func() {
		_ = s.srv.Serve(s.l)
	}()

	return s, nil
}

// Close shuts down the server and its storage.
func (s *Server) Close() {
	s.srv.Stop()
	_ = s.l.Close()
	s.s.Close()
}

// Service is the gRPC service implementation. Use it directly to register
// the emulator on a gRPC server you own; otherwise use NewServer.
type Service struct {
	storage Store
	clock   func() time.Time
	log     zerolog.Logger

	mu     sync.Mutex
	tables map[string]*table // keyed by fully qualified name
	done   chan struct{}     // closed on shutdown

	// Any unimplemented methods will return unimplemented.
	*btapb.UnimplementedBigtableTableAdminServer
	*btapb.UnimplementedBigtableInstanceAdminServer
	*btpb.UnimplementedBigtableServer
}

var (
	_ btpb.BigtableServer               = (*Service)(nil)
	_ btapb.BigtableTableAdminServer    = (*Service)(nil)
	_ btapb.BigtableInstanceAdminServer = (*Service)(nil)
)

// Both embedded admin servers declare the IAM methods, so the promoted
// copies are ambiguous; they must be pinned here for Service to satisfy
// either admin interface.

func (s *Service) GetIamPolicy(ctx context.Context, req *iampb.GetIamPolicyRequest) (*iampb.Policy, error) {
	return nil, status.Error(codes.Unimplemented, "GetIamPolicy is not implemented")
}

func (s *Service) SetIamPolicy(ctx context.Context, req *iampb.SetIamPolicyRequest) (*iampb.Policy, error) {
	return nil, status.Error(codes.Unimplemented, "SetIamPolicy is not implemented")
}

func (s *Service) TestIamPermissions(ctx context.Context, req *iampb.TestIamPermissionsRequest) (*iampb.TestIamPermissionsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "TestIamPermissions is not implemented")
}

// NewService creates an unstarted Service and loads any persisted tables from
// its storage.
func NewService(opt Options) *Service {
	if opt.Storage == nil {
		opt.Storage = MemStore{}
	}
	if opt.Clock == nil {
		opt.Clock = time.Now
	}
	s := &Service{
		storage: opt.Storage,
		clock:   opt.Clock,
		log:     opt.Log,
		tables:  make(map[string]*table),
		done:    make(chan struct{}),
	}

	for _, tbl := range s.storage.GetTables() {
		rows := s.storage.Open(tbl)
		s.tables[tbl.Name] = newTable(tbl, rows)
	}

	go s.gcloop()

	return s
}

// Close shuts down the service and closes the row storage of every table.
func (s *Service) Close() {
	close(s.done)

	var tbls []*table
	s.mu.Lock()
	for _, t := range s.tables {
		tbls = append(tbls, t)
	}
	s.mu.Unlock()

	for _, tbl := range tbls {
		func() {
			tbl.mu.Lock()
			defer tbl.mu.Unlock()
			tbl.rows.Close()
		}()
	}
}

// gcloop runs background garbage collection over dirty but inactive tables
// until the service is closed.
func (s *Service) gcloop() {
	const (
		minWait = 15000 // ms
		maxWait = 60000 // ms
	)

	for {
		d := time.Duration(minWait+rand.Intn(maxWait-minWait)) * time.Millisecond
		select {
		case <-time.After(d):
		case <-s.done:
			return
		}

		// GC dirty tables from oldest modified to newest.
		type todo struct {
			lastWrite int64
			tbl       *table
		}
		var todos []todo
		s.mu.Lock()
		for _, tbl := range s.tables {
			todos = append(todos, todo{atomic.LoadInt64(&tbl.lastWriteNanos), tbl})
		}
		s.mu.Unlock()

		sort.Slice(todos, func(i, j int) bool {
			return todos[i].lastWrite < todos[j].lastWrite
		})

		for _, todo := range todos {
			todo.tbl.gc(s.clock(), s.log, s.done, false)
		}
	}
}
