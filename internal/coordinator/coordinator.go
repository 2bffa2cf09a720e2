// Package coordinator broadcasts the work-unit partition of a multi-process
// run. One process holds the ordered checkpoint handles and serves them over
// gRPC; each worker fetches the list once, computes its own static range and
// reports its tally when done.
package coordinator

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"cutout/internal/checkpoint"
	"cutout/internal/result"
	"cutout/internal/sdss"
	"cutout/internal/workunit"
)

// Error is the class for coordination failures. They abort the run.
var Error = errs.Class("coordinator")

const (
	serviceName        = "cutout.v1.Coordinator"
	methodGetPartition = "/" + serviceName + "/GetPartition"
	methodReportDone   = "/" + serviceName + "/ReportDone"
)

// Partition is the ordered unit list every worker slices, with the record
// layout fixed by the coordinator for the whole run.
type Partition struct {
	RunID   string
	Kind    workunit.Kind
	Size    int
	Schema  result.Schema
	Handles []checkpoint.Handle
}

// Report is a worker's tally for its range.
type Report struct {
	Rank      int
	Attempted int
	Completed int
	Skipped   int
	Failed    int
	Records   int
}

type coordinatorServer interface {
	GetPartition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportDone(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*coordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetPartition", Handler: unary(methodGetPartition, coordinatorServer.GetPartition)},
		{MethodName: "ReportDone", Handler: unary(methodReportDone, coordinatorServer.ReportDone)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cutout/v1/coordinator.proto",
}

func unary(full string, call func(coordinatorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(coordinatorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(coordinatorServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Server serves one partition.
type Server struct {
	log  *slog.Logger
	part Partition

	mu      sync.Mutex
	reports map[int]Report
	changed chan struct{}
}

// NewServer returns a server for part.
func NewServer(part Partition, log *slog.Logger) *Server {
	return &Server{
		log:     log,
		part:    part,
		reports: make(map[int]Report),
		changed: make(chan struct{}),
	}
}

// Register adds the coordinator and health services to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(g, hs)
}

// Serve runs a gRPC server on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	g := grpc.NewServer(grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
		MinTime:             10 * time.Second,
		PermitWithoutStream: true,
	}))
	s.Register(g)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Serve(lis) }()

	select {
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			g.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			g.Stop()
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) GetPartition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rank, size := intField(req, "rank"), intField(req, "size")
	if size != s.part.Size {
		return nil, status.Errorf(codes.InvalidArgument, "worker size %d, run has %d workers", size, s.part.Size)
	}
	if rank < 0 || rank >= size {
		return nil, status.Errorf(codes.InvalidArgument, "rank %d outside [0, %d)", rank, size)
	}
	if s.log != nil {
		s.log.Info("partition requested", "rank", rank, "size", size, "units", len(s.part.Handles))
	}
	out, err := encodePartition(s.part)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) ReportDone(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r := Report{
		Rank:      intField(req, "rank"),
		Attempted: intField(req, "attempted"),
		Completed: intField(req, "completed"),
		Skipped:   intField(req, "skipped"),
		Failed:    intField(req, "failed"),
		Records:   intField(req, "records"),
	}
	if r.Rank < 0 || r.Rank >= s.part.Size {
		return nil, status.Errorf(codes.InvalidArgument, "rank %d outside [0, %d)", r.Rank, s.part.Size)
	}
	s.mu.Lock()
	s.reports[r.Rank] = r
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	if s.log != nil {
		s.log.Info("worker finished", "rank", r.Rank, "completed", r.Completed, "failed", r.Failed)
	}
	return &structpb.Struct{}, nil
}

// Reports returns the reports received so far.
func (s *Server) Reports() map[int]Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]Report, len(s.reports))
	for k, v := range s.reports {
		out[k] = v
	}
	return out
}

// WaitReports blocks until every rank reported or ctx is done.
func (s *Server) WaitReports(ctx context.Context) (map[int]Report, error) {
	for {
		s.mu.Lock()
		n := len(s.reports)
		changed := s.changed
		s.mu.Unlock()
		if n >= s.part.Size {
			return s.Reports(), nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return s.Reports(), Error.New("%d of %d workers reported: %v", n, s.part.Size, ctx.Err())
		}
	}
}

// Client talks to a coordinator.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr. Extra options are appended to the defaults.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Partition fetches the unit list. It waits for the coordinator to come up.
func (c *Client) Partition(ctx context.Context, rank, size int) (*Partition, error) {
	in, err := structpb.NewStruct(map[string]any{"rank": rank, "size": size})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodGetPartition, in, out, grpc.WaitForReady(true)); err != nil {
		return nil, Error.Wrap(err)
	}
	return decodePartition(out)
}

// ReportDone sends the worker's tally.
func (c *Client) ReportDone(ctx context.Context, r Report) error {
	in, err := structpb.NewStruct(map[string]any{
		"rank":      r.Rank,
		"attempted": r.Attempted,
		"completed": r.Completed,
		"skipped":   r.Skipped,
		"failed":    r.Failed,
		"records":   r.Records,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(c.conn.Invoke(ctx, methodReportDone, in, new(structpb.Struct), grpc.WaitForReady(true)))
}

func encodePartition(p Partition) (*structpb.Struct, error) {
	handles := make([]any, 0, len(p.Handles))
	for _, h := range p.Handles {
		handles = append(handles, map[string]any{
			"rerun":  h.Key.Rerun,
			"run":    h.Key.Run,
			"camcol": h.Key.Camcol,
			"field":  h.Key.Field,
			"path":   h.Path,
		})
	}
	return structpb.NewStruct(map[string]any{
		"run_id":  p.RunID,
		"kind":    string(p.Kind),
		"size":    p.Size,
		"handles": handles,
		"schema": map[string]any{
			"bands":     sdss.FormatBands(p.Schema.Bands),
			"size":      p.Schema.Size,
			"match":     p.Schema.Match,
			"has_class": p.Schema.HasClass,
			"has_z":     p.Schema.HasZ,
		},
	})
}

func decodeSchema(m map[string]any) (result.Schema, error) {
	sm, ok := m["schema"].(map[string]any)
	if !ok {
		return result.Schema{}, Error.New("partition carries no schema")
	}
	bands, _ := sm["bands"].(string)
	parsed, err := sdss.ParseBands(bands)
	if err != nil {
		return result.Schema{}, Error.Wrap(err)
	}
	s := result.Schema{Bands: parsed, Size: int(num(sm["size"]))}
	s.Match, _ = sm["match"].(bool)
	s.HasClass, _ = sm["has_class"].(bool)
	s.HasZ, _ = sm["has_z"].(bool)
	if s.Size <= 0 {
		return result.Schema{}, Error.New("partition schema has cutout size %d", s.Size)
	}
	return s, nil
}

func decodePartition(s *structpb.Struct) (*Partition, error) {
	m := s.AsMap()
	p := &Partition{Size: intField(s, "size")}
	p.RunID, _ = m["run_id"].(string)
	kind, _ := m["kind"].(string)
	p.Kind = workunit.Kind(kind)
	schema, err := decodeSchema(m)
	if err != nil {
		return nil, err
	}
	p.Schema = schema

	list, _ := m["handles"].([]any)
	for i, item := range list {
		hm, ok := item.(map[string]any)
		if !ok {
			return nil, Error.New("handle %d is not an object", i)
		}
		path, _ := hm["path"].(string)
		h := checkpoint.Handle{
			Kind: p.Kind,
			Path: path,
			Key: sdss.FieldKey{
				Rerun:  uint32(num(hm["rerun"])),
				Run:    uint32(num(hm["run"])),
				Camcol: uint32(num(hm["camcol"])),
				Field:  uint32(num(hm["field"])),
			},
		}
		if err := h.Key.Validate(); err != nil {
			return nil, Error.Wrap(err)
		}
		p.Handles = append(p.Handles, h)
	}
	return p, nil
}

func intField(s *structpb.Struct, name string) int {
	v, ok := s.GetFields()[name]
	if !ok {
		return -1
	}
	return int(v.GetNumberValue())
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}
