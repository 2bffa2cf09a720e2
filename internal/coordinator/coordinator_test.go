package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"cutout/internal/checkpoint"
	"cutout/internal/result"
	"cutout/internal/sdss"
	"cutout/internal/workunit"
)

func startBuf(t *testing.T, srv *Server) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testPartition() Partition {
	part := Partition{
		RunID: "run-7",
		Kind:  workunit.KindCoordinate,
		Size:  2,
		Schema: result.Schema{
			Bands: []sdss.Band{sdss.BandG, sdss.BandR, sdss.BandI},
			Size:  32,
			Match: true,
			HasZ:  true,
		},
	}
	for _, field := range []uint32{27, 28, 29} {
		key := sdss.FieldKey{Rerun: 301, Run: 1000, Camcol: 1, Field: field}
		part.Handles = append(part.Handles, checkpoint.Handle{
			Key:  key,
			Kind: workunit.KindCoordinate,
			Path: "/ckpt/" + key.Stem() + ".csv",
		})
	}
	return part
}

func TestPartitionBroadcast(t *testing.T) {
	part := testPartition()
	client := startBuf(t, NewServer(part, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := client.Partition(ctx, 1, 2)
	require.NoError(t, err)
	require.Equal(t, part.RunID, got.RunID)
	require.Equal(t, part.Kind, got.Kind)
	require.Equal(t, 2, got.Size)
	require.Equal(t, part.Schema, got.Schema)
	require.Equal(t, part.Handles, got.Handles)
}

func TestPartitionRejectsSizeMismatch(t *testing.T) {
	client := startBuf(t, NewServer(testPartition(), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Partition(ctx, 0, 3)
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Partition(ctx, 2, 2)
	require.Error(t, err)
}

func TestWaitReports(t *testing.T) {
	srv := NewServer(testPartition(), nil)
	client := startBuf(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.ReportDone(ctx, Report{Rank: 0, Attempted: 1, Completed: 1, Records: 4}))

	short, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	reports, err := srv.WaitReports(short)
	cancelShort()
	require.True(t, Error.Has(err))
	require.Len(t, reports, 1)

	go func() {
		_ = client.ReportDone(ctx, Report{Rank: 1, Attempted: 2, Completed: 1, Failed: 1, Records: 3})
	}()
	reports, err = srv.WaitReports(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, 1, reports[1].Failed)
	require.Equal(t, 4, reports[0].Records)
}

func TestHealthService(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = NewServer(testPartition(), nil).Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName}, grpc.WaitForReady(true))
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
