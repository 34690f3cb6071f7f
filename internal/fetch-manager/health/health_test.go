package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"background-fetch-service/internal/models"
)

type fixedStatus struct{ status models.FetchStatus }

func (f *fixedStatus) Status() models.FetchStatus { return f.status }

func TestServer_CheckFollowsFetchStatus(t *testing.T) {
	src := &fixedStatus{status: models.FetchStatusAvailable}
	s := NewServer(src)

	got, err := s.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, got)

	src.status = models.FetchStatusDenied
	got, err = s.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, got)
}

func TestServer_OverGRPC(t *testing.T) {
	s := NewServer(&fixedStatus{status: models.FetchStatusAvailable})
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.ServeListener(lis)
	defer s.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}
