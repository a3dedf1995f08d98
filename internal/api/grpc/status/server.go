package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/sidecar-keeper/internal/logger"
	pb "github.com/oshokin/sidecar-keeper/internal/pb/v1"
	"github.com/oshokin/sidecar-keeper/internal/service/provision"
	hub "github.com/oshokin/sidecar-keeper/internal/service/splash"
)

// Source reports sidecar readiness and status.
type Source interface {
	Ready() bool
	Statuses() []provision.Status
}

// Feed provides the latest status line per sidecar.
type Feed interface {
	Latest() []hub.Message
}

// Server implements the health and status services.
type Server struct {
	pb.UnimplementedStatusServiceServer

	// source reports readiness and per-sidecar snapshots.
	source Source
	// feed provides status lines, may be nil.
	feed Feed
	// health tracks serving status per sidecar and for the fleet ("").
	health *health.Server
}

// NewServer returns a server with every name, and the fleet, marked NOT_SERVING.
func NewServer(source Source, feed Feed, names []string) *Server {
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	for _, name := range names {
		healthServer.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	return &Server{
		source: source,
		feed:   feed,
		health: healthServer,
	}
}

// MarkReady flips name to SERVING, and the fleet too once every sidecar is ready.
func (s *Server) MarkReady(name string) {
	s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)

	if s.source.Ready() {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
}

// MarkExited flips name and the fleet to NOT_SERVING.
func (s *Server) MarkExited(name string) {
	s.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
}

// Register attaches the health and status services to registrar.
func (s *Server) Register(registrar grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(registrar, s.health)
	pb.RegisterStatusServiceServer(registrar, s)
}

// GetStatus returns the readiness flag, sidecar snapshots and latest messages.
func (s *Server) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	statuses := s.source.Statuses()
	sidecars := make([]any, 0, len(statuses))

	for _, st := range statuses {
		sidecars = append(sidecars, map[string]any{
			"name":      st.Name,
			"ready":     st.Ready,
			"running":   st.Running,
			"external":  st.External,
			"pid":       st.PID,
			"exit_code": st.ExitCode,
			"version":   st.Version,
		})
	}

	messages := make([]any, 0)

	if s.feed != nil {
		for _, message := range s.feed.Latest() {
			messages = append(messages, map[string]any{
				"source": message.Source,
				"text":   message.Text,
				"at":     message.At.UTC().Format(time.RFC3339Nano),
			})
		}
	}

	snapshot, err := structpb.NewStruct(map[string]any{
		"ready":    s.source.Ready(),
		"sidecars": sidecars,
		"messages": messages,
	})
	if err != nil {
		return nil, grpcstatus.Error(codes.Internal, "unable to encode status")
	}

	return snapshot, nil
}

// Run listens on address and serves until ctx is done.
func (s *Server) Run(ctx context.Context, address string) error {
	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer()
	s.Register(grpcServer)

	logger.InfoKV(ctx, "Status server listening", "listen_address", lis.Addr().String())

	// Closed after GracefulStop returns so Serve does not return early.
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		logger.Info(ctx, "Shutting down gRPC server")
		s.health.Shutdown()
		grpcServer.GracefulStop()
		close(done)
	}()

	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC: %w", err)
	}

	<-done
	logger.Info(ctx, "GRPC server stopped")

	return nil
}
