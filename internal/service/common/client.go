//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/sidecar-keeper/internal/config"
	"github.com/oshokin/sidecar-keeper/internal/logger"
	pb "github.com/oshokin/sidecar-keeper/internal/pb/v1"
)

const (
	// initialBackoff is the first pause between health checks.
	initialBackoff = 200 * time.Millisecond
	// maxBackoff caps the pause between health checks.
	maxBackoff = time.Second
	// healthCheckTimeout bounds a single health check.
	healthCheckTimeout = time.Second
)

// Client wraps the keeper status and health services.
type Client struct {
	// conn is the underlying gRPC connection to the keeper.
	conn *grpc.ClientConn
	// status is the keeper status client.
	status pb.StatusServiceClient
	// health is the standard health client.
	health healthpb.HealthClient

	// callTimeout is the default timeout for individual RPC calls.
	callTimeout time.Duration
}

// Option configures client behaviour.
type Option func(*Client)

// WithCallTimeout sets a default timeout for service calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// errAddressRequired is returned when a required address value is missing.
var errAddressRequired = errors.New("address must be provided")

// Dial establishes a gRPC connection to the keeper status server.
// Note: this uses insecure transport credentials; the status server binds to
// loopback by default.
func Dial(_ context.Context, address string, opts ...Option) (*Client, error) {
	if address == "" {
		return nil, errAddressRequired
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial status server: %w", err)
	}

	client := &Client{
		conn:        conn,
		status:      pb.NewStatusServiceClient(conn),
		health:      healthpb.NewHealthClient(conn),
		callTimeout: config.DefaultTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// GetStatus retrieves the keeper status snapshot.
func (c *Client) GetStatus(ctx context.Context) (*structpb.Struct, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	out, err := c.status.GetStatus(callCtx, new(emptypb.Empty))
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}

	return out, nil
}

// Check returns the serving status of service; "" is the whole fleet.
func (c *Client) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.health.Check(callCtx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("check health: %w", err)
	}

	return resp.GetStatus(), nil
}

// WaitForHealth blocks until service reports SERVING or ctx ends.
func (c *Client) WaitForHealth(ctx context.Context, service string) error {
	backoff := initialBackoff

	for {
		callCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		resp, err := c.health.Check(callCtx, &healthpb.HealthCheckRequest{Service: service})

		cancel()

		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			logger.DebugKV(ctx, "Health check is SERVING", "service", service)

			return nil
		}

		if err != nil {
			logger.DebugKV(ctx, "Waiting for health", "service", service, "error", err)
		} else {
			logger.DebugKV(ctx, "Waiting for health", "service", service, "status", resp.GetStatus().String())
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for health: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

// callContext returns a context with the client's call timeout if configured,
// otherwise a cancellable child context without a deadline.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}
