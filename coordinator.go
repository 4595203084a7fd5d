package meshclient

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
	"k8s.io/klog/v2"
)

// Coordinator is the multi-process rendezvous: rank 0 serves a gRPC health
// endpoint on the master address, every rank (rank 0 included) dials it and
// blocks until it reports serving. It gives all processes a common barrier
// before device work starts, and a liveness signal afterwards.
type Coordinator struct {
	globalRank int
	worldSize  int
	masterAddr string
	port       int

	server       *grpc.Server
	healthServer *health.Server
	conn         *grpc.ClientConn
}

// InitializeCoordinator creates the client's Coordinator and starts the
// rendezvous. It may be called at most once per client.
func (c *Client) InitializeCoordinator(ctx context.Context, globalRank, worldSize int, masterAddr string, port int) error {
	if globalRank < 0 || worldSize <= 0 || globalRank >= worldSize {
		return errors.WithMessagef(ErrPrecondition,
			"invalid coordinator rank %d of world size %d", globalRank, worldSize)
	}
	c.mu.Lock()
	if c.coordinator != nil {
		c.mu.Unlock()
		return errors.WithMessagef(ErrPrecondition, "coordinator already initialized")
	}
	coordinator := &Coordinator{
		globalRank: globalRank,
		worldSize:  worldSize,
		masterAddr: masterAddr,
		port:       port,
	}
	c.coordinator = coordinator
	c.mu.Unlock()

	if err := coordinator.connect(ctx); err != nil {
		c.mu.Lock()
		c.coordinator = nil
		c.mu.Unlock()
		if shutdownErr := coordinator.Shutdown(); shutdownErr != nil {
			klog.Errorf("failed to shut down coordinator after connect error: %+v", shutdownErr)
		}
		return err
	}
	return nil
}

// CoordinatorInitialized reports whether InitializeCoordinator succeeded on
// this client.
func (c *Client) CoordinatorInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coordinator != nil
}

// GetCoordinator returns the client's Coordinator.
func (c *Client) GetCoordinator() (*Coordinator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coordinator == nil {
		return nil, errors.WithMessagef(ErrPrecondition, "coordinator not initialized")
	}
	return c.coordinator, nil
}

// GlobalRank of this process.
func (co *Coordinator) GlobalRank() int { return co.globalRank }

// WorldSize of the rendezvous.
func (co *Coordinator) WorldSize() int { return co.worldSize }

// connect performs the rendezvous: rank 0 starts serving, then every rank
// dials the master and polls its health until serving or ctx expires.
func (co *Coordinator) connect(ctx context.Context) error {
	if co.globalRank == 0 {
		if err := co.serve(); err != nil {
			return err
		}
	}
	target := net.JoinHostPort(co.masterAddr, fmt.Sprintf("%d", co.port))
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return errors.WithMessagef(ErrBackendFailure, "dialing coordinator master %q: %v", target, err)
	}
	co.conn = conn
	healthClient := healthgrpc.NewHealthClient(conn)
	for {
		resp, err := healthClient.Check(ctx, &healthgrpc.HealthCheckRequest{})
		if err == nil && resp.GetStatus() == healthgrpc.HealthCheckResponse_SERVING {
			klog.V(1).Infof("coordinator rank %d/%d connected to %s", co.globalRank, co.worldSize, target)
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WithMessagef(ErrBackendFailure,
				"coordinator rank %d gave up waiting for master %q: %v", co.globalRank, target, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// serve starts the master's health endpoint.
func (co *Coordinator) serve() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", co.port))
	if err != nil {
		return errors.WithMessagef(ErrBackendFailure, "coordinator master cannot listen on port %d: %v", co.port, err)
	}
	co.server = grpc.NewServer()
	co.healthServer = health.NewServer()
	co.healthServer.SetServingStatus("", healthgrpc.HealthCheckResponse_SERVING)
	healthgrpc.RegisterHealthServer(co.server, co.healthServer)
	go func() {
		if err := co.server.Serve(listener); err != nil {
			klog.Errorf("coordinator master server stopped: %+v", err)
		}
	}()
	return nil
}

// Shutdown tears down the rendezvous: closes the client connection and, on
// rank 0, stops the health endpoint.
func (co *Coordinator) Shutdown() error {
	var firstErr error
	if co.conn != nil {
		if err := co.conn.Close(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(ErrBackendFailure, "closing coordinator connection: %v", err)
		}
		co.conn = nil
	}
	if co.server != nil {
		co.healthServer.Shutdown()
		co.server.Stop()
		co.server = nil
		co.healthServer = nil
	}
	return firstErr
}
