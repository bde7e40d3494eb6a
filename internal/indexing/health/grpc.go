package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// Service names published on the gRPC health endpoint. The empty name is the
// overall status.
const (
	ServiceIngestion = "contestwatch.ingestion"
	ServiceQueue     = "contestwatch.queue"
)

// GRPCServer serves grpc.health.v1 and refreshes it from the monitor.
type GRPCServer struct {
	monitor  *Monitor
	listener net.Listener
	server   *grpc.Server
	health   *grpchealth.Server
	interval time.Duration
	logger   *slog.Logger
}

// NewGRPCServer listens on addr (":0" picks a free port).
func NewGRPCServer(monitor *Monitor, addr string, logger *slog.Logger) (*GRPCServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)

	g := &GRPCServer{
		monitor:  monitor,
		listener: listener,
		server:   srv,
		health:   hs,
		interval: 5 * time.Second,
		logger:   logger.With("component", "grpc-health"),
	}
	g.Sync(context.Background())
	return g, nil
}

// Addr returns the listener address.
func (g *GRPCServer) Addr() string {
	return g.listener.Addr().String()
}

// Sync publishes the current monitor report.
func (g *GRPCServer) Sync(ctx context.Context) {
	report := g.monitor.CheckHealth(ctx)

	g.health.SetServingStatus("", servingStatus(report.SystemStatus))

	ingestion := StatusHealthy
	for _, s := range report.Streams {
		ingestion = Worse(ingestion, s.Status)
	}
	g.health.SetServingStatus(ServiceIngestion, servingStatus(ingestion))

	if report.Queue != nil {
		g.health.SetServingStatus(ServiceQueue, servingStatus(report.Queue.Status))
	}
}

// Serve runs until ctx is done.
func (g *GRPCServer) Serve(ctx context.Context) error {
	g.logger.Info("gRPC health server listening", "addr", g.Addr())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- g.server.Serve(g.listener)
	}()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.health.Shutdown()
			g.server.GracefulStop()
			return ignoreStopped(<-serveErr)
		case err := <-serveErr:
			return ignoreStopped(err)
		case <-ticker.C:
			g.Sync(ctx)
		}
	}
}

// Degraded still serves; only critical stops traffic.
func servingStatus(s SystemStatus) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if s == StatusCritical {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}

func ignoreStopped(err error) error {
	if err == nil || errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return fmt.Errorf("serve gRPC: %w", err)
}
