// ABOUTME: gRPC health service reporting whether the messaging gateway can send
// ABOUTME: Orchestrators probe grpc.health.v1 instead of scraping the HTTP readiness endpoint

package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "coven.desk.Gateway"

const healthPollInterval = 10 * time.Second

type readiness interface {
	Ready() error
}

// healthReporter mirrors gateway readiness into the gRPC health service.
type healthReporter struct {
	health  *health.Server
	gateway readiness
	logger  *slog.Logger

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus
}

func newHealthServer(gw readiness, logger *slog.Logger) (*grpc.Server, *healthReporter) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	h := &healthReporter{
		health:  health.NewServer(),
		gateway: gw,
		logger:  logger.With("component", "grpc-health"),
	}
	healthpb.RegisterHealthServer(server, h.health)
	reflection.Register(server)
	h.update()

	return server, h
}

// update sets SERVING when the gateway is ready, NOT_SERVING otherwise.
func (h *healthReporter) update() {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.gateway.Ready(); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if status != h.last {
		h.logger.Info("health status changed", "status", status.String())
		h.last = status
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// watch polls readiness until ctx is canceled.
func (h *healthReporter) watch(ctx context.Context) {
	h.update()

	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.update()
		}
	}
}

func (h *healthReporter) shutdown() {
	h.health.Shutdown()
}
