package kernel

import (
	"context"
	"log/slog"
	"time"

	"github.com/northbeam-io/acp/pkg/contracts"
)

// Heartbeater periodically reports kernel liveness to the hub and reacts to
// version drift in the response: a policy version change purges the local
// decision cache, a revocations version change triggers an immediate mirror
// poll.
type Heartbeater struct {
	client   *HubClient
	router   *Router
	mirror   *RevocationMirror
	kernelID string
	version  string
	interval time.Duration
	logger   *slog.Logger
}

// NewHeartbeater wires the heartbeat loop. mirror may be nil when the kernel
// runs without a revocation mirror.
func NewHeartbeater(client *HubClient, router *Router, mirror *RevocationMirror, kernelID, kernelVersion string, interval time.Duration, logger *slog.Logger) *Heartbeater {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeater{
		client:   client,
		router:   router,
		mirror:   mirror,
		kernelID: kernelID,
		version:  kernelVersion,
		interval: interval,
		logger:   logger,
	}
}

// Beat sends one heartbeat and applies version drift.
func (h *Heartbeater) Beat(ctx context.Context) error {
	req := &contracts.HeartbeatRequest{
		KernelID: h.kernelID,
		Version:  h.version,
		Packs:    h.router.Registry().Packs(),
		Status:   "ok",
	}

	resp, err := h.client.Heartbeat(ctx, req)
	if err != nil {
		return err
	}

	if resp.PolicyVersion != "" {
		h.router.ObservePolicyVersion(resp.PolicyVersion)
	}
	if h.mirror != nil && resp.RevocationsVersion > h.mirror.Version() {
		if err := h.mirror.Poll(ctx, h.client, h.kernelID); err != nil {
			h.logger.Warn("revocations refresh after heartbeat failed",
				"kernel_id", h.kernelID, "error", err)
		}
	}
	return nil
}

// Run beats immediately and then on the interval until the context is
// cancelled. Errors are logged and retried on the next tick.
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		if err := h.Beat(ctx); err != nil {
			h.logger.Warn("heartbeat failed", "kernel_id", h.kernelID, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
