// Package sysinfo builds the capability report an agent sends to the
// controller at registration and on demand. The report is a free-form map so
// new fields can be added without a protocol change; the controller stores it
// opaquely and serves it back on the agent listing.
package sysinfo

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// collectTimeout bounds the whole collection pass. gopsutil calls are local
// reads and fast; the docker daemon ping is the one thing that can hang.
const collectTimeout = 5 * time.Second

// Collector gathers host facts and optional docker inventory.
type Collector struct {
	version string
	// remoteTarget is the human-readable descriptor of the configured
	// remote executor, "" when none is configured.
	remoteTarget string
	docker       *DockerInventory // may be nil
	logger       *zap.Logger
}

// New creates a Collector. docker may be nil when the daemon is unavailable
// or docker reporting is disabled.
func New(version, remoteTarget string, docker *DockerInventory, logger *zap.Logger) *Collector {
	return &Collector{
		version:      version,
		remoteTarget: remoteTarget,
		docker:       docker,
		logger:       logger.Named("sysinfo"),
	}
}

// Collect assembles the capability report. Every probe is best-effort: a
// failing source logs a warning and leaves its fields out rather than failing
// registration.
func (c *Collector) Collect(ctx context.Context) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, collectTimeout)
	defer cancel()

	info := map[string]any{
		"agent_version": c.version,
		"os":            runtime.GOOS,
		"arch":          runtime.GOARCH,
	}

	executors := []string{"local"}
	if c.remoteTarget != "" {
		executors = append(executors, "remote")
		info["remote_target"] = c.remoteTarget
	}
	info["executors"] = executors

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info["hostname"] = hi.Hostname
		info["platform"] = hi.Platform
		info["platform_version"] = hi.PlatformVersion
		info["kernel_version"] = hi.KernelVersion
		info["uptime_seconds"] = hi.Uptime
	} else {
		c.logger.Warn("host info unavailable", zap.Error(err))
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info["cpu_count"] = n
	} else {
		c.logger.Warn("cpu count unavailable", zap.Error(err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info["memory_total_bytes"] = vm.Total
		info["memory_used_percent"] = vm.UsedPercent
	} else {
		c.logger.Warn("memory info unavailable", zap.Error(err))
	}

	if c.docker != nil {
		if inv, err := c.docker.Snapshot(ctx); err == nil {
			info["docker"] = inv
		} else {
			c.logger.Debug("docker inventory unavailable", zap.Error(err))
		}
	}

	return info
}
