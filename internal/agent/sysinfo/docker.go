package sysinfo

import (
	"context"
	"errors"
	"fmt"

	containertypes "github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
)

// ErrDockerUnavailable is returned when the docker daemon cannot be reached.
// Callers should treat it as a non-fatal condition — docker inventory is an
// optional part of the capability report.
var ErrDockerUnavailable = errors.New("sysinfo: docker daemon unavailable")

// DockerInventory reads a small read-only snapshot of the local docker daemon
// for the capability report. It never writes to the daemon.
type DockerInventory struct {
	docker *dockerclient.Client
}

// NewDockerInventory connects to the docker daemon at socketPath. Use the
// empty string for the SDK default (DOCKER_HOST env var, or the platform
// socket). Returns ErrDockerUnavailable when the client cannot be created or
// the daemon does not answer a ping.
func NewDockerInventory(ctx context.Context, socketPath string) (*DockerInventory, error) {
	opts := []dockerclient.Opt{
		dockerclient.WithAPIVersionNegotiation(),
	}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}

	dc, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}
	if _, err := dc.Ping(ctx); err != nil {
		dc.Close()
		return nil, fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}

	return &DockerInventory{docker: dc}, nil
}

// Snapshot returns the daemon version and running container count.
func (d *DockerInventory) Snapshot(ctx context.Context) (map[string]any, error) {
	version, err := d.docker.ServerVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}

	containers, err := d.docker.ContainerList(ctx, containertypes.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDockerUnavailable, err)
	}

	return map[string]any{
		"version":            version.Version,
		"api_version":        version.APIVersion,
		"running_containers": len(containers),
	}, nil
}

// Close releases the underlying docker client resources.
func (d *DockerInventory) Close() error {
	return d.docker.Close()
}
