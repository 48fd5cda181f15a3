package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

const projectLabel = "com.docker.compose.project"

// ContainerStatus describes one container of a compose project.
type ContainerStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Service string `json:"service"`
	Image   string `json:"image"`
	State   string `json:"state"`
	Status  string `json:"status"`
}

// dockerClient is the subset of the Docker API client used here.
type dockerClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Close() error
}

// DockerAPI queries the Docker engine API.
type DockerAPI struct {
	cli dockerClient
}

// NewDockerAPI connects to host, or to the environment default when host is
// empty. The API version is negotiated on first use.
func NewDockerAPI(host string) (*DockerAPI, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerAPI{cli: cli}, nil
}

// Ping checks that the engine is reachable.
func (d *DockerAPI) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// Status lists the containers of compose project name, sorted by name.
func (d *DockerAPI) Status(ctx context.Context, name string) ([]ContainerStatus, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", projectLabel+"="+name)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers of %s: %w", name, err)
	}

	statuses := make([]ContainerStatus, 0, len(list))
	for _, c := range list {
		var cname string
		if len(c.Names) > 0 {
			cname = strings.TrimPrefix(c.Names[0], "/")
		}
		statuses = append(statuses, ContainerStatus{
			ID:      c.ID,
			Name:    cname,
			Service: c.Labels["com.docker.compose.service"],
			Image:   c.Image,
			State:   string(c.State),
			Status:  c.Status,
		})
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses, nil
}

// Close releases the underlying client
func (d *DockerAPI) Close() error {
	return d.cli.Close()
}
