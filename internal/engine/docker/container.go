package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/Eliobros/mozhost-mz/internal/engine"
)

const cpuPeriod = 100000

// Create creates a stopped container for an environment and returns its id.
func (c *Client) Create(ctx context.Context, cfg engine.CreateConfig) (string, error) {
	config, hostCfg, err := containerSpec(cfg)
	if err != nil {
		return "", err
	}
	var id string
	err = c.traced(ctx, "engine.create", cfg.Name, func(ctx context.Context) error {
		resp, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, cfg.Name)
		if err != nil {
			return fmt.Errorf("container create: %w", err)
		}
		id = resp.ID
		return nil
	})
	return id, err
}

// Start starts the container.
func (c *Client) Start(ctx context.Context, handle string) error {
	return c.traced(ctx, "engine.start", handle, func(ctx context.Context) error {
		return translate(c.inner.ContainerStart(ctx, handle, container.StartOptions{}), "container start")
	})
}

// Stop stops the container, waiting for the configured grace period.
func (c *Client) Stop(ctx context.Context, handle string) error {
	timeout := c.stopTimeout
	return c.traced(ctx, "engine.stop", handle, func(ctx context.Context) error {
		return translate(c.inner.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout}), "container stop")
	})
}

// Remove force-removes the container. A missing container is not an error.
func (c *Client) Remove(ctx context.Context, handle string) error {
	if strings.TrimSpace(handle) == "" {
		return fmt.Errorf("container handle cannot be empty")
	}
	return c.traced(ctx, "engine.remove", handle, func(ctx context.Context) error {
		err := c.inner.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("remove container: %w", err)
		}
		return nil
	})
}

// Inspect reports whether the container exists and is running.
func (c *Client) Inspect(ctx context.Context, handle string) (engine.State, error) {
	var state engine.State
	err := c.traced(ctx, "engine.inspect", handle, func(ctx context.Context) error {
		info, err := c.inner.ContainerInspect(ctx, handle)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return fmt.Errorf("inspect container %q: %w", handle, err)
		}
		state.Exists = true
		if info.State != nil {
			state.Running = info.State.Running
			state.Status = string(info.State.Status)
			state.ExitCode = info.State.ExitCode
		}
		return nil
	})
	return state, err
}

// Logs returns the last tail lines of combined stdout and stderr.
func (c *Client) Logs(ctx context.Context, handle string, tail int) ([]string, error) {
	var lines []string
	err := c.traced(ctx, "engine.logs", handle, func(ctx context.Context) error {
		opts := container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Timestamps: true,
			Tail:       strconv.Itoa(tail),
		}
		rc, err := c.inner.ContainerLogs(ctx, handle, opts)
		if err != nil {
			return translate(err, "container logs %q", handle)
		}
		defer rc.Close()

		var combined strings.Builder
		if _, err := stdcopy.StdCopy(&combined, &combined, rc); err != nil && err != io.EOF {
			return fmt.Errorf("demultiplex logs: %w", err)
		}
		lines = SplitLines(combined.String(), tail)
		return nil
	})
	return lines, err
}

// Stats samples resource usage once.
func (c *Client) Stats(ctx context.Context, handle string) (engine.Stats, error) {
	var out engine.Stats
	err := c.traced(ctx, "engine.stats", handle, func(ctx context.Context) error {
		resp, err := c.inner.ContainerStatsOneShot(ctx, handle)
		if err != nil {
			return translate(err, "container stats %q", handle)
		}
		defer resp.Body.Close()
		var sample container.StatsResponse
		if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
			return fmt.Errorf("decode stats: %w", err)
		}
		out = computeStats(sample)
		return nil
	})
	return out, err
}

func containerSpec(cfg engine.CreateConfig) (*container.Config, *container.HostConfig, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, nil, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, nil, fmt.Errorf("image name cannot be empty")
	}
	config := &container.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		Labels:       cfg.Labels,
		ExposedPorts: nat.PortSet{},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
		Resources: container.Resources{
			Memory:    cfg.MemoryLimitMB * 1024 * 1024,
			CPUPeriod: cpuPeriod,
			CPUQuota:  int64(cfg.CPULimit * cpuPeriod),
		},
	}
	if cfg.InternalPort > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(cfg.InternalPort))
		if err != nil {
			return nil, nil, fmt.Errorf("internal port: %w", err)
		}
		config.ExposedPorts[port] = struct{}{}
		if cfg.HostPort > 0 {
			hostCfg.PortBindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(cfg.HostPort)}}
		}
	}
	if cfg.MountSource != "" && cfg.MountTarget != "" {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: cfg.MountSource,
			Target: cfg.MountTarget,
		})
	}
	return config, hostCfg, nil
}

func computeStats(s container.StatsResponse) engine.Stats {
	var out engine.Stats
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	online := float64(s.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if systemDelta > 0 && cpuDelta > 0 {
		out.CPUPercent = (cpuDelta / systemDelta) * online * 100
	}
	out.MemoryUsage = s.MemoryStats.Usage
	out.MemoryLimit = s.MemoryStats.Limit
	if out.MemoryLimit > 0 {
		out.MemoryPercent = float64(out.MemoryUsage) / float64(out.MemoryLimit) * 100
	}
	return out
}

// SplitLines splits raw log output into non-blank lines and keeps the last tail.
func SplitLines(raw string, tail int) []string {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return lines
}
