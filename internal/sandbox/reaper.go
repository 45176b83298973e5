package sandbox

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	"go.uber.org/zap"

	"github.com/cognihq/graphcore/internal/metrics"
)

// Reaper removes containers and volumes left behind by runs that died
// without teardown (process crash, engine restart). It matches on the
// cogni.role label, never on names.
type Reaper struct {
	docker dockerAPI
	log    *zap.Logger
}

func NewReaper(docker dockerAPI, log *zap.Logger) *Reaper {
	return &Reaper{docker: docker, log: log}
}

// Sweep force-removes every labeled container, then every labeled
// volume, and returns how many objects went away. Containers go first;
// a volume still mounted cannot be removed. Individual failures are
// logged and counted, not fatal; the next sweep retries them.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	byLabel := filters.NewArgs(filters.Arg("label", labelRole))

	removed := 0
	containers, err := r.docker.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: byLabel})
	if err != nil {
		return removed, fmt.Errorf("list containers: %w", err)
	}
	for _, c := range containers {
		if err := r.docker.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			r.log.Error("reap container failed",
				zap.String("container_id", c.ID),
				zap.String("role", c.Labels[labelRole]),
				zap.Error(err))
			metrics.SandboxCleanupFailures.Inc()
			continue
		}
		removed++
		r.log.Info("reaped container",
			zap.String("container_id", c.ID),
			zap.String("role", c.Labels[labelRole]),
			zap.String("run_id", c.Labels[labelRunID]))
	}

	vols, err := r.docker.VolumeList(ctx, volume.ListOptions{Filters: byLabel})
	if err != nil {
		return removed, fmt.Errorf("list volumes: %w", err)
	}
	for _, v := range vols.Volumes {
		if err := r.docker.VolumeRemove(ctx, v.Name, true); err != nil {
			r.log.Error("reap volume failed", zap.String("volume", v.Name), zap.Error(err))
			metrics.SandboxCleanupFailures.Inc()
			continue
		}
		removed++
		r.log.Info("reaped volume", zap.String("volume", v.Name))
	}
	return removed, nil
}
