package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/mtzanidakis/hyperops/internal/natsbus"
	"github.com/mtzanidakis/hyperops/internal/store"
)

type Recorder interface {
	SaveSnapshot(h *store.HostSnapshot) error
}

type Publisher interface {
	PublishEvent(topic, eventType string, data any) error
}

// SampleFunc reads the current host state.
type SampleFunc func(ctx context.Context) (*store.HostSnapshot, error)

// Sample reads load averages, memory and uptime from the host.
func Sample(ctx context.Context) (*store.HostSnapshot, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("load average: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("uptime: %w", err)
	}

	return &store.HostSnapshot{
		Load1:       avg.Load1,
		Load5:       avg.Load5,
		Load15:      avg.Load15,
		MemFree:     vm.Available,
		MemTotal:    vm.Total,
		Uptime:      uptime,
		CollectedAt: time.Now(),
	}, nil
}

type Collector struct {
	sample    SampleFunc
	recorder  Recorder
	publisher Publisher
	logger    *slog.Logger
}

func NewCollector(sample SampleFunc, recorder Recorder, publisher Publisher, logger *slog.Logger) *Collector {
	if sample == nil {
		sample = Sample
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{sample: sample, recorder: recorder, publisher: publisher, logger: logger}
}

// Collect takes one snapshot, stores it and publishes it. It has the shape
// of a scheduler workflow body.
func (c *Collector) Collect(ctx context.Context) error {
	snap, err := c.sample(ctx)
	if err != nil {
		return err
	}

	if c.recorder != nil {
		if err := c.recorder.SaveSnapshot(snap); err != nil {
			return err
		}
	}

	if c.publisher != nil {
		if err := c.publisher.PublishEvent(natsbus.TopicEventsTelemetry, "host_snapshot", snap); err != nil {
			c.logger.Warn("failed to publish telemetry", "error", err)
		}
	}

	c.logger.Debug("host snapshot collected", "load1", snap.Load1, "mem_free", snap.MemFree, "uptime", snap.Uptime)
	return nil
}
