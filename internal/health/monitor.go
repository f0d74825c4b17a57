// Package health is the Health Monitor (C4): a periodic tick that probes
// every connected node and reconciles liveness state between the in-memory
// registry and the durable node table.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/nodegrid/master/internal/metrics"
	"github.com/nodegrid/master/internal/registry"
	"github.com/nodegrid/master/internal/store"
)

// Monitor wraps gocron and probes the registry's live connections at a
// fixed interval. A node whose ping frame cannot be written within the
// configured timeout, or whose ping fails, is marked UNRESPONSIVE in the
// registry and the node table; the probe does not wait for a pong. It is
// never disconnected outright by the monitor — only the node channel's own
// read loop removes a connection from the registry.
type Monitor struct {
	cron     gocron.Scheduler
	registry *registry.Registry
	store    *store.Store
	metrics  *metrics.Metrics
	logger   *zap.Logger

	interval time.Duration
	timeout  time.Duration
}

// New creates a Monitor. Call Start to begin ticking.
func New(reg *registry.Registry, st *store.Store, m *metrics.Metrics, interval, timeout time.Duration, logger *zap.Logger) (*Monitor, error) {
	c, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("health: failed to create scheduler: %w", err)
	}
	return &Monitor{
		cron:     c,
		registry: reg,
		store:    st,
		metrics:  m,
		interval: interval,
		timeout:  timeout,
		logger:   logger.Named("health"),
	}, nil
}

// Start registers the probe tick and starts the underlying gocron
// scheduler. Ticks run in singleton mode: if a probe round is still in
// flight when the next tick fires, the new one is skipped.
func (m *Monitor) Start(ctx context.Context) error {
	_, err := m.cron.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() { m.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("health: failed to schedule probe job: %w", err)
	}
	m.cron.Start()
	m.logger.Info("health monitor started",
		zap.Duration("interval", m.interval), zap.Duration("timeout", m.timeout))
	return nil
}

// Stop gracefully shuts down the monitor, waiting for an in-flight probe
// round to finish.
func (m *Monitor) Stop() error {
	if err := m.cron.Shutdown(); err != nil {
		return fmt.Errorf("health: shutdown error: %w", err)
	}
	m.logger.Info("health monitor stopped")
	return nil
}

// tick probes every currently connected node concurrently and reconciles
// status on both the registry client and the node table.
func (m *Monitor) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.HealthTickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	snaps := m.registry.Snapshot()
	if m.metrics != nil {
		m.metrics.ConnectedNodes.Set(float64(len(snaps)))
	}

	var wg sync.WaitGroup
	for _, s := range snaps {
		wg.Add(1)
		go func(s registry.Snapshot) {
			defer wg.Done()
			m.probe(ctx, s)
		}(s)
	}
	wg.Wait()
}

// probe pings a single node and reconciles its status on timeout or error.
// A successful probe only touches last-seen — it never overwrites a BUSY
// status, since a node can be legitimately busy and still responsive.
func (m *Monitor) probe(ctx context.Context, s registry.Snapshot) {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := s.Conn.Ping(pctx)
	if err == nil {
		client, ok := m.registry.ByNodeID(s.NodeID)
		if ok {
			client.Touch(time.Now().UTC())
		}
		return
	}

	m.logger.Warn("node failed to respond to ping",
		zap.String("node_id", s.NodeID.String()), zap.Error(err))

	if client, ok := m.registry.ByNodeID(s.NodeID); ok {
		client.SetRuntimeStatus(store.NodeUnresponsive)
	}

	storeCtx, storeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer storeCancel()

	node, getErr := m.store.GetNode(storeCtx, s.NodeID)
	if getErr != nil {
		m.logger.Error("failed to load node during health reconciliation",
			zap.String("node_id", s.NodeID.String()), zap.Error(getErr))
		return
	}
	node.Status = store.NodeUnresponsive
	if err := m.store.UpsertNode(storeCtx, node); err != nil {
		m.logger.Error("failed to persist unresponsive status",
			zap.String("node_id", s.NodeID.String()), zap.Error(err))
	}
}
