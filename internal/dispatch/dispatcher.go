// Package dispatch is the Dispatcher (C5): a periodic tick that matches
// pending work to available nodes and hands off assignment over the node
// channel.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/nodegrid/master/internal/metrics"
	"github.com/nodegrid/master/internal/registry"
	"github.com/nodegrid/master/internal/store"
)

// candidateBatchSize bounds how many jobs a single tick considers. A tick
// that can't place every pending job simply leaves the rest for the next
// one — there is no starvation risk since ListJobsByStatus orders oldest
// first and every job is reconsidered every tick.
const candidateBatchSize = 256

// encoder is the subset of the transport package's envelope construction
// the dispatcher needs. Defined here, not imported from transport, to avoid
// a dispatch->transport->dispatch import cycle; transport.EncodeJobAssign
// satisfies it.
type encoder func(job *store.Job, workdirRoot string) ([]byte, error)

// Dispatcher wraps gocron and matches QUEUED/PENDING jobs to connected
// nodes on each tick, per the matching rule in §4.5: a directed match on
// target_node_id takes priority, then a tag-subset match against any
// online node, ties broken by creation time ascending.
type Dispatcher struct {
	cron     gocron.Scheduler
	store    *store.Store
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger

	interval    time.Duration
	workdirRoot string
	encode      encoder
}

// New creates a Dispatcher. encode builds the outbound job.assign payload —
// callers pass transport.EncodeJobAssign in production and a stub in tests.
func New(st *store.Store, reg *registry.Registry, m *metrics.Metrics, interval time.Duration, workdirRoot string, encode encoder, logger *zap.Logger) (*Dispatcher, error) {
	c, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("dispatch: failed to create scheduler: %w", err)
	}
	return &Dispatcher{
		cron:        c,
		store:       st,
		registry:    reg,
		metrics:     m,
		interval:    interval,
		workdirRoot: workdirRoot,
		encode:      encode,
		logger:      logger.Named("dispatch"),
	}, nil
}

// Start registers the dispatch tick and starts the underlying gocron
// scheduler. Ticks run in singleton mode — an overrunning tick skips the
// next one rather than overlap.
func (d *Dispatcher) Start(ctx context.Context) error {
	_, err := d.cron.NewJob(
		gocron.DurationJob(d.interval),
		gocron.NewTask(func() { d.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("dispatch: failed to schedule tick: %w", err)
	}
	d.cron.Start()
	d.logger.Info("dispatcher started", zap.Duration("interval", d.interval))
	return nil
}

// Stop gracefully shuts down the dispatcher.
func (d *Dispatcher) Stop() error {
	if err := d.cron.Shutdown(); err != nil {
		return fmt.Errorf("dispatch: shutdown error: %w", err)
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

// tick loads the current candidate set and the live node pool once, then
// assigns candidates to nodes. Directed jobs (target_node_id set) are
// matched first, in oldest-first order, since §4.5 gives a directed match
// absolute priority for its target node regardless of what else is
// pending; undirected tag-matching jobs only consider whatever nodes
// directed jobs left in the pool. A node that has already been given a
// job this tick is removed from the pool so two jobs can't both win the
// same node in one pass.
func (d *Dispatcher) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.DispatchTickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	jobs, err := d.store.ListJobsByStatus(ctx, []store.JobStatus{store.JobPending, store.JobQueued}, candidateBatchSize)
	if err != nil {
		d.logger.Error("failed to list candidate jobs", zap.Error(err))
		return
	}
	if len(jobs) == 0 {
		return
	}

	pool := make(map[string]registry.Snapshot)
	for _, s := range d.registry.Snapshot() {
		if s.RuntimeStatus == store.NodeOnline || s.RuntimeStatus == store.NodeIdle {
			pool[s.NodeID.String()] = s
		}
	}
	if len(pool) == 0 {
		return
	}

	var directed, undirected []*store.Job
	for i := range jobs {
		if jobs[i].TargetNodeID != nil {
			directed = append(directed, &jobs[i])
		} else {
			undirected = append(undirected, &jobs[i])
		}
	}

	for _, job := range directed {
		target, ok := d.match(job, pool)
		if !ok {
			continue
		}
		delete(pool, target.NodeID.String())
		d.assign(ctx, job, target)
	}
	for _, job := range undirected {
		target, ok := d.match(job, pool)
		if !ok {
			continue
		}
		delete(pool, target.NodeID.String())
		d.assign(ctx, job, target)
	}
}

// match finds the node this job should go to, per the matching rule:
// a directed job (TargetNodeID set) only ever matches that exact node, and
// only if it is in the pool; an undirected job matches any pooled node
// whose tags are a superset of the job's requested tags. Candidates are
// walked in the pool's natural (unordered) iteration order — the first
// pooled match wins, since nothing in the spec ranks nodes against each
// other.
func (d *Dispatcher) match(job *store.Job, pool map[string]registry.Snapshot) (registry.Snapshot, bool) {
	if job.TargetNodeID != nil {
		s, ok := pool[job.TargetNodeID.String()]
		return s, ok
	}
	for _, s := range pool {
		if s.Tags.Has(job.RequestedTags) {
			return s, true
		}
	}
	return registry.Snapshot{}, false
}

// assign performs the conditional status transition and, only on success,
// sends the job.assign frame. AssignJob's WHERE clause is the sole
// arbiter of whether this job is still eligible — a concurrent
// operator-triggered expire or another dispatcher instance could have
// already moved it out of PENDING/QUEUED between the list and this call.
func (d *Dispatcher) assign(ctx context.Context, job *store.Job, target registry.Snapshot) {
	ok, err := d.store.AssignJob(ctx, job.ID, target.NodeID)
	if err != nil {
		d.logger.Error("failed to assign job",
			zap.String("job_id", job.ID.String()), zap.String("node_id", target.NodeID.String()), zap.Error(err))
		return
	}
	if !ok {
		if d.metrics != nil {
			d.metrics.JobsAssignRaceTotal.Inc()
		}
		d.logger.Debug("lost assignment race, job no longer eligible",
			zap.String("job_id", job.ID.String()))
		return
	}

	job.Status = store.JobRunning
	job.TargetNodeID = &target.NodeID
	payload, err := d.encode(job, d.workdirRoot)
	if err != nil {
		d.logger.Error("failed to encode job.assign", zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}

	if err := d.registry.Send(target.NodeID, payload); err != nil {
		d.logger.Warn("failed to send job.assign, job remains RUNNING and unreachable until next health probe",
			zap.String("job_id", job.ID.String()), zap.String("node_id", target.NodeID.String()), zap.Error(err))
		return
	}

	if client, ok := d.registry.ByNodeID(target.NodeID); ok {
		client.SetRuntimeStatus(store.NodeBusy)
	}
	if d.metrics != nil {
		d.metrics.JobsDispatchedTotal.Inc()
	}
	d.logger.Info("job dispatched",
		zap.String("job_id", job.ID.String()), zap.String("node_id", target.NodeID.String()))
}
