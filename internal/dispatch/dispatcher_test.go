package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nodegrid/master/internal/metrics"
	"github.com/nodegrid/master/internal/registry"
	"github.com/nodegrid/master/internal/store"
)

type fakeConn struct {
	sent    [][]byte
	sendErr error
}

func (f *fakeConn) Send(payload []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}
func (f *fakeConn) Ping(ctx context.Context) error { return nil }
func (f *fakeConn) Close() error                   { return nil }
func (f *fakeConn) RemoteAddr() string              { return "fake" }

func stubEncode(job *store.Job, workdirRoot string) ([]byte, error) {
	return []byte(`{"type":"job.assign","job_id":"` + job.ID.String() + `"}`), nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	require.NoError(t, st.AutoMigrate())
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(zap.NewNop())
	m := metrics.New(prometheus.NewRegistry())

	d, err := New(st, reg, m, 0, "/workdir", stubEncode, zap.NewNop())
	require.NoError(t, err)
	return d, reg, st
}

func TestMatchDirectedJobOnlyMatchesTargetNode(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)

	onlineClient := reg.Register(&fakeConn{})
	onlineClient.SetRuntimeStatus(store.NodeOnline)
	otherClient := reg.Register(&fakeConn{})
	otherClient.SetRuntimeStatus(store.NodeOnline)

	pool := map[string]registry.Snapshot{}
	for _, s := range reg.Snapshot() {
		pool[s.NodeID.String()] = s
	}

	target := onlineClient.NodeID
	job := &store.Job{TargetNodeID: &target}

	matched, ok := d.match(job, pool)
	require.True(t, ok)
	assert.Equal(t, target, matched.NodeID)
}

func TestMatchDirectedJobMissesWhenTargetNotInPool(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	missing := uuid.Must(uuid.NewV7())
	job := &store.Job{TargetNodeID: &missing}

	_, ok := d.match(job, map[string]registry.Snapshot{})
	assert.False(t, ok)
}

func TestMatchUndirectedJobRequiresTagSubset(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)

	client := reg.Register(&fakeConn{})
	client.SetMetadata("worker", store.StringSet{"linux"}, nil)

	pool := map[string]registry.Snapshot{}
	for _, s := range reg.Snapshot() {
		pool[s.NodeID.String()] = s
	}

	jobNeedsGPU := &store.Job{RequestedTags: store.StringSet{"gpu"}}
	_, ok := d.match(jobNeedsGPU, pool)
	assert.False(t, ok, "a node without the requested tag must not match")

	jobNeedsLinux := &store.Job{RequestedTags: store.StringSet{"linux"}}
	matched, ok := d.match(jobNeedsLinux, pool)
	require.True(t, ok)
	assert.Equal(t, client.NodeID, matched.NodeID)
}

func TestAssignSendsJobAssignOnSuccess(t *testing.T) {
	d, reg, st := newTestDispatcher(t)
	conn := &fakeConn{}
	client := reg.Register(conn)

	job := &store.Job{Prompt: "do work", Status: store.JobPending}
	require.NoError(t, st.UpsertJob(context.Background(), job))

	snap := registry.Snapshot{NodeID: client.NodeID, Conn: conn}
	d.assign(context.Background(), job, snap)

	require.Len(t, conn.sent, 1, "a successful assign must send exactly one job.assign frame")

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, got.Status)

	updatedClient, ok := reg.ByNodeID(client.NodeID)
	require.True(t, ok)
	assert.Equal(t, store.NodeBusy, updatedClient.RuntimeStatus())
}

func TestAssignDoesNotSendWhenJobAlreadyTaken(t *testing.T) {
	d, reg, st := newTestDispatcher(t)
	conn := &fakeConn{}
	client := reg.Register(conn)

	job := &store.Job{Prompt: "already running", Status: store.JobRunning}
	require.NoError(t, st.UpsertJob(context.Background(), job))

	snap := registry.Snapshot{NodeID: client.NodeID, Conn: conn}
	d.assign(context.Background(), job, snap)

	assert.Empty(t, conn.sent, "losing the assign race must not send a job.assign frame")
}

func TestAssignLeavesJobRunningWhenSendFails(t *testing.T) {
	d, reg, st := newTestDispatcher(t)
	conn := &fakeConn{sendErr: errors.New("peer gone")}
	client := reg.Register(conn)

	job := &store.Job{Prompt: "unreachable", Status: store.JobPending}
	require.NoError(t, st.UpsertJob(context.Background(), job))

	snap := registry.Snapshot{NodeID: client.NodeID, Conn: conn}
	d.assign(context.Background(), job, snap)

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, got.Status, "the job stays RUNNING even if delivery fails; the health monitor will eventually catch the dead node")
}

func TestTickSkipsOfflineNodesAndOneNodePerJobPerTick(t *testing.T) {
	d, reg, st := newTestDispatcher(t)

	onlineConn := &fakeConn{}
	onlineClient := reg.Register(onlineConn)
	onlineClient.SetRuntimeStatus(store.NodeOnline)

	offlineConn := &fakeConn{}
	offlineClient := reg.Register(offlineConn)
	offlineClient.SetRuntimeStatus(store.NodeOffline)

	jobA := &store.Job{Prompt: "a", Status: store.JobPending}
	jobB := &store.Job{Prompt: "b", Status: store.JobPending}
	require.NoError(t, st.UpsertJob(context.Background(), jobA))
	require.NoError(t, st.UpsertJob(context.Background(), jobB))

	d.tick(context.Background())

	require.Len(t, onlineConn.sent, 1, "exactly one job should be dispatched to the single online node this tick")
	assert.Empty(t, offlineConn.sent)

	gotA, err := st.GetJob(context.Background(), jobA.ID)
	require.NoError(t, err)
	gotB, err := st.GetJob(context.Background(), jobB.ID)
	require.NoError(t, err)

	running := 0
	if gotA.Status == store.JobRunning {
		running++
	}
	if gotB.Status == store.JobRunning {
		running++
	}
	assert.Equal(t, 1, running, "only one of the two pending jobs can be placed with a single available node")
}

func TestTickGivesDirectedJobsPriorityOverOlderTagJobsForTheSameNode(t *testing.T) {
	d, reg, st := newTestDispatcher(t)

	conn := &fakeConn{}
	client := reg.Register(conn)
	client.SetRuntimeStatus(store.NodeOnline)
	client.SetMetadata("worker", store.StringSet{"gpu"}, nil)

	// J1 (undirected, tag match) is submitted first so it would normally be
	// visited before J2 in oldest-first order; J2 (directed at the only
	// online node) must still win the node.
	j1 := &store.Job{Prompt: "tag job", Status: store.JobPending, RequestedTags: store.StringSet{"gpu"}}
	require.NoError(t, st.UpsertJob(context.Background(), j1))

	target := client.NodeID
	j2 := &store.Job{Prompt: "directed job", Status: store.JobQueued, TargetNodeID: &target}
	require.NoError(t, st.UpsertJob(context.Background(), j2))

	d.tick(context.Background())

	require.Len(t, conn.sent, 1)

	gotJ2, err := st.GetJob(context.Background(), j2.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, gotJ2.Status, "the directed job must win the node even though the tag job was submitted first")

	gotJ1, err := st.GetJob(context.Background(), j1.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, gotJ1.Status, "the tag job must be left for a later tick once its only candidate node is taken")
}
