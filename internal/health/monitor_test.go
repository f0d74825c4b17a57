package health

import (
	"context"
	"errors"
	"testing"
	"time"

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
	pingErr error
}

func (f *fakeConn) Send(payload []byte) error      { return nil }
func (f *fakeConn) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeConn) Close() error                   { return nil }
func (f *fakeConn) RemoteAddr() string              { return "fake" }

func newTestMonitor(t *testing.T) (*Monitor, *registry.Registry, *store.Store) {
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

	mon, err := New(reg, st, m, time.Hour, 50*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	return mon, reg, st
}

func TestProbeSuccessTouchesClientWithoutChangingStatus(t *testing.T) {
	mon, reg, _ := newTestMonitor(t)
	client := reg.Register(&fakeConn{})
	client.SetRuntimeStatus(store.NodeBusy)

	snap := registry.Snapshot{NodeID: client.NodeID, Conn: client.Conn}
	mon.probe(context.Background(), snap)

	assert.Equal(t, store.NodeBusy, client.RuntimeStatus(), "a successful probe must never overwrite a BUSY node")
}

func TestProbeFailureMarksUnresponsiveInRegistryAndStore(t *testing.T) {
	mon, reg, st := newTestMonitor(t)
	conn := &fakeConn{pingErr: errors.New("timeout")}
	client := reg.Register(conn)

	node := &store.Node{ID: client.NodeID, DisplayName: "n1", Status: store.NodeOnline, LastSeenAt: time.Now().UTC()}
	require.NoError(t, st.UpsertNode(context.Background(), node))

	snap := registry.Snapshot{NodeID: client.NodeID, Conn: conn}
	mon.probe(context.Background(), snap)

	assert.Equal(t, store.NodeUnresponsive, client.RuntimeStatus())

	got, err := st.GetNode(context.Background(), client.NodeID)
	require.NoError(t, err)
	assert.Equal(t, store.NodeUnresponsive, got.Status)
}

func TestTickProbesEveryConnectedNodeConcurrently(t *testing.T) {
	mon, reg, st := newTestMonitor(t)

	healthy := reg.Register(&fakeConn{})
	dead := reg.Register(&fakeConn{pingErr: errors.New("gone")})

	for _, c := range []*registry.Client{healthy, dead} {
		require.NoError(t, st.UpsertNode(context.Background(), &store.Node{
			ID: c.NodeID, Status: store.NodeOnline, LastSeenAt: time.Now().UTC(),
		}))
	}

	mon.tick(context.Background())

	assert.Equal(t, store.NodeOnline, healthy.RuntimeStatus())
	assert.Equal(t, store.NodeUnresponsive, dead.RuntimeStatus())
}
