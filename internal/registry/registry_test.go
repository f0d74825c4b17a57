package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn is an in-memory Conn used to exercise the registry without a
// real websocket, per Conn's doc comment.
type fakeConn struct {
	name string

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
	pingErr error
	closed  bool
}

func (f *fakeConn) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeConn) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeConn) Close() error                   { f.closed = true; return nil }
func (f *fakeConn) RemoteAddr() string              { return f.name }

func newRegistry() *Registry {
	return New(zap.NewNop())
}

func TestRegisterAssignsIDAndIndexesBoth(t *testing.T) {
	r := newRegistry()
	conn := &fakeConn{name: "peer-1"}

	client := r.Register(conn)
	require.NotNil(t, client)
	assert.Equal(t, 1, r.Count())

	byConn, ok := r.ByConn(conn)
	require.True(t, ok)
	assert.Equal(t, client, byConn)

	byNode, ok := r.ByNodeID(client.NodeID)
	require.True(t, ok)
	assert.Equal(t, client, byNode)
}

func TestUnregisterRemovesFromBothIndexes(t *testing.T) {
	r := newRegistry()
	conn := &fakeConn{name: "peer-1"}
	client := r.Register(conn)

	removed, ok := r.Unregister(conn)
	require.True(t, ok)
	assert.Equal(t, client.NodeID, removed.NodeID)
	assert.Equal(t, 0, r.Count())

	_, ok = r.ByConn(conn)
	assert.False(t, ok)
	_, ok = r.ByNodeID(client.NodeID)
	assert.False(t, ok)

	// Unregistering again is a no-op, not an error.
	_, ok = r.Unregister(conn)
	assert.False(t, ok)
}

func TestSendRoutesToTheRightNode(t *testing.T) {
	r := newRegistry()
	connA := &fakeConn{name: "a"}
	connB := &fakeConn{name: "b"}
	clientA := r.Register(connA)
	r.Register(connB)

	require.NoError(t, r.Send(clientA.NodeID, []byte("hello")))
	assert.Equal(t, [][]byte{[]byte("hello")}, connA.sent)
	assert.Empty(t, connB.sent)
}

func TestSendToUnknownNodeReturnsErrNotConnected(t *testing.T) {
	r := newRegistry()
	err := r.Send(uuid.Must(uuid.NewV7()), []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBroadcastExcludesSenderAndToleratesFailures(t *testing.T) {
	r := newRegistry()
	connA := &fakeConn{name: "a"}
	connB := &fakeConn{name: "b", sendErr: assert.AnError}
	connC := &fakeConn{name: "c"}

	clientA := r.Register(connA)
	r.Register(connB)
	r.Register(connC)

	errs := r.Broadcast(clientA.NodeID, []byte("chat"))

	assert.Empty(t, connA.sent, "the excluded sender must not receive its own broadcast")
	assert.Equal(t, [][]byte{[]byte("chat")}, connC.sent)
	require.Len(t, errs, 1, "one failing peer must not prevent delivery to the others")
}

func TestClientRuntimeStatusRoundTrips(t *testing.T) {
	r := newRegistry()
	client := r.Register(&fakeConn{name: "a"})

	assert.Equal(t, "ONLINE", string(client.RuntimeStatus()))

	client.SetRuntimeStatus("BUSY")
	assert.Equal(t, "BUSY", string(client.RuntimeStatus()))
}

func TestSnapshotIsConsistentWithCount(t *testing.T) {
	r := newRegistry()
	r.Register(&fakeConn{name: "a"})
	r.Register(&fakeConn{name: "b"})

	snaps := r.Snapshot()
	assert.Len(t, snaps, r.Count())
}
