package dme

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// startCluster wires up n real HTTPTransport-backed Nodes, all knowing
// about each other, and starts them. Callers must call the returned
// stop() before the test ends.
func startCluster(t *testing.T, ids []NodeID, opts ...func(*Config)) (map[NodeID]*Node, func()) {
	t.Helper()
	addrs := make(map[NodeID]string, len(ids))
	for _, id := range ids {
		addrs[id] = freeAddr(t)
	}

	allPeers := make([]Peer, 0, len(ids))
	for _, id := range ids {
		allPeers = append(allPeers, Peer{ID: id, Addr: addrs[id]})
	}

	nodes := make(map[NodeID]*Node, len(ids))
	ctx, cancel := context.WithCancel(context.Background())
	for _, id := range ids {
		n := newTestNode(t, id, addrs[id], allPeers, opts...)
		require.NoError(t, n.Start(ctx))
		nodes[id] = n
	}
	// give the listeners a moment to accept connections.
	time.Sleep(20 * time.Millisecond)

	stop := func() {
		cancel()
		for _, n := range nodes {
			_ = n.Stop(context.Background())
		}
	}
	return nodes, stop
}

func TestNode_S1_UncontendedThreeNodes(t *testing.T) {
	nodes, stop := startCluster(t, []NodeID{"A", "B", "C"})
	defer stop()

	entered := nodes["A"].RequestCS(context.Background(), 3*time.Second)
	assert.True(t, entered)
	assert.Equal(t, stateHeld, nodes["A"].testState())
	nodes["A"].ReleaseCS()
	assert.Equal(t, stateIdle, nodes["A"].testState())
	assert.Equal(t, 0, nodes["A"].testDeferredCount())
}

func TestNode_S5_DeferredDrainOnRelease(t *testing.T) {
	nodes, stop := startCluster(t, []NodeID{"A", "B", "C"})
	defer stop()

	require.True(t, nodes["A"].RequestCS(context.Background(), 3*time.Second))

	doneB := make(chan bool, 1)
	doneC := make(chan bool, 1)
	go func() { doneB <- nodes["B"].RequestCS(context.Background(), 3*time.Second) }()
	go func() { doneC <- nodes["C"].RequestCS(context.Background(), 3*time.Second) }()

	assert.Eventually(t, func() bool {
		return nodes["A"].testDeferredCount() == 2
	}, 2*time.Second, 10*time.Millisecond, "A must defer both B and C while HELD")

	nodes["A"].ReleaseCS()

	select {
	case ok := <-doneB:
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("B never entered after A released")
	}
	select {
	case ok := <-doneC:
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("C never entered after A released")
	}

	assert.Equal(t, 0, nodes["A"].testDeferredCount())
	nodes["B"].ReleaseCS()
	nodes["C"].ReleaseCS()
}

func TestNode_S4_LostReplyTimesOutBestEffort(t *testing.T) {
	// ghost's address is reserved but never served, so every REQUEST to it
	// fails and A must fall back to the timeout path.
	addrA := freeAddr(t)
	addrGhost := freeAddr(t)
	peers := []Peer{{ID: "A", Addr: addrA}, {ID: "ghost", Addr: addrGhost}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newTestNode(t, "A", addrA, peers)
	require.NoError(t, a.Start(ctx))
	defer a.Stop(context.Background())

	start := time.Now()
	entered := a.RequestCS(context.Background(), 300*time.Millisecond)
	elapsed := time.Since(start)

	assert.True(t, entered, "best-effort policy proceeds into the CS on timeout")
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	a.ReleaseCS()
}

func TestNode_AuditLogContainsRequiredEvents(t *testing.T) {
	nodes, stop := startCluster(t, []NodeID{"A", "B"})
	defer stop()

	require.True(t, nodes["A"].RequestCS(context.Background(), 3*time.Second))
	nodes["A"].ReleaseCS()

	data, err := os.ReadFile(nodes["A"].audit.file.Name())
	require.NoError(t, err)
	for _, tag := range []string{"START", "REQUEST", "ENTER", "EXIT"} {
		assert.True(t, bytes.Contains(data, []byte("["+tag+"]")), "audit log missing %s", tag)
	}
}

func TestNode_StopDoesNotLeakGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
	nodes, stop := startCluster(t, []NodeID{"A", "B"})
	require.True(t, nodes["A"].RequestCS(context.Background(), 3*time.Second))
	nodes["A"].ReleaseCS()
	stop()
	time.Sleep(50 * time.Millisecond)
}
