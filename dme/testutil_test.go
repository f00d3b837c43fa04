package dme

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sincronizacion-distribuida/dme/dme/metrics"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func testMetrics() *metrics.Collectors {
	return metrics.New(nil)
}

// freeAddr reserves an ephemeral localhost port and returns "host:port"
// once the listener is closed, so the caller can hand the address to a
// Node that will bind it moments later.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// newTestNode builds a Node with a throwaway audit log under t.TempDir().
func newTestNode(t *testing.T, id NodeID, addr string, peers []Peer, opts ...func(*Config)) *Node {
	t.Helper()
	cfg := Config{
		ID:       id,
		BindAddr: addr,
		Peers:    peers,
		LogFile:  filepath.Join(t.TempDir(), "audit.log"),
		Timeout:  0,
	}
	for _, o := range opts {
		o(&cfg)
	}
	n, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("NewNode(%s): %v", id, err)
	}
	return n
}

// testState snapshots the node's state machine position for assertions.
func (n *Node) testState() state {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.st
}

// testDeferredCount snapshots len(deferred) for assertions.
func (n *Node) testDeferredCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.deferred)
}

// testRequestTS snapshots the current attempt's request_ts for assertions.
func (n *Node) testRequestTS() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.requestTS
}

// sentMsg records one call to fakeTransport.Send.
type sentMsg struct {
	Peer Peer
	Msg  Message
}

// fakeTransport is an in-memory Transport for deterministic, network-free
// tests of the protocol core (clock, handlers, acquirer). It never serves
// inbound traffic; tests drive handleRequest/handleReply directly to
// simulate peer messages.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentMsg
	fail map[NodeID]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fail: make(map[NodeID]bool)}
}

func (f *fakeTransport) Send(ctx context.Context, peer Peer, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[peer.ID] {
		return context.DeadlineExceeded
	}
	f.sent = append(f.sent, sentMsg{Peer: peer, Msg: msg})
	return nil
}

func (f *fakeTransport) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) Shutdown(ctx context.Context) error { return nil }

func (f *fakeTransport) sentTo(id NodeID) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, s := range f.sent {
		if s.Peer.ID == id {
			out = append(out, s.Msg)
		}
	}
	return out
}

// newFakeNode builds a Node wired to a fakeTransport instead of a real
// HTTPTransport, for fast and deterministic unit tests of the RA logic.
func newFakeNode(t *testing.T, id NodeID, peers []Peer) (*Node, *fakeTransport) {
	t.Helper()
	byID := make(map[NodeID]Peer, len(peers))
	for _, p := range peers {
		byID[p.ID] = p
	}
	audit, err := NewAuditLog(id, filepath.Join(t.TempDir(), "audit.log"), nil)
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}
	ft := newFakeTransport()
	n := &Node{
		id:          id,
		peers:       peers,
		byID:        byID,
		clock:       NewClock(),
		timeout:     2 * time.Second,
		sendTimeout: time.Second,
		deferred:    make(map[NodeID]struct{}),
		completion:  newLatch(),
		transport:   ft,
		audit:       audit,
		logger:      testLogger(),
		metrics:     testMetrics(),
	}
	return n, ft
}

