// Package dme implements distributed mutual exclusion for a small static
// group of peers using the Ricart-Agrawala algorithm over Lamport logical
// clocks. A Node is instantiated once per peer and exposes a blocking
// RequestCS/ReleaseCS API; everything else (transport, audit trace,
// metrics) is infrastructure around that core.
package dme

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sincronizacion-distribuida/dme/dme/metrics"

	promclient "github.com/prometheus/client_golang/prometheus"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultSendTimeout = 5 * time.Second
)

// Config carries everything NewNode needs to construct a Node. Peers equal
// to ID are filtered out automatically, matching the teacher's convention
// of passing the raw peer set and letting construction exclude self.
type Config struct {
	ID       NodeID
	BindAddr string
	Peers    []Peer
	LogFile  string
	Timeout  time.Duration

	// Strict makes RequestCS return false without entering the critical
	// section when it times out, instead of the default best-effort
	// proceed-anyway policy (spec.md §4.3 step 4, §9 "Timeout policy").
	Strict bool

	// SendTimeout bounds each individual outbound send. Defaults to 5s
	// (spec.md §5).
	SendTimeout time.Duration

	// Retries, when > 0, wraps the transport in a RetryingTransport
	// (opt-in hardening; spec.md's default contract has no retries).
	Retries      int
	RetryBackoff time.Duration

	Logger   *logrus.Logger
	Registry promclient.Registerer
	// Mirror additionally receives every audit-trace line, e.g. os.Stdout.
	Mirror io.Writer
}

// Node is one peer's instance of the protocol: its logical clock, its
// per-attempt protocol state, and the transport/audit/metrics it runs on.
// All mutable protocol state is guarded by mu; network I/O never happens
// while mu is held (spec.md §5).
type Node struct {
	id      NodeID
	peers   []Peer
	byID    map[NodeID]Peer
	clock   *Clock
	timeout time.Duration
	strict  bool

	sendTimeout time.Duration

	mu         sync.Mutex
	st         state
	requestTS  int64
	replyCount int
	deferred   map[NodeID]struct{}
	heldSince  time.Time

	completion *latch

	transport Transport
	audit     *AuditLog
	logger    *logrus.Logger
	metrics   *metrics.Collectors
}

// NewNode constructs a Node from cfg. It does not start the transport;
// call Start for that.
func NewNode(cfg Config) (*Node, error) {
	if cfg.ID == "" {
		return nil, errors.New("dme: Config.ID must not be empty")
	}
	if cfg.BindAddr == "" {
		return nil, errors.New("dme: Config.BindAddr must not be empty")
	}

	peers := make([]Peer, 0, len(cfg.Peers))
	byID := make(map[NodeID]Peer, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p.ID == cfg.ID {
			continue
		}
		peers = append(peers, p)
		byID[p.ID] = p
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	logFile := cfg.LogFile
	if logFile == "" {
		logFile = "dme_" + strings.ReplaceAll(string(cfg.ID), ":", "_") + ".log"
	}
	audit, err := NewAuditLog(cfg.ID, logFile, cfg.Mirror)
	if err != nil {
		return nil, errors.Wrap(err, "open audit log")
	}

	n := &Node{
		id:          cfg.ID,
		peers:       peers,
		byID:        byID,
		clock:       NewClock(),
		timeout:     timeout,
		strict:      cfg.Strict,
		sendTimeout: sendTimeout,
		deferred:    make(map[NodeID]struct{}),
		completion:  newLatch(),
		audit:       audit,
		logger:      logger,
		metrics:     metrics.New(cfg.Registry),
	}

	var transport Transport = NewHTTPTransport(cfg.BindAddr, n)
	if cfg.Retries > 0 {
		backoff := cfg.RetryBackoff
		if backoff <= 0 {
			backoff = 100 * time.Millisecond
		}
		transport = RetryingTransport{Transport: transport, Retries: cfg.Retries, Backoff: backoff}
	}
	n.transport = transport

	return n, nil
}

// ID returns the node's identifier.
func (n *Node) ID() NodeID { return n.id }

// Start binds and serves the inbound transport in the background. It
// returns once Serve has been launched; Serve itself runs until ctx is
// canceled or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	n.audit.Start(n.peers)
	errCh := make(chan error, 1)
	go func() { errCh <- n.transport.Serve(ctx) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(50 * time.Millisecond):
		// transport accepted without an immediate bind failure.
		go func() {
			if err := <-errCh; err != nil {
				n.logger.WithError(err).WithField("node", n.id).Error("dme: transport serve exited")
			}
		}()
		return nil
	}
}

// Stop shuts down the inbound transport and closes the audit log.
func (n *Node) Stop(ctx context.Context) error {
	err := n.transport.Shutdown(ctx)
	n.audit.Stop()
	if cerr := n.audit.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// dispatch routes a decoded inbound message to the matching handler. It is
// the seam Transport implementations call into.
func (n *Node) dispatch(msg Message) {
	switch msg.Kind {
	case KindRequest:
		n.handleRequest(msg)
	case KindReply:
		n.handleReply(msg)
	}
}

// RequestCS blocks until the node has collected a REPLY from every peer
// (or the timeout elapses) and returns whether it is now logically
// entitled to access the shared resource. Not reentrant: callers must not
// invoke RequestCS again before calling ReleaseCS (spec.md §4.3 contract).
// timeout of zero uses the node's configured default.
func (n *Node) RequestCS(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = n.timeout
	}

	n.mu.Lock()
	n.st = stateRequesting
	n.replyCount = 0
	n.deferred = make(map[NodeID]struct{}) // cleared on every new attempt; see SPEC_FULL.md §4.3
	n.completion.arm()
	ts := n.clock.Tick()
	n.requestTS = ts
	peers := append([]Peer(nil), n.peers...)
	n.mu.Unlock()

	n.metrics.AttemptsStarted.Inc()
	n.audit.Request(ts, peers)

	if len(peers) == 0 {
		return n.enter(ts)
	}

	n.broadcastRequest(peers, ts)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-n.completion.wait():
		return n.enter(ts)
	case <-timer.C:
		n.mu.Lock()
		rc := n.replyCount
		n.mu.Unlock()
		n.metrics.Timeouts.Inc()
		n.audit.Timeout(timeout.Seconds(), rc)
		if n.strict {
			n.abort()
			return false
		}
		return n.enter(ts)
	case <-ctx.Done():
		n.abort()
		return false
	}
}

// abort returns to IDLE without entering the critical section, draining
// and replying to whatever accumulated in deferred during this attempt.
// A peer deferred while REQUESTING is owed a REPLY once the attempt ends
// one way or another: a strict timeout or a canceled ctx still ends the
// attempt, and the next RequestCS would otherwise discard that peer's
// deferral wholesale when it resets the map, stranding it (spec.md §8
// property 3).
func (n *Node) abort() {
	toReply := n.releaseDeferred()
	n.audit.Exit(toReply)
}

func (n *Node) enter(ts int64) bool {
	n.mu.Lock()
	n.st = stateHeld
	n.heldSince = time.Now()
	n.mu.Unlock()
	n.audit.Enter(ts)
	return true
}

// ReleaseCS restores IDLE and sends a REPLY to every peer deferred during
// the just-finished attempt. Idempotent on an IDLE node: it replies to an
// empty deferred set and no-ops state otherwise.
func (n *Node) ReleaseCS() {
	n.mu.Lock()
	since := n.heldSince
	n.mu.Unlock()

	if !since.IsZero() {
		n.metrics.HeldDuration.Observe(time.Since(since).Seconds())
	}

	toReply := n.releaseDeferred()
	n.audit.Exit(toReply)
}

// releaseDeferred transitions the node to IDLE and snapshots-and-clears
// deferred, sending a REPLY to everyone in the snapshot. Shared by
// ReleaseCS and abort: whichever path ends an attempt owes a REPLY to
// every peer this node deferred during it.
func (n *Node) releaseDeferred() []NodeID {
	n.mu.Lock()
	n.st = stateIdle
	toReply := make([]NodeID, 0, len(n.deferred))
	for id := range n.deferred {
		toReply = append(toReply, id)
	}
	n.deferred = make(map[NodeID]struct{})
	n.mu.Unlock()

	for _, id := range toReply {
		n.sendReplyTo(id)
	}
	return toReply
}

// SendReplyTo is a diagnostic escape hatch (spec.md §6, §9 Open Questions):
// it sends a REPLY to peerID outside of the deferral bookkeeping. It is
// never called by the protocol's own handlers.
func (n *Node) SendReplyTo(peerID NodeID) {
	n.sendReplyTo(peerID)
}

// broadcastRequest fans REQUEST out to every peer concurrently. It never
// blocks the caller: RequestCS's timeout budget starts as soon as the
// sends are dispatched, not once they complete. The fan-out itself runs
// under golang.org/x/sync/errgroup, which only needs a supervisor
// goroutine of its own to keep that non-blocking property.
func (n *Node) broadcastRequest(peers []Peer, ts int64) {
	msg := Message{Kind: KindRequest, Sender: n.id, Ts: ts}
	go func() {
		var g errgroup.Group
		for _, p := range peers {
			p := p
			g.Go(func() error {
				ctx, cancel := context.WithTimeout(context.Background(), n.sendTimeout)
				defer cancel()
				if err := n.transport.Send(ctx, p, msg); err != nil {
					n.metrics.NetErrors.Inc()
					n.audit.NetErr("http://"+p.Addr+requestPath, err)
					return err
				}
				n.audit.SentRequest(p.ID, ts)
				return nil
			})
		}
		_ = g.Wait() // per-peer failures are already logged above; nothing more to do with the joined error
	}()
}

func (n *Node) sendReplyTo(peerID NodeID) {
	lc := n.clock.Tick()
	peer, ok := n.byID[peerID]
	if !ok {
		n.audit.SentReplyFail(peerID)
		return
	}
	msg := Message{Kind: KindReply, Sender: n.id, Ts: lc}
	ctx, cancel := context.WithTimeout(context.Background(), n.sendTimeout)
	defer cancel()
	if err := n.transport.Send(ctx, peer, msg); err != nil {
		n.metrics.NetErrors.Inc()
		n.audit.NetErr("http://"+peer.Addr+replyPath, err)
		return
	}
	n.audit.SentReply(peerID, lc)
}
