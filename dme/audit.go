package dme

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// AuditLog is the append-only, one-line-per-event trace spec.md §4.5
// requires as part of the external contract: tests assert against these
// lines, so the format is fixed and is not routed through the general
// structured logger (logrus, wired through Node.logger). Writes are
// serialized so interleaved events from different handler goroutines
// never corrupt a single line.
type AuditLog struct {
	mu     sync.Mutex
	nodeID NodeID
	file   *os.File
	mirror io.Writer // additional sink, e.g. os.Stdout; nil-safe
}

// NewAuditLog opens path for appending and returns a log that also mirrors
// every line to mirror (pass nil to disable mirroring). path is created if
// it does not exist.
func NewAuditLog(nodeID NodeID, path string, mirror io.Writer) (*AuditLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &AuditLog{nodeID: nodeID, file: f, mirror: mirror}, nil
}

// Close closes the underlying file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

func (a *AuditLog) write(event, msg string) {
	line := fmt.Sprintf("[%s] %s %s %s\n", event, time.Now().Format(time.RFC3339Nano), a.nodeID, msg)
	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = a.file.WriteString(line)
	if a.mirror != nil {
		_, _ = io.WriteString(a.mirror, line)
	}
}

func joinPeerIDs(peers []Peer) string {
	ids := make([]string, len(peers))
	for i, p := range peers {
		ids[i] = string(p.ID)
	}
	return "[" + strings.Join(ids, " ") + "]"
}

func joinNodeIDs(ids []NodeID) string {
	ss := make([]string, len(ids))
	for i, id := range ids {
		ss[i] = string(id)
	}
	return "[" + strings.Join(ss, " ") + "]"
}

// Start logs the START event.
func (a *AuditLog) Start(peers []Peer) {
	a.write("START", fmt.Sprintf("peers=%s", joinPeerIDs(peers)))
}

// Request logs the REQUEST event: the node has begun a new attempt.
func (a *AuditLog) Request(ts int64, peers []Peer) {
	a.write("REQUEST", fmt.Sprintf("ts=%d peers=%s", ts, joinPeerIDs(peers)))
}

// SentRequest logs a single outbound REQUEST.
func (a *AuditLog) SentRequest(to NodeID, ts int64) {
	a.write("SENT_REQUEST", fmt.Sprintf("to=%s ts=%d", to, ts))
}

// RecvRequest logs an inbound REQUEST.
func (a *AuditLog) RecvRequest(from NodeID, ts, lc int64) {
	a.write("RECV_REQUEST", fmt.Sprintf("from=%s ts=%d lc=%d", from, ts, lc))
}

// Defer logs that a REQUEST from a peer was deferred.
func (a *AuditLog) Defer(from NodeID) {
	a.write("DEFER", fmt.Sprintf("deferred-from=%s", from))
}

// SentReply logs a single outbound REPLY.
func (a *AuditLog) SentReply(to NodeID, lc int64) {
	a.write("SENT_REPLY", fmt.Sprintf("to=%s lc=%d", to, lc))
}

// SentReplyFail logs a REPLY that could not be addressed because the peer
// is unknown (spec.md §7).
func (a *AuditLog) SentReplyFail(unknownPeer NodeID) {
	a.write("SENT_REPLY_FAIL", fmt.Sprintf("unknown-peer=%s", unknownPeer))
}

// RecvReply logs an inbound REPLY.
func (a *AuditLog) RecvReply(from NodeID, ts, lc int64) {
	a.write("RECV_REPLY", fmt.Sprintf("from=%s ts=%d lc=%d", from, ts, lc))
}

// Enter logs entry into the critical section.
func (a *AuditLog) Enter(ts int64) {
	a.write("ENTER", fmt.Sprintf("ts=%d", ts))
}

// Exit logs release of the critical section and the peers that were
// replied to out of the deferred set.
func (a *AuditLog) Exit(repliedTo []NodeID) {
	a.write("EXIT", fmt.Sprintf("released and replied to deferred: %s", joinNodeIDs(repliedTo)))
}

// Timeout logs that request_cs did not collect all replies in time.
func (a *AuditLog) Timeout(seconds float64, replyCount int) {
	a.write("TIMEOUT", fmt.Sprintf("did not receive all replies in %gs, reply_count=%d", seconds, replyCount))
}

// NetErr logs an outbound send failure.
func (a *AuditLog) NetErr(url string, err error) {
	a.write("NETERR", fmt.Sprintf("%s -> %v", url, err))
}

// Stop logs shutdown of the node's transport.
func (a *AuditLog) Stop() {
	a.write("STOP", "")
}
