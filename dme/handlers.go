package dme

// handleRequest implements spec.md §4.2 "On REQUEST(sender, ts)". The
// clock is observed and the reply/defer decision is made under the node
// mutex; the actual REPLY send happens outside the lock so the handler
// never blocks on the network.
func (n *Node) handleRequest(msg Message) {
	n.mu.Lock()
	lc := n.clock.Observe(msg.Ts)
	// HELD defers every REQUEST; only REQUESTING compares priorities.
	doReply := n.st == stateIdle ||
		(n.st == stateRequesting && less(msg.Ts, msg.Sender, n.requestTS, n.id))
	if !doReply {
		n.deferred[msg.Sender] = struct{}{}
	}
	n.mu.Unlock()

	n.audit.RecvRequest(msg.Sender, msg.Ts, lc)

	if doReply {
		go n.sendReplyTo(msg.Sender)
		return
	}
	n.audit.Defer(msg.Sender)
}

// handleReply implements spec.md §4.2 "On REPLY(sender, ts)". Per the
// spec, the increment and threshold check are unconditional — they do not
// gate on the node's current state. Design Notes §9 acknowledges the
// resulting assumption: a stray REPLY from a completed or abandoned
// attempt would be miscounted, but peers reply at most once per received
// REQUEST and a node does not start a new attempt until the previous one
// completes, so this does not arise in normal operation.
func (n *Node) handleReply(msg Message) {
	lc := n.clock.Observe(msg.Ts)
	n.audit.RecvReply(msg.Sender, msg.Ts, lc)

	n.mu.Lock()
	n.replyCount++
	rc := n.replyCount
	n.mu.Unlock()

	n.metrics.RepliesReceived.Inc()
	if rc >= len(n.peers) {
		n.completion.fire()
	}
}
