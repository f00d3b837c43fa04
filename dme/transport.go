package dme

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

const (
	requestPath = "/dme/request"
	replyPath   = "/dme/reply"
)

// Transport is the pluggable messaging contract the protocol core depends
// on: an inbound server dispatching REQUEST/REPLY to the node, and an
// outbound client sending them to a specific peer. spec.md §6 fixes the
// wire format for HTTPTransport; other implementations may choose a
// different wire format as long as they satisfy this interface.
type Transport interface {
	// Send delivers msg to peer, respecting ctx's deadline.
	// HTTPTransport's Send makes a single attempt; RetryingTransport
	// adds retries on top of another Transport.
	Send(ctx context.Context, peer Peer, msg Message) error
	// Serve blocks accepting inbound messages until ctx is done or
	// Shutdown is called.
	Serve(ctx context.Context) error
	// Shutdown stops accepting new inbound messages.
	Shutdown(ctx context.Context) error
}

// dispatcher is the subset of Node the transport calls into on receipt of
// a message. Kept narrow so transport.go has no dependency on Node's
// internals beyond what it needs to dispatch.
type dispatcher interface {
	dispatch(msg Message)
}

// HTTPTransport is the wire-format specified in spec.md §6: JSON bodies
// over HTTP POST, one route per message kind. Grounded on the teacher's
// gorilla/mux-based server (03-lock-distribuido/server/main.go) and
// http.Client-based sender (ricart_agrawala.go's sendMessage), minus the
// teacher's retry-with-backoff: spec.md §4.4/§7 are explicit that this
// layer does not retry.
type HTTPTransport struct {
	bindAddr string
	client   *http.Client
	server   *http.Server
	disp     dispatcher
}

// NewHTTPTransport builds a transport bound to addr, dispatching decoded
// messages to disp.
func NewHTTPTransport(addr string, disp dispatcher) *HTTPTransport {
	r := mux.NewRouter()
	t := &HTTPTransport{
		bindAddr: addr,
		client:   &http.Client{},
		disp:     disp,
	}
	r.HandleFunc(requestPath, t.handleRequest).Methods(http.MethodPost)
	r.HandleFunc(replyPath, t.handleReply).Methods(http.MethodPost)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	t.server = &http.Server{Addr: addr, Handler: r}
	return t
}

func (t *HTTPTransport) decode(w http.ResponseWriter, r *http.Request) (Message, bool) {
	var body struct {
		NodeID NodeID `json:"node_id"`
		Ts     int64  `json:"ts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return Message{}, false
	}
	return Message{Sender: body.NodeID, Ts: body.Ts}, true
}

func (t *HTTPTransport) handleRequest(w http.ResponseWriter, r *http.Request) {
	msg, ok := t.decode(w, r)
	if !ok {
		return
	}
	msg.Kind = KindRequest
	t.disp.dispatch(msg)
	w.WriteHeader(http.StatusOK)
}

func (t *HTTPTransport) handleReply(w http.ResponseWriter, r *http.Request) {
	msg, ok := t.decode(w, r)
	if !ok {
		return
	}
	msg.Kind = KindReply
	t.disp.dispatch(msg)
	w.WriteHeader(http.StatusOK)
}

// Send posts msg to peer's matching route and does not retry.
func (t *HTTPTransport) Send(ctx context.Context, peer Peer, msg Message) error {
	path := requestPath
	if msg.Kind == KindReply {
		path = replyPath
	}
	payload, err := json.Marshal(struct {
		NodeID NodeID `json:"node_id"`
		Ts     int64  `json:"ts"`
	}{NodeID: msg.Sender, Ts: msg.Ts})
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	url := "http://" + peer.Addr + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "build request to %s", url)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "send to %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return nil
}

// Serve binds and accepts inbound messages until ctx is canceled or
// Shutdown is called.
func (t *HTTPTransport) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.bindAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", t.bindAddr)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- t.server.Serve(ln) }()
	select {
	case <-ctx.Done():
		return t.server.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Shutdown stops the inbound server.
func (t *HTTPTransport) Shutdown(ctx context.Context) error {
	return t.server.Shutdown(ctx)
}

// RetryingTransport wraps a Transport's Send with fixed-count retries and
// exponential backoff, reproducing the teacher's original sendMessage behavior
// (03-lock-distribuido/server/ricart_agrawala.go). spec.md's default
// contract is no retries at this layer (§4.4, §7); this wrapper is an
// explicit, opt-in hardening knob for operators on a noisy network, never
// used by NewNode unless requested via Config.Retries > 0.
type RetryingTransport struct {
	Transport
	Retries int
	Backoff time.Duration
}

// Send attempts delivery up to Retries+1 times, doubling Backoff between
// attempts, matching the teacher's exponential-backoff loop.
func (t RetryingTransport) Send(ctx context.Context, peer Peer, msg Message) error {
	backoff := t.Backoff
	var err error
	for attempt := 0; attempt <= t.Retries; attempt++ {
		if err = t.Transport.Send(ctx, peer, msg); err == nil {
			return nil
		}
		if attempt == t.Retries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}
