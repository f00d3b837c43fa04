// Command dme-node runs one peer of a distributed-mutual-exclusion group.
// It generalizes the teacher's hardcoded three-peer seat-reservation
// server (03-lock-distribuido/server/main.go) to an arbitrary static peer
// list supplied via flags or environment variables.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sincronizacion-distribuida/dme/dme"
)

func main() {
	id := flag.String("id", os.Getenv("DME_ID"), "this node's id, e.g. 127.0.0.1:8081")
	bind := flag.String("bind", os.Getenv("DME_BIND"), "address to bind the inbound transport to (defaults to -id)")
	peersFlag := flag.String("peers", os.Getenv("DME_PEERS"), "comma-separated id=addr pairs, e.g. 127.0.0.1:8082=127.0.0.1:8082,127.0.0.1:8083=127.0.0.1:8083")
	logFile := flag.String("logfile", os.Getenv("DME_LOGFILE"), "audit log path (default dme_<id>.log)")
	timeout := flag.Duration("timeout", 30*time.Second, "default request_cs timeout")
	strict := flag.Bool("strict", false, "return false instead of proceeding on request_cs timeout")
	retries := flag.Int("retries", 0, "outbound send retries (0 = spec.md default: no retries)")
	flag.Parse()

	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if *id == "" {
		logger.Fatal("dme-node: -id (or DME_ID) is required")
	}
	if *bind == "" {
		*bind = *id
	}

	peers, err := parsePeers(*peersFlag)
	if err != nil {
		logger.WithError(err).Fatal("dme-node: invalid -peers")
	}

	node, err := dme.NewNode(dme.Config{
		ID:       dme.NodeID(*id),
		BindAddr: *bind,
		Peers:    peers,
		LogFile:  *logFile,
		Timeout:  *timeout,
		Strict:   *strict,
		Retries:  *retries,
		Logger:   logger,
		Mirror:   os.Stdout,
	})
	if err != nil {
		logger.WithError(err).Fatal("dme-node: construct node")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		logger.WithError(err).Fatal("dme-node: start")
	}
	logger.WithField("id", *id).WithField("bind", *bind).Info("dme-node: started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := node.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("dme-node: stop")
	}
}

func parsePeers(raw string) ([]dme.Peer, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	peers := make([]dme.Peer, 0, len(parts))
	for _, p := range parts {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, &peerFormatError{raw: p}
		}
		peers = append(peers, dme.Peer{ID: dme.NodeID(kv[0]), Addr: kv[1]})
	}
	return peers, nil
}

type peerFormatError struct{ raw string }

func (e *peerFormatError) Error() string {
	return "expected id=addr, got " + e.raw
}
