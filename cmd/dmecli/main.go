// Command dmecli is the example client spec.md §1 calls out of scope for
// the core but worth keeping as a runnable demonstration: it hosts one DME
// peer and drives the external resource service (cmd/fileserver) while
// holding the critical section, the way original_source/dme_app_node.py
// drives original_source/dme.py.
package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sincronizacion-distribuida/dme/dme"
)

type cliConfig struct {
	id, bind, peers, logFile, fileServer string
	timeout                              time.Duration
	autopost, autopostFile               string
	delay                                time.Duration
}

func main() {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "dmecli",
		Short: "Run a DME peer and post to the shared resource service while holding the critical section.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	root.Flags().StringVar(&cfg.id, "id", os.Getenv("DME_ID"), "this node's id, e.g. 127.0.0.1:9001")
	root.Flags().StringVar(&cfg.bind, "bind", "", "bind address (defaults to --id)")
	root.Flags().StringVar(&cfg.peers, "peers", os.Getenv("DME_PEERS"), "comma-separated id=addr pairs")
	root.Flags().StringVar(&cfg.logFile, "logfile", "", "audit log path (default dme_<id>.log)")
	root.Flags().StringVar(&cfg.fileServer, "file-server", "http://127.0.0.1:5000", "base URL of the resource service")
	root.Flags().DurationVar(&cfg.timeout, "timeout", 30*time.Second, "default request_cs timeout")
	root.Flags().StringVar(&cfg.autopost, "autopost", "", "text to post once, after --delay, in the background")
	root.Flags().StringVar(&cfg.autopostFile, "autopost-file", "", "path to a file whose contents are posted once, after --delay")
	root.Flags().DurationVar(&cfg.delay, "delay", time.Second, "delay before autopost")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *cliConfig) error {
	if cfg.id == "" {
		return fmt.Errorf("dmecli: --id is required")
	}
	bind := cfg.bind
	if bind == "" {
		bind = cfg.id
	}
	peers, err := parsePeers(cfg.peers)
	if err != nil {
		return err
	}

	logger := logrus.StandardLogger()
	node, err := dme.NewNode(dme.Config{
		ID:       dme.NodeID(cfg.id),
		BindAddr: bind,
		Peers:    peers,
		LogFile:  cfg.logFile,
		Timeout:  cfg.timeout,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		return err
	}
	defer node.Stop(context.Background())

	client := &client{node: node, baseURL: cfg.fileServer}

	if cfg.autopost != "" || cfg.autopostFile != "" {
		go autopost(client, cfg)
	}

	return repl(client)
}

// client bundles the DME node with the resource-service HTTP calls,
// mirroring dme_app_node.py's call_file_server_append/view helpers.
type client struct {
	node    *dme.Node
	baseURL string
}

func (c *client) view() (string, error) {
	resp, err := http.Get(c.baseURL + "/view")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (c *client) post(text string) error {
	entered := c.node.RequestCS(context.Background(), 0)
	_ = entered // best-effort policy: proceed regardless, per spec.md §4.3 step 4
	defer c.node.ReleaseCS()

	payload := fmt.Sprintf(`{"node_id":%q,"client_time":%q,"text":%q}`,
		c.node.ID(), time.Now().Format(time.RFC3339Nano), text)
	resp, err := http.Post(c.baseURL+"/append", "application/json", strings.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("file server returned %d", resp.StatusCode)
	}
	return nil
}

func autopost(c *client, cfg *cliConfig) {
	time.Sleep(cfg.delay)
	text := cfg.autopost
	if cfg.autopostFile != "" {
		data, err := os.ReadFile(cfg.autopostFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "autopost-file read error:", err)
			return
		}
		text = string(data)
	}
	if err := c.post(text); err != nil {
		fmt.Fprintln(os.Stderr, "autopost error:", err)
	}
}

func repl(c *client) error {
	fmt.Println("Commands: view | post <text> | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "quit":
			return nil
		case line == "view":
			out, err := c.view()
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("----- CHAT LOG -----")
			fmt.Println(out)
			fmt.Println("--------------------")
		case strings.HasPrefix(line, "post "):
			if err := c.post(strings.TrimPrefix(line, "post ")); err != nil {
				fmt.Println("error:", err)
			}
		default:
			fmt.Println("unknown command")
		}
	}
}

func parsePeers(raw string) ([]dme.Peer, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var peers []dme.Peer
	for _, p := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("dmecli: invalid peer %q, expected id=addr", p)
		}
		peers = append(peers, dme.Peer{ID: dme.NodeID(kv[0]), Addr: kv[1]})
	}
	return peers, nil
}
