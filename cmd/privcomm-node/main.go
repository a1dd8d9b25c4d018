package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"v2x-privacy/go-backend/internal/config"
	"v2x-privacy/go-backend/internal/credentials"
	"v2x-privacy/go-backend/internal/messenger"
	"v2x-privacy/go-backend/internal/platform/privacylog"
	"v2x-privacy/go-backend/internal/platform/ratelimiter"
	"v2x-privacy/go-backend/internal/pseudonym"
	"v2x-privacy/go-backend/internal/transport"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const listenTimeout = 2 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to privcomm.yaml (optional)")
	nodeID := flag.Int("node", 1, "Source node id")
	destID := flag.Int("dest", 2, "Destination node id")
	message := flag.String("message", "Hello from Node 1 to Node 2!", "Message to send")
	attributes := flag.String("attributes", "", "Comma separated attributes issued to the source node (overrides config)")
	deterministic := flag.Bool("deterministic", false, "Deliver every message without loss or delay")
	flag.Parse()
	if *showVersion {
		fmt.Printf("privcomm-node version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	cfg, err := config.LoadFromPath(*configPath)
	if err != nil {
		log.Fatalf("privcomm-node failed to load config: %v", err)
	}
	if *deterministic {
		cfg.Deterministic = true
	}
	if *attributes != "" {
		cfg.Nodes = withNodeAttributes(cfg.Nodes, *nodeID, config.SplitList(*attributes))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg.LogLevel)
	if err := run(ctx, cfg, logger, os.Stdout, os.Stderr, *nodeID, *destID, *message); err != nil {
		fmt.Fprintf(os.Stderr, "privcomm-node: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, stdout, stderr io.Writer, nodeID, destID int, message string) error {
	auth := credentials.NewAuthority(
		credentials.WithLogger(logger),
		credentials.WithTokenTTL(cfg.TokenTTL),
	)
	for _, n := range cfg.Nodes {
		if err := auth.IssueCredentials(n.ID, n.Attributes); err != nil {
			return fmt.Errorf("generate keys for node %d: %w", n.ID, err)
		}
	}
	fmt.Fprintf(stdout, "Issued credentials for nodes %v\n", auth.Nodes())

	metrics, err := messenger.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	bus := transport.NewBus()
	m := messenger.New(auth, pseudonym.NewRegistry(), messenger.Options{
		Logger:   logger,
		Policy:   newPolicy(cfg),
		Bus:      bus,
		Limiter:  ratelimiter.New(cfg.RateLimitRPS, cfg.RateLimitBurst, 0),
		Metrics:  metrics,
		Required: cfg.RequiredAttributes,
		Mode:     cfg.Mode,
	})

	p, err := m.Pseudonym(nodeID)
	if err != nil {
		return fmt.Errorf("pseudonym for node %d: %w", nodeID, err)
	}
	fmt.Fprintf(stdout, "Generated pseudonym: %s\n", p)

	token, err := auth.GenerateAuthToken(nodeID)
	if err != nil {
		return fmt.Errorf("generate auth token: %w", err)
	}
	if err := auth.VerifyAuthToken(nodeID, token); err != nil {
		return fmt.Errorf("verify auth token: %w", err)
	}
	fmt.Fprintln(stdout, "Auth token verified.")

	inbound := make(chan messenger.Inbound, 1)
	if m.Mode() == messenger.ModeRecipient {
		if err := m.Listen(destID, func(in messenger.Inbound) { inbound <- in }); err != nil {
			return fmt.Errorf("listen on node %d: %w", destID, err)
		}
		defer m.StopListening(destID)
	}

	d, err := m.Send(ctx, nodeID, destID, message)
	if err != nil {
		fmt.Fprintln(stderr, "Failed to send message.")
		return nil
	}
	fmt.Fprintf(stdout, "Message sent successfully. sequence=%d\n", d.Sequence)

	if m.Mode() != messenger.ModeRecipient {
		// Nothing listens in legacy mode; try the queued envelopes directly.
		for _, msg := range bus.Drain(destID) {
			content, err := m.Receive(destID, msg.Envelope)
			if err != nil {
				fmt.Fprintf(stderr, "Node %d could not open message %s.\n", destID, msg.ID)
				continue
			}
			fmt.Fprintf(stdout, "Node %d received: %s\n", destID, content)
		}
		return nil
	}
	select {
	case in := <-inbound:
		fmt.Fprintf(stdout, "Node %d received: %s\n", destID, in.Content)
	case <-time.After(listenTimeout):
		fmt.Fprintf(stderr, "Node %d could not open the message.\n", destID)
	case <-ctx.Done():
	}
	return nil
}

func newPolicy(cfg config.Config) transport.Policy {
	if cfg.Deterministic {
		return transport.AlwaysDeliver{}
	}
	var src rand.Source
	if cfg.Seed != 0 {
		src = rand.NewSource(cfg.Seed)
	}
	return transport.NewSimulated(cfg.SuccessProbability, cfg.MaxDelay, src)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(privacylog.WrapHandler(handler))
}

func withNodeAttributes(nodes []config.NodeConfig, nodeID int, attrs []string) []config.NodeConfig {
	out := append([]config.NodeConfig(nil), nodes...)
	for i := range out {
		if out[i].ID == nodeID {
			out[i].Attributes = attrs
			return out
		}
	}
	return append(out, config.NodeConfig{ID: nodeID, Attributes: attrs})
}
