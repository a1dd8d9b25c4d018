package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"v2x-privacy/go-backend/internal/config"
	"v2x-privacy/go-backend/internal/credentials"
	"v2x-privacy/go-backend/internal/messenger"
	"v2x-privacy/go-backend/internal/transport"
)

func TestWithNodeAttributes(t *testing.T) {
	nodes := []config.NodeConfig{{ID: 1, Attributes: []string{"vehicle"}}}
	out := withNodeAttributes(nodes, 1, []string{"rsu"})
	if out[0].Attributes[0] != "rsu" || nodes[0].Attributes[0] != "vehicle" {
		t.Fatalf("expected replaced copy, got %+v / %+v", out, nodes)
	}
	out = withNodeAttributes(nodes, 4, []string{"vehicle"})
	if len(out) != 2 || out[1].ID != 4 {
		t.Fatalf("expected appended node, got %+v", out)
	}
}

func TestNewPolicy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Deterministic = true
	if _, ok := newPolicy(cfg).(transport.AlwaysDeliver); !ok {
		t.Fatal("deterministic config must deliver every message")
	}
	cfg.Deterministic = false
	cfg.Seed = 3
	if _, ok := newPolicy(cfg).(*transport.Simulated); !ok {
		t.Fatal("expected simulated policy")
	}
}

func TestRunDemo(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, mode := range []messenger.Mode{messenger.ModeLegacy, messenger.ModeRecipient} {
		cfg := config.DefaultConfig()
		cfg.Deterministic = true
		cfg.Mode = mode
		cfg.Nodes = []config.NodeConfig{
			{ID: 1, Attributes: []string{"vehicle", "authorized"}},
			{ID: 2, Attributes: []string{"vehicle", "authorized"}},
		}
		var stdout, stderr bytes.Buffer
		if err := run(context.Background(), cfg, logger, &stdout, &stderr, 1, 2, "hello"); err != nil {
			t.Fatalf("run in %s mode failed: %v", mode, err)
		}
		out := stdout.String()
		if !strings.Contains(out, "Issued credentials for nodes [1 2]") || !strings.Contains(out, "Auth token verified.") {
			t.Fatalf("unexpected %s output %q", mode, out)
		}
		if !strings.Contains(out, "Message sent successfully.") {
			t.Fatalf("expected a delivered message in %s mode, got %q / %q", mode, out, stderr.String())
		}
	}
}

func TestRunDefaultConfigReachesRecipient(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()
	cfg.Deterministic = true
	cfg.Mode = messenger.ModeRecipient
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), cfg, logger, &stdout, &stderr, 1, 2, "hello"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(stdout.String(), "Node 2 received: hello") {
		t.Fatalf("node 2 should open the message, got %q / %q", stdout.String(), stderr.String())
	}
}

func TestRunLegacyReportsUnreadableMailbox(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()
	cfg.Deterministic = true
	// Legacy envelopes are wrapped for the lowest node, so node 2 cannot open them.
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), cfg, logger, &stdout, &stderr, 1, 2, "hello"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(stderr.String(), "Node 2 could not open message") {
		t.Fatalf("expected drained message to be reported, got %q / %q", stdout.String(), stderr.String())
	}
	if strings.Contains(stdout.String(), "received") {
		t.Fatalf("legacy delivery must not open at the recipient, got %q", stdout.String())
	}
}

func TestRunFailsWhenSourceHasNoCredentials(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()
	cfg.Deterministic = true
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), cfg, logger, &stdout, &stderr, 9, 2, "hello")
	if !errors.Is(err, credentials.ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode from token generation, got %v", err)
	}
	if strings.Contains(stdout.String(), "Auth token verified.") {
		t.Fatalf("token must not be reported as verified, got %q", stdout.String())
	}
}
