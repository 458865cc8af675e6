package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-caption/internal/bus"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T, url, name string) *bus.Client {
	t.Helper()
	cfg := config.Default().Bus
	cfg.Servers = []string{url}
	client, err := bus.Connect(context.Background(), cfg, name, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func nodeConfig(id, role string) config.NodeConfig {
	return config.NodeConfig{ID: id, Role: role, HeartbeatInterval: 50, HeartbeatTimeout: 200}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryTracksPeers(t *testing.T) {
	srv, err := natsserver.StartEphemeral(newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	capture, err := NewRegistry(context.Background(), nodeConfig("capture-1", config.RoleCapture), "", connect(t, srv.ClientURL(), "capture"), newLogger())
	if err != nil {
		t.Fatalf("capture registry: %v", err)
	}
	t.Cleanup(capture.Close)
	if !capture.Healthy() {
		t.Fatal("expected own node healthy after announce")
	}
	if capture.RoleHealthy(config.RoleEngine) {
		t.Fatal("no engine node yet")
	}

	engine, err := NewRegistry(context.Background(), nodeConfig("engine-1", config.RoleEngine), "mock", connect(t, srv.ClientURL(), "engine"), newLogger())
	if err != nil {
		t.Fatalf("engine registry: %v", err)
	}

	waitFor(t, func() bool { return capture.RoleHealthy(config.RoleEngine) })
	nodes := capture.Query(WithRole(config.RoleEngine))
	if len(nodes) != 1 || nodes[0].ID != "engine-1" || nodes[0].Engine != "mock" {
		t.Fatalf("unexpected engine nodes %+v", nodes)
	}

	engine.Close()
	waitFor(t, func() bool { return !capture.RoleHealthy(config.RoleEngine) })
}

func TestRoleAllServesEveryRole(t *testing.T) {
	info := NodeInfo{ID: "n", Role: config.RoleAll, Healthy: true}
	if !WithRole(config.RoleEngine)(info) || !WithRole(config.RoleCapture)(info) {
		t.Fatal("expected all-in-one node to match both roles")
	}
	if WithRole(config.RoleEngine)(NodeInfo{Role: config.RoleCapture}) {
		t.Fatal("capture node must not match engine role")
	}
}
