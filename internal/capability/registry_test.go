package capability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/allssai/voxcpm-kazakh-tts/internal/bus"
	"github.com/allssai/voxcpm-kazakh-tts/internal/config"
	"github.com/allssai/voxcpm-kazakh-tts/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistryDiscoversPeers(t *testing.T) {
	server, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(server.Shutdown)

	connect := func(name string) *bus.Client {
		c, err := bus.Connect(context.Background(), name, config.BusConfig{
			Servers:        []string{server.ClientURL()},
			ConnectTimeout: 2000,
		}, newLogger())
		if err != nil {
			t.Fatalf("connect %s: %v", name, err)
		}
		t.Cleanup(c.Close)
		return c
	}

	nodeCfg := func(id string) config.NodeConfig {
		return config.NodeConfig{ID: id, Role: "tts", HeartbeatIntervalMS: 50, HeartbeatTimeoutMS: 500}
	}

	a, err := NewRegistry(context.Background(), nodeCfg("node-a"), []Capability{
		{Name: "tts", Attributes: map[string]string{"mode": "mock"}},
	}, connect("a"), newLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	t.Cleanup(a.Close)

	b, err := NewRegistry(context.Background(), nodeCfg("node-b"), []Capability{
		{Name: "tts", Attributes: map[string]string{"mode": "exec"}},
		{Name: "voice", Attributes: map[string]string{"name": "aigerim"}},
	}, connect("b"), newLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	t.Cleanup(b.Close)

	deadline := time.Now().Add(5 * time.Second)
	for {
		found := a.Query(WithAttribute("voice", "name", "aigerim"))
		if len(found) == 1 && found[0].ID == "node-b" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("node-a never saw node-b's voice, nodes: %+v", a.Query(nil))
		}
		time.Sleep(20 * time.Millisecond)
	}

	for {
		if len(b.Query(nil)) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("node-b never saw node-a, nodes: %+v", b.Query(nil))
		}
		time.Sleep(20 * time.Millisecond)
	}

	if !a.Healthy() || !b.Healthy() {
		t.Fatal("both registries should be healthy")
	}
	if got := a.Query(WithCapability("tts")); len(got) != 2 {
		t.Fatalf("expected 2 tts nodes, got %+v", got)
	}

	b.Close()
	for {
		if len(a.Query(nil)) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("node-a still lists node-b after it left: %+v", a.Query(nil))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEvaluateHealthMarksStaleNodes(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &Registry{
		cfg:   config.NodeConfig{ID: "self", HeartbeatTimeoutMS: 1000},
		nodes: make(map[string]*NodeInfo),
		left:  make(map[string]time.Time),
		now:   func() time.Time { return now },
	}
	r.updateNode("self", "tts", nil, now)
	r.updateNode("peer", "tts", nil, now.Add(-5*time.Second))
	r.evaluateHealth()

	if !r.Healthy() {
		t.Fatal("self should be healthy")
	}
	peers := r.Query(func(n NodeInfo) bool { return n.ID == "peer" })
	if len(peers) != 1 || peers[0].Healthy {
		t.Fatalf("peer should be stale: %+v", peers)
	}
	nodes, healthy := r.snapshotCounts()
	if nodes != 2 || healthy != 1 {
		t.Fatalf("unexpected counts %d/%d", nodes, healthy)
	}

	now = now.Add(time.Minute)
	r.evaluateHealth()
	if got := r.Query(nil); len(got) != 1 || got[0].ID != "self" || got[0].Healthy {
		t.Fatalf("silent peer should be forgotten and self kept unhealthy: %+v", got)
	}
}
