package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/echo-stt/internal/bus"
	"github.com/loqalabs/echo-stt/internal/config"
	"github.com/loqalabs/echo-stt/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
	t.Helper()
	logger := newLogger()
	busCfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(busCfg, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	busCfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), "echo-test", busCfg, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func nodeConfig(id string) config.Config {
	cfg := config.Default()
	cfg.Node.ID = id
	cfg.Node.HeartbeatIntervalMS = 50
	return cfg
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

func TestRegistriesSeeEachOther(t *testing.T) {
	client := connect(t)
	ctx := context.Background()

	a, err := NewRegistry(ctx, nodeConfig("echo-a"), client, func() int { return 2 }, newLogger())
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	defer a.Close()
	b, err := NewRegistry(ctx, nodeConfig("echo-b"), client, nil, newLogger())
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	defer b.Close()

	if !a.Healthy() {
		t.Fatal("local node should be healthy after announce")
	}
	// a only learns about b through b's announce and heartbeats.
	waitFor(t, func() bool { return len(a.Query(nil)) == 2 })

	streamers := a.Query(WithCapabilityFilter("stt.stream"))
	if len(streamers) != 2 || streamers[0].ID != "echo-a" || streamers[1].ID != "echo-b" {
		t.Fatalf("unexpected stream nodes: %+v", streamers)
	}
	if streamers[1].Role != "stt" {
		t.Fatalf("role = %q, want stt", streamers[1].Role)
	}
}

func TestDiscoverRepliesWithAnnouncement(t *testing.T) {
	client := connect(t)
	r, err := NewRegistry(context.Background(), nodeConfig("echo-d"), client, nil, newLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	defer r.Close()

	msg, err := client.Conn().Request(SubjectDiscover, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	var got announceMessage
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.NodeID != "echo-d" || len(got.Capabilities) != 2 {
		t.Fatalf("unexpected announcement: %+v", got)
	}
}

func TestStalePeerMarkedUnhealthy(t *testing.T) {
	client := connect(t)
	r, err := NewRegistry(context.Background(), nodeConfig("echo-s"), client, nil, newLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	defer r.Close()

	r.updateNode("ghost", "stt", nil, time.Now().Add(-time.Minute))
	r.evaluateHealth(time.Now())

	ghosts := r.Query(func(n NodeInfo) bool { return n.ID == "ghost" })
	if len(ghosts) != 1 || ghosts[0].Healthy {
		t.Fatalf("expected ghost node unhealthy, got %+v", ghosts)
	}
	if !r.Healthy() {
		t.Fatal("local node should stay healthy while the bus is connected")
	}
}

func TestNodeIDSanitized(t *testing.T) {
	if got := nodeID("fixed", "echo"); got != "fixed" {
		t.Fatalf("nodeID = %q", got)
	}
	if got := sanitize("host.local *x"); got != "host-local--x" {
		t.Fatalf("sanitize = %q", got)
	}
}
