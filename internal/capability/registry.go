// Package capability advertises this instance's transcription capability on
// the bus and keeps a view of the other nodes doing the same.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/echo-stt/internal/bus"
	"github.com/loqalabs/echo-stt/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce  = "ctrl.node.announce"
	SubjectHeartbeat = "ctrl.node.heartbeat"
	SubjectDiscover  = "ctrl.node.discover"
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Sessions  int       `json:"sessions"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry announces the local node, heartbeats with its live session count,
// answers discovery requests and tracks peers. A peer that misses heartbeats
// for three intervals is marked unhealthy.
type Registry struct {
	id       string
	role     string
	caps     []Capability
	interval time.Duration
	load     func() int

	log    *slog.Logger
	bus    *bus.Client
	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
}

// NewRegistry subscribes to the control subjects and announces the node. load
// reports the number of live sessions for heartbeats.
func NewRegistry(ctx context.Context, cfg config.Config, busClient *bus.Client, load func() int, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		id:       nodeID(cfg.Node.ID, cfg.ServiceName),
		role:     cfg.Node.Role,
		caps:     LocalCapabilities(cfg),
		interval: config.Millis(cfg.Node.HeartbeatIntervalMS),
		load:     load,
		log:      log.With(slog.String("component", "capability-registry")),
		bus:      busClient,
		nodes:    make(map[string]*NodeInfo),
		cancel:   cancel,
	}
	if r.interval <= 0 {
		r.interval = 2 * time.Second
	}
	if r.load == nil {
		r.load = func() int { return 0 }
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		r.drain()
		return nil, err
	}

	r.wg.Add(1)
	go r.run(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	r.log.Info("node announced", slog.String("node_id", r.id), slog.String("role", r.role))
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.drain()
}

func (r *Registry) drain() {
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

// ID is the node id this instance announces under.
func (r *Registry) ID() string { return r.id }

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	for subject, handler := range map[string]nats.MsgHandler{
		SubjectAnnounce:         r.handleAnnounce,
		SubjectHeartbeat + ".*": r.handleHeartbeat,
		SubjectDiscover:         r.handleDiscover,
	} {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(r.interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) self() announceMessage {
	return announceMessage{
		NodeID:       r.id,
		Role:         r.role,
		Capabilities: r.caps,
		Timestamp:    time.Now().UTC(),
	}
}

func (r *Registry) announce() error {
	msg := r.self()
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Publish(SubjectAnnounce, payload); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.id,
		Sessions:  r.load(),
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Publish(SubjectHeartbeat+"."+r.id, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message")
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message")
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

// handleDiscover replies with this node's announcement so a newcomer can
// build its view without waiting for heartbeats.
func (r *Registry) handleDiscover(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(r.self())
	if err != nil {
		return
	}
	if err := msg.Respond(payload); err != nil {
		r.log.Warn("failed to answer discovery", slog.String("error", err.Error()))
	}
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := 3 * r.interval
	for id, node := range r.nodes {
		if id == r.id {
			node.LastSeen = now.UTC()
			node.Healthy = r.bus.Healthy()
			continue
		}
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.id]
	return ok && node.Healthy
}

// Query returns the known nodes accepted by filter, sorted by id.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/echo-stt/capability")
	gauge, err := meter.Int64ObservableGauge("echo.nodes.healthy", metric.WithDescription("Healthy transcription nodes seen on the bus"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(len(r.Query(func(n NodeInfo) bool { return n.Healthy }))))
		return nil
	}, gauge)
	return err
}

// LocalCapabilities describes what this instance can transcribe.
func LocalCapabilities(cfg config.Config) []Capability {
	return []Capability{
		{
			Name: "stt.stream",
			Attributes: map[string]string{
				"engine":      cfg.STT.Mode,
				"sample_rate": strconv.Itoa(cfg.STT.SampleRate),
				"encoding":    "pcm16le",
				"subject":     "audio.frame.>",
			},
		},
		{
			Name: "stt.batch",
			Attributes: map[string]string{
				"engine":      cfg.STT.Mode,
				"model_sizes": strings.Join(config.ModelSizes, ","),
				"language":    cfg.STT.Language,
			},
		},
	}
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func nodeID(configured, service string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return service + "-" + sanitize(host)
	}
	return service + "-" + uuid.NewString()[:8]
}

// sanitize keeps ids usable as a single subject token.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '-'
		}
		return r
	}, s)
}
