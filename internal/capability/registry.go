// Package capability advertises what this synthesis node can do and tracks
// the other nodes seen on the bus, so request publishers can find a worker
// that has a given voice.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/allssai/voxcpm-kazakh-tts/internal/bus"
	"github.com/allssai/voxcpm-kazakh-tts/internal/config"
	"github.com/allssai/voxcpm-kazakh-tts/internal/protocol"
)

// forgetAfter is how many heartbeat timeouts a silent peer is kept before
// it is dropped.
const forgetAfter = 10

// Capability names one thing a node offers, such as "tts" or "voice".
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
	Timestamp time.Time `json:"timestamp"`
}

type Registry struct {
	cfg   config.NodeConfig
	local []Capability
	log   *slog.Logger
	bus   *bus.Client
	now   func() time.Time

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	// left records when a peer said goodbye, so heartbeats it sent
	// earlier cannot bring it back.
	left map[string]time.Time

	cancel context.CancelFunc
	subs   []*nats.Subscription
	done   sync.WaitGroup
}

// NewRegistry subscribes to node announcements, announces local and starts
// the heartbeat loop.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, local []Capability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		local:  local,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		now:    time.Now,
		nodes:  make(map[string]*NodeInfo),
		left:   make(map[string]time.Time),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	r.done.Add(1)
	go r.run(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

// Close stops the heartbeat loop and tells peers this node is leaving.
func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.done.Wait()
	if r.bus.Healthy() {
		leave := heartbeatMessage{NodeID: r.cfg.ID, Timestamp: r.now().UTC()}
		if err := r.bus.PublishJSON(protocol.SubjectNodeLeave, leave); err != nil {
			r.log.Warn("failed to publish leave", slog.String("error", err.Error()))
		}
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	announceSub, err := r.bus.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := r.bus.Subscribe(protocol.SubjectNodeHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	leaveSub, err := r.bus.Subscribe(protocol.SubjectNodeLeave, r.handleLeave)
	if err != nil {
		return fmt.Errorf("subscribe leave: %w", err)
	}
	r.subs = append(r.subs, leaveSub)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.done.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local,
		Timestamp:    r.now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{NodeID: r.cfg.ID, Timestamp: r.now().UTC()}
	return r.bus.PublishJSON(protocol.SubjectNodeHeartbeat+"."+r.cfg.ID, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

func (r *Registry) handleLeave(msg *nats.Msg) {
	var leave heartbeatMessage
	if err := json.Unmarshal(msg.Data, &leave); err != nil {
		r.log.Warn("invalid leave message", slog.String("error", err.Error()))
		return
	}
	if leave.NodeID == "" || leave.NodeID == r.cfg.ID {
		return
	}
	if leave.Timestamp.IsZero() {
		leave.Timestamp = r.now().UTC()
	}
	r.mu.Lock()
	delete(r.nodes, leave.NodeID)
	r.left[leave.NodeID] = leave.Timestamp
	r.mu.Unlock()
	r.log.Info("node left", slog.String("node_id", leave.NodeID))
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if leftAt, gone := r.left[nodeID]; gone {
		if !timestamp.After(leftAt) {
			return
		}
		delete(r.left, nodeID)
	}
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
	if timestamp.After(node.LastSeen) {
		node.LastSeen = timestamp
	}
	node.Healthy = true
}

// evaluateHealth marks nodes without a recent heartbeat unhealthy and
// forgets peers silent for forgetAfter timeouts. The local node is kept.
func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := r.now()
	for id, node := range r.nodes {
		silent := now.Sub(node.LastSeen)
		if silent > timeout {
			node.Healthy = false
		}
		if id != r.cfg.ID && silent > forgetAfter*timeout {
			delete(r.nodes, id)
		}
	}
}

// Healthy reports whether this node has seen its own announcement.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns the nodes accepted by filter, sorted by id. A nil filter
// accepts every node.
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
	meter := otel.Meter("github.com/allssai/voxcpm-kazakh-tts/runtime")
	nodeGauge, err := meter.Int64ObservableGauge("vox.nodes", metric.WithDescription("Number of known synthesis nodes"))
	if err != nil {
		return err
	}
	healthyGauge, err := meter.Int64ObservableGauge("vox.nodes.healthy", metric.WithDescription("Number of nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		nodes, healthy := r.snapshotCounts()
		obs.ObserveInt64(nodeGauge, nodes)
		obs.ObserveInt64(healthyGauge, healthy)
		return nil
	}, nodeGauge, healthyGauge)
	return err
}

func (r *Registry) snapshotCounts() (nodes, healthy int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.nodes {
		nodes++
		if node.Healthy {
			healthy++
		}
	}
	return nodes, healthy
}

// WithCapability matches nodes offering name.
func WithCapability(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

// WithAttribute matches nodes whose capability name carries key=value.
func WithAttribute(name, key, value string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name && c.Attributes[key] == value {
				return true
			}
		}
		return false
	}
}
