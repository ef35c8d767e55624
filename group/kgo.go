package group

import (
	"context"
	"sync"
	"time"

	"github.com/mkerrin/gconsume/kafka"
	"github.com/mkerrin/gconsume/logger"
	"github.com/twmb/franz-go/pkg/kgo"
)

var _ Group = (*KgoGroup)(nil)

// Config configures the shared franz-go client that backs both KgoGroup
// and cluster.KgoCluster. Group owns construction because every option
// here is fundamentally about group membership (bootstrap, group id,
// session/heartbeat timing); Cluster is handed the resulting client as
// a non-owning reference, per spec.md §9's cycle-breaking note.
type Config struct {
	BootstrapServers  []string
	GroupID           string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	Logger            logger.Logger
}

// NewKgoGroup constructs the shared franz-go client and the KgoGroup
// collaborator on top of it. Group membership itself is not activated at
// construction: KgoGroup.Join assigns the group lazily via AssignGroup, the
// same call path used to rejoin after a recovery Leave, so a rejoin never
// has to tear down and rebuild the shared client. The returned *kgo.Client
// is also handed to cluster.NewKgoCluster so both collaborators share one
// connection pool.
func NewKgoGroup(cfg Config) (*kgo.Client, *KgoGroup, error) {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNoopLogger()
	}

	g := &KgoGroup{
		groupID:           cfg.GroupID,
		sessionTimeout:    cfg.SessionTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		assignment:        make(map[kafka.TopicPartition]struct{}),
		assignedCh:        make(chan struct{}),
		logger:            l.With("component", "group", "backend", "kgo"),
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.BootstrapServers...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.DisableAutoCommit(),
		kgo.WithLogger(newKgoLogger(l)),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, err
	}

	g.client = client

	return client, g, nil
}

// KgoGroup implements Group over a franz-go client's built-in rebalance
// protocol. franz-go drives JoinGroup/SyncGroup internally; KgoGroup's
// job is to surface the resulting assignment/generation through the
// spec's narrower contract, and to drive LeaveGroup/AssignGroup directly
// so a recovery rejoin never needs to close the shared client.
type KgoGroup struct {
	client            *kgo.Client
	groupID           string
	sessionTimeout    time.Duration
	heartbeatInterval time.Duration
	logger            logger.Logger

	mu         sync.Mutex
	subscribed bool
	topics     []string
	member     bool
	assignment map[kafka.TopicPartition]struct{}
	assignedCh chan struct{}
}

// Subscribe adds topic to the subscription set. Takes effect on the
// next Join: if each_message/each_batch already joined the group, a
// topic added mid-run only takes effect at the next rebalance, matching
// the source's deferred-subscription behavior (spec.md §9).
func (g *KgoGroup) Subscribe(topic string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, t := range g.topics {
		if t == topic {
			return
		}
	}
	g.topics = append(g.topics, topic)
}

func (g *KgoGroup) Join(ctx context.Context) error {
	g.mu.Lock()
	if !g.subscribed {
		topics := append([]string(nil), g.topics...)
		g.client.AssignGroup(g.groupID,
			kgo.GroupTopics(topics...),
			kgo.SessionTimeout(g.sessionTimeout),
			kgo.HeartbeatInterval(g.heartbeatInterval),
			kgo.DisableAutoCommit(),
			kgo.OnAssigned(g.onAssigned),
			kgo.OnRevoked(g.onRevoked),
			kgo.OnLost(g.onRevoked),
		)
		g.subscribed = true
	}
	if len(g.assignment) > 0 {
		g.mu.Unlock()
		return nil
	}
	waitCh := g.assignedCh
	g.mu.Unlock()

	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave leaves the group via LeaveGroup, which (unlike closing the client)
// leaves the shared *kgo.Client usable: the next Join re-assigns the same
// group from scratch. Used both for the recovery rejoin path and for the
// final shutdown tail, ahead of the caller closing the client itself.
func (g *KgoGroup) Leave(ctx context.Context) error {
	g.client.LeaveGroup()

	g.mu.Lock()
	g.member = false
	g.subscribed = false
	g.assignment = make(map[kafka.TopicPartition]struct{})
	g.mu.Unlock()

	return nil
}

func (g *KgoGroup) Member() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.member
}

func (g *KgoGroup) GenerationID() int32 {
	_, gen := g.client.GroupMetadata()
	return gen
}

func (g *KgoGroup) AssignedPartitions() []kafka.TopicPartition {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]kafka.TopicPartition, 0, len(g.assignment))
	for tp := range g.assignment {
		out = append(out, tp)
	}
	return out
}

func (g *KgoGroup) onAssigned(_ context.Context, assigned map[string][]int32) {
	g.mu.Lock()
	g.member = true
	for topic, partitions := range assigned {
		for _, p := range partitions {
			g.assignment[kafka.TopicPartition{Topic: topic, Partition: p}] = struct{}{}
		}
	}
	ch := g.assignedCh
	g.assignedCh = make(chan struct{})
	g.mu.Unlock()

	close(ch)
	g.logger.Info("partitions assigned", "assigned", assigned)
}

func (g *KgoGroup) onRevoked(_ context.Context, revoked map[string][]int32) {
	g.mu.Lock()
	for topic, partitions := range revoked {
		for _, p := range partitions {
			delete(g.assignment, kafka.TopicPartition{Topic: topic, Partition: p})
		}
	}
	g.mu.Unlock()

	g.logger.Info("partitions revoked", "revoked", revoked)
}
