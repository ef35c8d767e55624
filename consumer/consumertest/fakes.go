// Package consumertest provides in-memory fakes for the Group and
// Cluster collaborators, for use in consumer package tests. Grounded on
// the teacher's kafka/mock/client.go fake-broker idiom (in-memory
// per-partition queues, controllable injected errors, functional
// options), generalized from a single fake kafka.Client to fakes for
// the two collaborators the Consumer state machine actually depends on.
package consumertest

import (
	"context"
	"sync"
	"time"

	"github.com/mkerrin/gconsume/cluster"
	"github.com/mkerrin/gconsume/group"
	"github.com/mkerrin/gconsume/kafka"
)

var _ cluster.Cluster = (*FakeCluster)(nil)

// FakeCluster is an in-memory Cluster backed by per-partition record
// queues. Records are seeded with Produce; Fetch returns every record at
// or after the requested offset without removing any.
type FakeCluster struct {
	mu sync.Mutex

	records          map[kafka.TopicPartition][]kafka.Message
	startOffsets     map[kafka.TopicPartition]int64
	committedOffsets map[kafka.TopicPartition]int64

	stale bool

	FetchErr        error
	PartitionErrs   map[kafka.TopicPartition]error
	CommitErr       error
	PingErr         error
	PingErrOnce     error
	CommitCallCount int
	PingCallCount   int
}

func NewFakeCluster() *FakeCluster {
	return &FakeCluster{
		records:          make(map[kafka.TopicPartition][]kafka.Message),
		startOffsets:     make(map[kafka.TopicPartition]int64),
		committedOffsets: make(map[kafka.TopicPartition]int64),
		PartitionErrs:    make(map[kafka.TopicPartition]error),
	}
}

// Produce appends msgs (assumed already offset-ordered starting from
// the partition's current length) to tp's queue.
func (f *FakeCluster) Produce(tp kafka.TopicPartition, msgs ...kafka.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[tp] = append(f.records[tp], msgs...)
}

// SeedCommittedOffset pre-populates the coordinator-held committed
// offset for tp, as if a previous member had already committed it.
func (f *FakeCluster) SeedCommittedOffset(tp kafka.TopicPartition, offset int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committedOffsets[tp] = offset
}

func (f *FakeCluster) MarkAsStale() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale = true
}

func (f *FakeCluster) IsStale() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale
}

func (f *FakeCluster) Fetch(
	ctx context.Context, reqs []cluster.PartitionFetchRequest, _ int32, _ time.Duration,
) ([]kafka.Batch, map[kafka.TopicPartition]error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FetchErr != nil {
		return nil, nil, f.FetchErr
	}
	f.stale = false

	partErrs := make(map[kafka.TopicPartition]error)
	var batches []kafka.Batch

	for _, r := range reqs {
		if err, ok := f.PartitionErrs[r.TopicPartition]; ok {
			partErrs[r.TopicPartition] = err
			continue
		}

		all := f.records[r.TopicPartition]
		var msgs []kafka.Message
		for _, m := range all {
			if m.Offset >= r.Offset {
				msgs = append(msgs, m)
			}
		}

		var highwater int64
		if len(all) > 0 {
			highwater = all[len(all)-1].Offset + 1
		}

		batches = append(batches, kafka.Batch{
			Topic:               r.TopicPartition.Topic,
			Partition:           r.TopicPartition.Partition,
			Messages:            msgs,
			HighwaterMarkOffset: highwater,
		})
	}

	return batches, partErrs, nil
}

func (f *FakeCluster) LogStartOffset(_ context.Context, tp kafka.TopicPartition) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startOffsets[tp], nil
}

func (f *FakeCluster) LogEndOffset(_ context.Context, tp kafka.TopicPartition) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.records[tp])), nil
}

func (f *FakeCluster) CommittedOffset(_ context.Context, tp kafka.TopicPartition) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.committedOffsets[tp]
	return o, ok, nil
}

func (f *FakeCluster) CommitOffsets(_ context.Context, offsets map[kafka.TopicPartition]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CommitCallCount++
	if f.CommitErr != nil {
		return f.CommitErr
	}
	for tp, offset := range offsets {
		f.committedOffsets[tp] = offset
	}
	return nil
}

// Committed returns the fake's current committed-offset view, for
// assertions.
func (f *FakeCluster) Committed(tp kafka.TopicPartition) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.committedOffsets[tp]
	return o, ok
}

func (f *FakeCluster) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PingCallCount++
	if f.PingErrOnce != nil {
		err := f.PingErrOnce
		f.PingErrOnce = nil
		return err
	}
	return f.PingErr
}

func (f *FakeCluster) Close() {}

var _ group.Group = (*FakeGroup)(nil)

// FakeGroup is an in-memory Group whose assignment is driven explicitly
// by test code via Assign, Rebalance and SkipGeneration, rather than by a real rebalance
// protocol.
type FakeGroup struct {
	mu sync.Mutex

	topics     []string
	member     bool
	generation int32
	assignment map[kafka.TopicPartition]struct{}

	JoinErr  error
	LeaveErr error
}

func NewFakeGroup() *FakeGroup {
	return &FakeGroup{assignment: make(map[kafka.TopicPartition]struct{})}
}

func (g *FakeGroup) Subscribe(topic string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.topics = append(g.topics, topic)
}

func (g *FakeGroup) Join(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.JoinErr != nil {
		return g.JoinErr
	}
	g.member = true
	g.generation++
	return nil
}

func (g *FakeGroup) Leave(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.LeaveErr != nil {
		return g.LeaveErr
	}
	g.member = false
	return nil
}

func (g *FakeGroup) Member() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.member
}

func (g *FakeGroup) GenerationID() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

func (g *FakeGroup) AssignedPartitions() []kafka.TopicPartition {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]kafka.TopicPartition, 0, len(g.assignment))
	for tp := range g.assignment {
		out = append(out, tp)
	}
	return out
}

// Assign sets the current assignment directly, simulating the result of
// a rebalance without driving a real protocol.
func (g *FakeGroup) Assign(tps ...kafka.TopicPartition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.assignment = make(map[kafka.TopicPartition]struct{}, len(tps))
	for _, tp := range tps {
		g.assignment[tp] = struct{}{}
	}
}

// SkipGeneration advances the generation counter by more than one, as
// if this member had missed one or more full rebalances while
// disconnected.
func (g *FakeGroup) SkipGeneration(n int32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.generation += n
}

// Rebalance simulates a live, mid-stream rebalance completing in the
// background, the way the kgo backend's OnAssigned/OnRevoked callbacks
// do when driven from inside PollFetches rather than from an explicit
// Join: it updates the assignment and advances the generation by
// exactly one, without touching Member(), so the next reconcile pass
// picks up the new generation without any explicit Join/Leave call.
func (g *FakeGroup) Rebalance(tps ...kafka.TopicPartition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.assignment = make(map[kafka.TopicPartition]struct{}, len(tps))
	for _, tp := range tps {
		g.assignment[tp] = struct{}{}
	}
	g.generation++
}
