package consumer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkerrin/gconsume/consumer"
	"github.com/mkerrin/gconsume/consumer/consumertest"
	"github.com/mkerrin/gconsume/kafka"
	"github.com/mkerrin/gconsume/logger"
	mocklogger "github.com/mkerrin/gconsume/logger/mock"
	"github.com/mkerrin/gconsume/offsetmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsumer(t *testing.T, fc *consumertest.FakeCluster, fg *consumertest.FakeGroup, opts ...consumer.Option) *consumer.Consumer {
	t.Helper()

	om := offsetmanager.New(fc, fc)

	c, err := consumer.New(
		consumer.Collaborators{Group: fg, Cluster: fc, OffsetManager: om},
		append([]consumer.Option{
			consumer.WithSessionTimeout(200 * time.Millisecond),
			consumer.WithHeartbeatInterval(50 * time.Millisecond),
		}, opts...)...,
	)
	require.NoError(t, err)
	return c
}

// scenario 1: cold start, earliest seed.
func TestEachMessage_ColdStartEarliestSeed(t *testing.T) {
	fc := consumertest.NewFakeCluster()
	fg := consumertest.NewFakeGroup()

	tp0 := kafka.TopicPartition{Topic: "t", Partition: 0}
	tp1 := kafka.TopicPartition{Topic: "t", Partition: 1}
	for i := int64(0); i < 10; i++ {
		fc.Produce(tp0, kafka.Message{Topic: "t", Partition: 0, Offset: i})
		fc.Produce(tp1, kafka.Message{Topic: "t", Partition: 1, Offset: i})
	}
	fg.Assign(tp0, tp1)

	c := newTestConsumer(t, fc, fg, consumer.WithGroupID("g"))
	require.NoError(t, c.Subscribe("t", consumer.WithSeed(offsetmanager.Earliest)))

	seen := make(map[kafka.TopicPartition][]int64)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		time.Sleep(100 * time.Millisecond)
		c.Stop()
	}()

	err := c.EachMessage(ctx, func(_ context.Context, m kafka.Message) error {
		seen[m.TopicPartition()] = append(seen[m.TopicPartition()], m.Offset)
		if len(seen[tp0]) == 10 && len(seen[tp1]) == 10 {
			c.Stop()
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen[tp0])
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen[tp1])

	committed0, ok := fc.Committed(tp0)
	require.True(t, ok)
	assert.Equal(t, int64(10), committed0)
	committed1, ok := fc.Committed(tp1)
	require.True(t, ok)
	assert.Equal(t, int64(10), committed1)
}

// scenario 4: missed generation clears the local progress table, so a
// later fetch resolves from the coordinator's committed offset rather
// than stale local memory.
func TestJoinGroup_MissedGeneration_ClearsOffsets(t *testing.T) {
	fc := consumertest.NewFakeCluster()
	fg := consumertest.NewFakeGroup()
	om := offsetmanager.New(fc, fc)

	tp := kafka.TopicPartition{Topic: "t", Partition: 0}
	fc.SeedCommittedOffset(tp, 41)
	fg.Assign(tp)

	c, err := consumer.New(
		consumer.Collaborators{Group: fg, Cluster: fc, OffsetManager: om},
		consumer.WithGroupID("g"),
		consumer.WithSessionTimeout(200*time.Millisecond),
		consumer.WithHeartbeatInterval(50*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, c.Subscribe("t"))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(30 * time.Millisecond)
		c.Stop()
	}()
	require.NoError(t, c.EachMessage(ctx, func(context.Context, kafka.Message) error { return nil }))

	// Locally cache an offset for tp as if this member had processed
	// past what the coordinator knows about.
	om.MarkAsProcessed(tp, 99)

	fg.SkipGeneration(2)
	fc.SeedCommittedOffset(tp, 41)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel2()
	go func() {
		time.Sleep(30 * time.Millisecond)
		c.Stop()
	}()
	require.NoError(t, c.EachMessage(ctx2, func(context.Context, kafka.Message) error { return nil }))

	next, err := om.NextOffsetFor(context.Background(), tp)
	require.NoError(t, err)
	assert.Equal(t, int64(42), next, "stale local cache must be discarded in favor of the coordinator's committed offset")
}

// scenario: callback failure surfaces after the shutdown tail runs, and
// leaves the group.
func TestEachMessage_CallbackFailure_RunsShutdownTail(t *testing.T) {
	fc := consumertest.NewFakeCluster()
	fg := consumertest.NewFakeGroup()

	tp := kafka.TopicPartition{Topic: "t", Partition: 0}
	fc.Produce(tp, kafka.Message{Topic: "t", Partition: 0, Offset: 0})
	fg.Assign(tp)

	c := newTestConsumer(t, fc, fg, consumer.WithGroupID("g"))
	require.NoError(t, c.Subscribe("t"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	boom := assert.AnError
	err := c.EachMessage(ctx, func(context.Context, kafka.Message) error { return boom })
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, fg.Member())
}

// scenario 3: a live, mid-stream rebalance revokes a partition in the
// background (no explicit Join/Leave, as franz-go's OnAssigned/OnRevoked
// callbacks fire from inside PollFetches). The local progress table
// must be pruned for the revoked partition on the very next loop
// iteration, not only on an explicit rejoin.
func TestEachMessage_MidStreamRebalance_PrunesRevokedPartition(t *testing.T) {
	fc := consumertest.NewFakeCluster()
	fg := consumertest.NewFakeGroup()
	om := offsetmanager.New(fc, fc)

	tp0 := kafka.TopicPartition{Topic: "t", Partition: 0}
	tp1 := kafka.TopicPartition{Topic: "t", Partition: 1}
	fc.Produce(tp0, kafka.Message{Topic: "t", Partition: 0, Offset: 0})
	fc.Produce(tp1, kafka.Message{Topic: "t", Partition: 1, Offset: 0})
	fg.Assign(tp0, tp1)

	c, err := consumer.New(
		consumer.Collaborators{Group: fg, Cluster: fc, OffsetManager: om},
		consumer.WithGroupID("g"),
		consumer.WithSessionTimeout(200*time.Millisecond),
		consumer.WithHeartbeatInterval(50*time.Millisecond),
	)
	require.NoError(t, err)
	require.NoError(t, c.Subscribe("t"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		time.Sleep(30 * time.Millisecond)
		fg.Rebalance(tp0)
		time.Sleep(30 * time.Millisecond)
		c.Stop()
	}()

	require.NoError(t, c.EachMessage(ctx, func(context.Context, kafka.Message) error { return nil }))

	_, ok := om.CommittedOffset(tp1)
	assert.False(t, ok, "revoked partition's local progress must be pruned after a live rebalance")
	_, ok = om.CommittedOffset(tp0)
	assert.True(t, ok, "retained partition's local progress must survive the rebalance")
}

// A HeartbeatError surfaced from inside dispatch (via afterUnit's
// interleaved heartbeat check) must be routed through the same recovery
// policy as every other error site in the loop: rejoin and keep
// delivering, not abort the whole run.
func TestEachMessage_HeartbeatFailureDuringDispatch_RejoinsAndContinues(t *testing.T) {
	fc := consumertest.NewFakeCluster()
	fg := consumertest.NewFakeGroup()

	tp := kafka.TopicPartition{Topic: "t", Partition: 0}
	for i := int64(0); i < 3; i++ {
		fc.Produce(tp, kafka.Message{Topic: "t", Partition: 0, Offset: i})
	}
	fg.Assign(tp)

	c := newTestConsumer(t, fc, fg,
		consumer.WithGroupID("g"),
		consumer.WithHeartbeatInterval(time.Nanosecond),
	)
	require.NoError(t, c.Subscribe("t"))

	var seen []int64
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := c.EachMessage(ctx, func(_ context.Context, m kafka.Message) error {
		seen = append(seen, m.Offset)
		if m.Offset == 0 {
			fc.PingErrOnce = errors.New("session expired")
		}
		if len(seen) == 3 {
			c.Stop()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2}, seen, "heartbeat failure mid-dispatch must not abort message delivery")
}

// Wires mocklogger into an assertion on recoverFrom's Warn-level
// logging, rather than leaving the package unreferenced outside the
// example pack.
func TestRecoverFrom_HeartbeatFailure_LogsWarnAndRejoins(t *testing.T) {
	fc := consumertest.NewFakeCluster()
	fg := consumertest.NewFakeGroup()

	tp := kafka.TopicPartition{Topic: "t", Partition: 0}
	fc.Produce(tp, kafka.Message{Topic: "t", Partition: 0, Offset: 0})
	fg.Assign(tp)

	ml := mocklogger.New()
	c := newTestConsumer(t, fc, fg,
		consumer.WithGroupID("g"),
		consumer.WithHeartbeatInterval(time.Nanosecond),
		consumer.WithLogger(ml),
	)
	require.NoError(t, c.Subscribe("t"))

	fc.PingErrOnce = errors.New("session expired")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := c.EachMessage(ctx, func(context.Context, kafka.Message) error {
		c.Stop()
		return nil
	})
	require.NoError(t, err)

	ml.AssertCalledWithLevelAndMessage(t, logger.WarnLevel, "heartbeat failed, rejoining group")
}
