package offsetmanager_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkerrin/gconsume/errs"
	"github.com/mkerrin/gconsume/kafka"
	"github.com/mkerrin/gconsume/offsetmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	committed map[kafka.TopicPartition]int64
	starts    map[kafka.TopicPartition]int64
	ends      map[kafka.TopicPartition]int64
	commitErr error
	commits   []map[kafka.TopicPartition]int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		committed: make(map[kafka.TopicPartition]int64),
		starts:    make(map[kafka.TopicPartition]int64),
		ends:      make(map[kafka.TopicPartition]int64),
	}
}

func (f *fakeBackend) CommittedOffset(_ context.Context, tp kafka.TopicPartition) (int64, bool, error) {
	o, ok := f.committed[tp]
	return o, ok, nil
}

func (f *fakeBackend) LogStartOffset(_ context.Context, tp kafka.TopicPartition) (int64, error) {
	return f.starts[tp], nil
}

func (f *fakeBackend) LogEndOffset(_ context.Context, tp kafka.TopicPartition) (int64, error) {
	return f.ends[tp], nil
}

func (f *fakeBackend) CommitOffsets(_ context.Context, offsets map[kafka.TopicPartition]int64) error {
	f.commits = append(f.commits, offsets)
	if f.commitErr != nil {
		return f.commitErr
	}
	for tp, o := range offsets {
		f.committed[tp] = o
	}
	return nil
}

func TestNextOffsetFor_SeedsFromEarliestByDefault(t *testing.T) {
	be := newFakeBackend()
	tp := kafka.TopicPartition{Topic: "t", Partition: 0}
	be.starts[tp] = 7

	om := offsetmanager.New(be, be)
	offset, err := om.NextOffsetFor(context.Background(), tp)
	require.NoError(t, err)
	assert.Equal(t, int64(7), offset)
}

func TestNextOffsetFor_SeedsFromLatestWhenConfigured(t *testing.T) {
	be := newFakeBackend()
	tp := kafka.TopicPartition{Topic: "t", Partition: 0}
	be.ends[tp] = 42

	om := offsetmanager.New(be, be)
	om.SetDefaultOffset("t", offsetmanager.Latest)

	offset, err := om.NextOffsetFor(context.Background(), tp)
	require.NoError(t, err)
	assert.Equal(t, int64(42), offset)
}

func TestNextOffsetFor_PrefersCoordinatorCommittedOffset(t *testing.T) {
	be := newFakeBackend()
	tp := kafka.TopicPartition{Topic: "t", Partition: 0}
	be.committed[tp] = 9
	be.starts[tp] = 0

	om := offsetmanager.New(be, be)
	offset, err := om.NextOffsetFor(context.Background(), tp)
	require.NoError(t, err)
	assert.Equal(t, int64(10), offset)
}

func TestMarkAsProcessed_ThenNextOffsetForUsesLocalCache(t *testing.T) {
	be := newFakeBackend()
	tp := kafka.TopicPartition{Topic: "t", Partition: 0}

	om := offsetmanager.New(be, be)
	om.MarkAsProcessed(tp, 5)

	offset, err := om.NextOffsetFor(context.Background(), tp)
	require.NoError(t, err)
	assert.Equal(t, int64(6), offset)
}

func TestCommitOffsetsIfNecessary_GatesOnCountThreshold(t *testing.T) {
	be := newFakeBackend()
	tp := kafka.TopicPartition{Topic: "t", Partition: 0}

	om := offsetmanager.New(be, be, offsetmanager.WithMaxCount(2), offsetmanager.WithMaxInterval(time.Hour))

	om.MarkAsProcessed(tp, 0)
	require.NoError(t, om.CommitOffsetsIfNecessary(context.Background()))
	assert.Empty(t, be.commits, "below threshold must not commit")

	om.MarkAsProcessed(tp, 1)
	require.NoError(t, om.CommitOffsetsIfNecessary(context.Background()))
	require.Len(t, be.commits, 1)
	assert.Equal(t, int64(2), be.commits[0][tp])
}

func TestCommitOffsets_WrapsFailureAsOffsetCommitError(t *testing.T) {
	be := newFakeBackend()
	be.commitErr = errors.New("rejected")
	tp := kafka.TopicPartition{Topic: "t", Partition: 0}

	om := offsetmanager.New(be, be)
	om.MarkAsProcessed(tp, 0)

	err := om.CommitOffsets(context.Background())
	require.Error(t, err)
	_, ok := errs.AsOffsetCommitError(err)
	assert.True(t, ok)
}

func TestClearOffsetsExcluding_DropsUnassignedPartitions(t *testing.T) {
	be := newFakeBackend()
	tp0 := kafka.TopicPartition{Topic: "t", Partition: 0}
	tp1 := kafka.TopicPartition{Topic: "t", Partition: 1}

	om := offsetmanager.New(be, be)
	om.MarkAsProcessed(tp0, 0)
	om.MarkAsProcessed(tp1, 0)

	om.ClearOffsetsExcluding([]kafka.TopicPartition{tp0})

	_, ok := om.CommittedOffset(tp1)
	assert.False(t, ok)
	_, ok = om.CommittedOffset(tp0)
	assert.True(t, ok)
}

func TestClearOffsets_DropsEverything(t *testing.T) {
	be := newFakeBackend()
	tp := kafka.TopicPartition{Topic: "t", Partition: 0}

	om := offsetmanager.New(be, be)
	om.MarkAsProcessed(tp, 0)
	om.ClearOffsets()

	_, ok := om.CommittedOffset(tp)
	assert.False(t, ok)
}
