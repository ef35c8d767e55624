package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mkerrin/gconsume/errs"
	"github.com/mkerrin/gconsume/kafka"
	"github.com/mkerrin/gconsume/logger"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

var _ Cluster = (*KgoCluster)(nil)

// KgoCluster backs Cluster with a franz-go client. It does not construct
// the client: the client is constructed once (wiring both Cluster and
// Group against the same connection pool, see group.NewKgoGroup) and
// handed to both collaborators, per spec.md §9's note on breaking the
// Consumer/Group/Cluster reference cycle. Close closes that shared
// client.
type KgoCluster struct {
	client *kgo.Client
	admin  *kadm.Client
	group  string
	logger logger.Logger

	mu    sync.Mutex
	stale bool
}

// NewKgoCluster wraps an already-constructed franz-go client.
func NewKgoCluster(client *kgo.Client, groupID string, l logger.Logger) *KgoCluster {
	if l == nil {
		l = logger.NewNoopLogger()
	}
	return &KgoCluster{
		client: client,
		admin:  kadm.NewClient(client),
		group:  groupID,
		logger: l.With("component", "cluster", "backend", "kgo"),
	}
}

// MarkAsStale requests a metadata refresh before the next Fetch.
func (c *KgoCluster) MarkAsStale() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

func (c *KgoCluster) refreshIfStale() {
	c.mu.Lock()
	stale := c.stale
	c.stale = false
	c.mu.Unlock()

	if stale {
		c.logger.Debug("refreshing stale cluster metadata")
		c.client.ForceMetadataRefresh()
	}
}

// Fetch seeds the requested per-partition offsets and polls the
// underlying client. franz-go's PollFetches already coalesces the
// request into one wire-level fetch per partition leader internally;
// FetchOperation (package fetch) is the layer that models the
// "register partitions, then execute one grouped request" contract
// spec.md §4.2 describes. minBytes and each request's MaxBytes are
// ignored here: the poll uses the client's own fetch-size settings, and
// only maxWait bounds how long it blocks.
func (c *KgoCluster) Fetch(
	ctx context.Context, reqs []PartitionFetchRequest, _ int32, maxWait time.Duration,
) ([]kafka.Batch, map[kafka.TopicPartition]error, error) {
	c.refreshIfStale()

	if len(reqs) == 0 {
		return nil, nil, nil
	}

	offsets := make(map[string]map[int32]kgo.EpochOffset, len(reqs))
	for _, r := range reqs {
		perTopic, ok := offsets[r.TopicPartition.Topic]
		if !ok {
			perTopic = make(map[int32]kgo.EpochOffset)
			offsets[r.TopicPartition.Topic] = perTopic
		}
		perTopic[r.TopicPartition.Partition] = kgo.EpochOffset{Offset: r.Offset, Epoch: -1}
	}
	c.client.SetOffsets(offsets)

	fetchCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	fetches := c.client.PollFetches(fetchCtx)

	partErrs := make(map[kafka.TopicPartition]error)
	fetches.EachError(
		func(topic string, partition int32, err error) {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			tp := kafka.TopicPartition{Topic: topic, Partition: partition}
			partErrs[tp] = classifyFetchError(tp, err)
		},
	)

	byPartition := make(map[kafka.TopicPartition]*kafka.Batch)
	fetches.EachPartition(
		func(p kgo.FetchTopicPartition) {
			tp := kafka.TopicPartition{Topic: p.Topic, Partition: p.Partition}
			batch, ok := byPartition[tp]
			if !ok {
				batch = &kafka.Batch{
					Topic:               p.Topic,
					Partition:           p.Partition,
					HighwaterMarkOffset: p.HighWatermark,
				}
				byPartition[tp] = batch
			}
			for _, rec := range p.Records {
				batch.Messages = append(batch.Messages, toMessage(rec))
			}
		},
	)

	batches := make([]kafka.Batch, 0, len(byPartition))
	for _, b := range byPartition {
		batches = append(batches, *b)
	}

	return batches, partErrs, nil
}

// classifyFetchError wraps a broker-reported error into the recoverable
// taxonomy the consume loop switches on: a missing leader gets its own
// kind so the loop can back off without touching group membership,
// everything else becomes a generic FetchError that marks the cluster
// stale.
func classifyFetchError(tp kafka.TopicPartition, err error) error {
	var ke *kerr.Error
	if errors.As(err, &ke) && ke.Code == kerr.LeaderNotAvailable.Code {
		return &errs.LeaderNotAvailableError{TopicPartition: tp}
	}
	return &errs.FetchError{TopicPartition: tp, Err: err}
}

func (c *KgoCluster) LogStartOffset(ctx context.Context, tp kafka.TopicPartition) (int64, error) {
	resp, err := c.admin.ListStartOffsets(ctx, tp.Topic)
	if err != nil {
		return 0, fmt.Errorf("list start offsets for %s: %w", tp, err)
	}
	o, exists := resp.Lookup(tp.Topic, tp.Partition)
	if !exists || o.Err != nil {
		return 0, fmt.Errorf("no start offset for %s", tp)
	}
	return o.Offset, nil
}

func (c *KgoCluster) LogEndOffset(ctx context.Context, tp kafka.TopicPartition) (int64, error) {
	resp, err := c.admin.ListEndOffsets(ctx, tp.Topic)
	if err != nil {
		return 0, fmt.Errorf("list end offsets for %s: %w", tp, err)
	}
	o, exists := resp.Lookup(tp.Topic, tp.Partition)
	if !exists || o.Err != nil {
		return 0, fmt.Errorf("no end offset for %s", tp)
	}
	return o.Offset, nil
}

func (c *KgoCluster) CommittedOffset(
	ctx context.Context, tp kafka.TopicPartition,
) (int64, bool, error) {
	resp, err := c.admin.FetchOffsets(ctx, c.group)
	if err != nil {
		return 0, false, fmt.Errorf("fetch committed offsets for group %s: %w", c.group, err)
	}
	o, exists := resp.Lookup(tp.Topic, tp.Partition)
	if !exists || o.Err != nil {
		return 0, false, nil
	}
	return o.At, true, nil
}

func (c *KgoCluster) CommitOffsets(ctx context.Context, offsets map[kafka.TopicPartition]int64) error {
	toCommit := make(kadm.Offsets)
	for tp, offset := range offsets {
		toCommit.Add(kadm.Offset{Topic: tp.Topic, Partition: tp.Partition, At: offset})
	}

	resp, err := c.admin.CommitOffsets(ctx, c.group, toCommit)
	if err != nil {
		return fmt.Errorf("commit offsets for group %s: %w", c.group, err)
	}
	if err := resp.Error(); err != nil {
		return fmt.Errorf("commit offsets rejected for group %s: %w", c.group, err)
	}

	return nil
}

func (c *KgoCluster) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

func (c *KgoCluster) Close() {
	c.client.Close()
}

func toMessage(rec *kgo.Record) kafka.Message {
	headers := make([]kafka.Header, len(rec.Headers))
	for i, h := range rec.Headers {
		headers[i] = kafka.Header{Key: h.Key, Value: h.Value}
	}

	return kafka.Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
		Headers:   headers,
	}
}
