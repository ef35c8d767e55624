// Package cluster is the Cluster collaborator: leader resolution,
// pooled broker connections, and the mark-as-stale signal FetchOperation
// and the consume loop use to force a metadata refresh. The wire
// protocol codec itself is out of scope; this package only exposes the
// operations the core needs.
package cluster

import (
	"context"
	"time"

	"github.com/mkerrin/gconsume/kafka"
)

// PartitionFetchRequest is one partition's half of a FetchOperation
// request: where to resume from and how much to allow.
type PartitionFetchRequest struct {
	TopicPartition kafka.TopicPartition
	Offset         int64
	MaxBytes       int32
}

// Cluster resolves partition leaders, multiplexes fetch RPCs across
// brokers, and tracks whether its cached metadata should be refreshed.
type Cluster interface {
	// MarkAsStale forces the next leader-resolution call to refresh
	// metadata from the cluster rather than trust cached state.
	MarkAsStale()

	// Fetch issues one fetch per broker leading the partitions named in
	// reqs, honoring minBytes/maxWait per spec.md §4.2, and returns a
	// flat sequence of Batches. Fatal transport/connection errors are
	// returned directly; broker-reported per-partition errors are
	// attached to partErrs keyed by the offending partition.
	Fetch(
		ctx context.Context, reqs []PartitionFetchRequest, minBytes int32, maxWait time.Duration,
	) (batches []kafka.Batch, partErrs map[kafka.TopicPartition]error, err error)

	// LogStartOffset and LogEndOffset resolve earliest/latest for a
	// partition the OffsetManager's seed policy needs to place.
	LogStartOffset(ctx context.Context, tp kafka.TopicPartition) (int64, error)
	LogEndOffset(ctx context.Context, tp kafka.TopicPartition) (int64, error)

	// CommittedOffset returns the coordinator's durably committed offset
	// for tp, or ok=false if none has ever been committed.
	CommittedOffset(ctx context.Context, tp kafka.TopicPartition) (offset int64, ok bool, err error)

	// CommitOffsets durably commits the given next-offsets.
	CommitOffsets(ctx context.Context, offsets map[kafka.TopicPartition]int64) error

	// Ping is a cheap round trip used as the heartbeat beacon proxy when
	// no lower-level liveness RPC is exposed by the backing client.
	Ping(ctx context.Context) error

	Close()
}
