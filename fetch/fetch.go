// Package fetch is the FetchOperation collaborator: a per-cycle batch of
// partition fetch requests executed as a single grouped call against the
// Cluster collaborator, per spec.md §4.2.
package fetch

import (
	"context"
	"time"

	"github.com/mkerrin/gconsume/cluster"
	"github.com/mkerrin/gconsume/errs"
	"github.com/mkerrin/gconsume/kafka"
)

// DefaultMaxBytesPerPartition is the fetch cap applied to a partition
// when FetchFromPartition is called without an explicit maxBytes.
const DefaultMaxBytesPerPartition = 1 << 20 // 1 MiB

// FetchOperation accumulates per-partition fetch requests for one fetch
// cycle and executes them as a single grouped call. It is not safe for
// concurrent use; the consume loop builds, executes, and discards one
// per cycle.
type FetchOperation struct {
	cluster cluster.Cluster
	reqs    []cluster.PartitionFetchRequest
}

// New returns a FetchOperation bound to cl. A fresh FetchOperation is
// expected once per fetch cycle.
func New(cl cluster.Cluster) *FetchOperation {
	return &FetchOperation{cluster: cl}
}

// FetchFromPartition registers tp to be fetched starting at offset, up
// to maxBytes. maxBytes of 0 applies DefaultMaxBytesPerPartition.
func (f *FetchOperation) FetchFromPartition(tp kafka.TopicPartition, offset int64, maxBytes int32) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytesPerPartition
	}
	f.reqs = append(f.reqs, cluster.PartitionFetchRequest{
		TopicPartition: tp,
		Offset:         offset,
		MaxBytes:       maxBytes,
	})
}

// Execute issues the grouped fetch and returns every batch produced
// across all registered partitions. A partition-scoped broker error
// (fetch failure, missing leader) does not fail the whole call: it is
// returned via the consume loop's error-aggregation contract by
// propagating the first one encountered, since the loop handles exactly
// one error per cycle per spec.md §7. Partitions that fetched
// successfully still have their batches returned alongside.
func (f *FetchOperation) Execute(
	ctx context.Context, minBytes int32, maxWait time.Duration,
) ([]kafka.Batch, error) {
	if len(f.reqs) == 0 {
		return nil, nil
	}

	batches, partErrs, err := f.cluster.Fetch(ctx, f.reqs, minBytes, maxWait)
	if err != nil {
		return nil, &errs.FetchError{Err: &errs.ConnectionError{Err: err}}
	}

	for _, perr := range partErrs {
		return batches, perr
	}

	return batches, nil
}

// Reset clears all registered requests so the FetchOperation can be
// reused for the next cycle instead of allocating a new one.
func (f *FetchOperation) Reset() {
	f.reqs = f.reqs[:0]
}
