// Package group is the Group collaborator: the JoinGroup/SyncGroup
// sub-protocol, partition-assignment strategy, and the opaque
// generation token are all internal to this package. The Consumer only
// ever calls the operations below.
package group

import (
	"context"

	"github.com/mkerrin/gconsume/kafka"
)

// Group is the single writer of assignment and generation; the
// Consumer only reads both.
type Group interface {
	// Subscribe adds topic to the subscription set. Takes effect on the
	// next Join.
	Subscribe(topic string)

	// Join ensures membership and blocks until this member holds a
	// settled assignment for the current generation, or ctx is done.
	Join(ctx context.Context) error

	// Leave departs the group so the coordinator can immediately
	// reassign this member's partitions.
	Leave(ctx context.Context) error

	// Member reports whether this process is currently a live member of
	// the group (has completed at least one Join and not yet Left).
	Member() bool

	// GenerationID is the coordinator-issued generation token for the
	// current membership, strictly increasing across successful joins.
	GenerationID() int32

	// AssignedPartitions is this member's current assignment. Never
	// mutated in place; replaced atomically on each rebalance.
	AssignedPartitions() []kafka.TopicPartition
}
