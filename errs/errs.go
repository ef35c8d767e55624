// Package errs defines the tagged, recoverable-error taxonomy the
// consume loop switches on. Each kind wraps an underlying cause and is
// tested with errors.As at the top of the loop, rather than propagated
// via untyped errors, so the recovery policy stays a small, explicit
// switch instead of string matching.
package errs

import (
	"errors"
	"fmt"

	"github.com/mkerrin/gconsume/kafka"
)

// ErrNoPartitionsAssigned is a protocol invariant violation: Group.Join
// returned successfully for a non-empty subscription, but this member
// ended the rebalance holding no partitions at all. The check runs at
// every generation change and does not tell this apart from a
// subscribed topic that has no partitions yet; both return this error.
// An assignment that becomes empty without a generation change is not
// an error: consumer.Consumer.fetchBatches then fetches nothing.
var ErrNoPartitionsAssigned = errors.New("no partitions assigned")

// HeartbeatError indicates the coordinator rejected a liveness beacon,
// most often because the session already expired. Policy: rejoin the
// group and resume.
type HeartbeatError struct {
	Err error
}

func (e *HeartbeatError) Error() string { return fmt.Sprintf("heartbeat: %v", e.Err) }
func (e *HeartbeatError) Unwrap() error { return e.Err }

// OffsetCommitError indicates a commit was rejected by the coordinator,
// commonly due to a stale generation. Policy: rejoin the group and
// resume.
type OffsetCommitError struct {
	Err error
}

func (e *OffsetCommitError) Error() string { return fmt.Sprintf("offset commit: %v", e.Err) }
func (e *OffsetCommitError) Unwrap() error { return e.Err }

// ConnectionError is a raw transport failure encountered while
// fetching. FetchOperation always wraps it into a FetchError before it
// reaches the consume loop.
type ConnectionError struct {
	Broker string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", e.Broker, e.Err)
}
func (e *ConnectionError) Unwrap() error { return e.Err }

// FetchError is a fetch failure at the broker or transport layer.
// Policy: mark the cluster metadata stale and resume; the next
// iteration re-resolves leaders.
type FetchError struct {
	TopicPartition kafka.TopicPartition
	Err            error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.TopicPartition, e.Err)
}
func (e *FetchError) Unwrap() error { return e.Err }

// LeaderNotAvailableError indicates a partition currently has no
// elected leader. Policy: log, sleep briefly, and resume without
// touching group membership.
type LeaderNotAvailableError struct {
	TopicPartition kafka.TopicPartition
}

func (e *LeaderNotAvailableError) Error() string {
	return fmt.Sprintf("leader not available for %s", e.TopicPartition)
}

// AsHeartbeatError reports whether err is (or wraps) a HeartbeatError.
func AsHeartbeatError(err error) (*HeartbeatError, bool) {
	var target *HeartbeatError
	return target, errors.As(err, &target)
}

// AsOffsetCommitError reports whether err is (or wraps) an OffsetCommitError.
func AsOffsetCommitError(err error) (*OffsetCommitError, bool) {
	var target *OffsetCommitError
	return target, errors.As(err, &target)
}

// AsFetchError reports whether err is (or wraps) a FetchError.
func AsFetchError(err error) (*FetchError, bool) {
	var target *FetchError
	return target, errors.As(err, &target)
}

// AsLeaderNotAvailableError reports whether err is (or wraps) a LeaderNotAvailableError.
func AsLeaderNotAvailableError(err error) (*LeaderNotAvailableError, bool) {
	var target *LeaderNotAvailableError
	return target, errors.As(err, &target)
}
