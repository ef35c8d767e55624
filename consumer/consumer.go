// Package consumer implements the Consumer control loop: the
// single-threaded consume loop, its state machine, dispatch ordering,
// rebalance handling, and error recovery policy, composed over the
// Group, Cluster, OffsetManager, and Heartbeat collaborators.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mkerrin/gconsume/cluster"
	"github.com/mkerrin/gconsume/errs"
	"github.com/mkerrin/gconsume/fetch"
	"github.com/mkerrin/gconsume/group"
	"github.com/mkerrin/gconsume/heartbeat"
	"github.com/mkerrin/gconsume/instrumentation"
	"github.com/mkerrin/gconsume/kafka"
	"github.com/mkerrin/gconsume/logger"
	"github.com/mkerrin/gconsume/offsetmanager"
)

// State is one point in the consume loop's state machine.
type State int

const (
	Idle State = iota
	Joining
	Fetching
	Dispatching
	Recovering
	Stopping
	Left
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Fetching:
		return "fetching"
	case Dispatching:
		return "dispatching"
	case Recovering:
		return "recovering"
	case Stopping:
		return "stopping"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

// MessageCallback processes one message. Returning a non-nil error
// exits the consume loop after the shutdown tail runs.
type MessageCallback func(context.Context, kafka.Message) error

// BatchCallback processes one non-empty batch.
type BatchCallback func(context.Context, kafka.Batch) error

// Consumer drives the group-coordinated consume loop over a caller-owned
// Group, Cluster, and OffsetManager. A Consumer is not safe for
// concurrent use by more than one goroutine at a time, and it is not
// re-entrant: EachMessage/EachBatch must not be called again until a
// prior call has returned.
type Consumer struct {
	cfg     Config
	group   group.Group
	cluster cluster.Cluster
	offsets *offsetmanager.OffsetManager
	hb      *heartbeat.Heartbeat

	mu            sync.Mutex
	subscriptions map[string]subscription
	lastGen       int32
	haveJoined    bool

	stopRequested atomic.Bool
	state         atomic.Int32
}

// New builds a Consumer over the given collaborators. groupID must be
// non-empty.
func New(collab Collaborators, opts ...Option) (*Consumer, error) {
	if collab.Group == nil || collab.Cluster == nil || collab.OffsetManager == nil {
		return nil, errors.New("consumer: Group, Cluster, and OffsetManager are all required")
	}

	cfg := defaultConfig("")
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.GroupID == "" {
		return nil, errors.New("consumer: group_id is required")
	}
	if cfg.HeartbeatInterval >= cfg.SessionTimeout {
		return nil, fmt.Errorf(
			"consumer: heartbeat_interval (%s) must be smaller than session_timeout (%s)",
			cfg.HeartbeatInterval, cfg.SessionTimeout,
		)
	}

	c := &Consumer{
		cfg:           cfg,
		group:         collab.Group,
		cluster:       collab.Cluster,
		offsets:       collab.OffsetManager,
		subscriptions: make(map[string]subscription),
		lastGen:       -1,
	}
	c.hb = heartbeat.New(heartbeat.SenderFunc(c.beacon), cfg.HeartbeatInterval)
	c.setState(Idle)

	return c, nil
}

func (c *Consumer) setState(s State) { c.state.Store(int32(s)) }

// State reports the loop's current position in the state machine, for
// diagnostics and tests.
func (c *Consumer) State() State { return State(c.state.Load()) }

func (c *Consumer) beacon(ctx context.Context) error {
	return c.cluster.Ping(ctx)
}

// Subscribe adds topic to the group's subscription set, recording its
// seed policy and per-partition fetch cap. Takes effect on the next
// Join; if this Consumer has already joined the group, a topic added
// here only takes effect at the next rebalance, not immediately.
// Idempotent for the same topic.
func (c *Consumer) Subscribe(topic string, opts ...SubscribeOption) error {
	if topic == "" {
		return errors.New("consumer: topic must not be empty")
	}

	sub := defaultSubscription(topic)
	for _, opt := range opts {
		opt(&sub)
	}

	c.mu.Lock()
	c.subscriptions[topic] = sub
	c.offsets.SetDefaultOffset(topic, sub.seed)
	c.mu.Unlock()

	c.group.Subscribe(topic)
	return nil
}

// Stop requests graceful shutdown at the next safe point: after the
// current message/batch callback returns, and at the top of the loop.
// Non-blocking.
func (c *Consumer) Stop() {
	c.stopRequested.Store(true)
}

// EachMessage runs the consume loop, invoking cb exactly once per
// fetched message. Returns when Stop is called (nil error) or an
// unrecoverable error occurs.
func (c *Consumer) EachMessage(ctx context.Context, cb MessageCallback) error {
	return c.run(ctx, func(ctx context.Context, batches []kafka.Batch) error {
		for _, b := range batches {
			for _, msg := range b.Messages {
				attrs := map[string]any{
					"topic":      msg.Topic,
					"partition":  msg.Partition,
					"offset":     msg.Offset,
					"offset_lag": b.OffsetLag(),
					"key":        msg.Key,
					"value":      msg.Value,
				}
				err := c.cfg.Instrumenter.Instrument(
					ctx, instrumentation.EventProcessMessage, attrs,
					func(ctx context.Context) error { return cb(ctx, msg) },
				)
				if err != nil {
					return fmt.Errorf("process message %s@%d: %w", msg.TopicPartition(), msg.Offset, err)
				}

				c.offsets.MarkAsProcessed(msg.TopicPartition(), msg.Offset)

				if err := c.afterUnit(ctx); err != nil {
					return err
				}
				if c.stopRequested.Load() {
					return nil
				}
			}
		}
		return nil
	})
}

// EachBatch runs the consume loop, invoking cb once per non-empty
// batch. Empty batches are silently skipped.
func (c *Consumer) EachBatch(ctx context.Context, cb BatchCallback) error {
	return c.run(ctx, func(ctx context.Context, batches []kafka.Batch) error {
		for _, b := range batches {
			if b.IsEmpty() {
				continue
			}

			attrs := map[string]any{
				"topic":                 b.Topic,
				"partition":             b.Partition,
				"offset_lag":            b.OffsetLag(),
				"highwater_mark_offset": b.HighwaterMarkOffset,
				"message_count":         len(b.Messages),
			}
			err := c.cfg.Instrumenter.Instrument(
				ctx, instrumentation.EventProcessBatch, attrs,
				func(ctx context.Context) error { return cb(ctx, b) },
			)
			if err != nil {
				return fmt.Errorf("process batch %s: %w", b.TopicPartition(), err)
			}

			if last, ok := b.LastOffset(); ok {
				c.offsets.MarkAsProcessed(b.TopicPartition(), last)
			}

			if err := c.afterUnit(ctx); err != nil {
				return err
			}
			if c.stopRequested.Load() {
				return nil
			}
		}
		return nil
	})
}

// afterUnit runs the interleaved commit/heartbeat checks required after
// each message (or batch), so a slow callback stream cannot starve
// either.
func (c *Consumer) afterUnit(ctx context.Context) error {
	if err := c.offsets.CommitOffsetsIfNecessary(ctx); err != nil {
		return err
	}
	return c.hb.SendIfNecessary(ctx)
}

// dispatchFunc processes the batches from one fetch iteration. It
// returns nil to continue the loop, or an error that run hands to
// recoverFrom: a recoverable kind (a heartbeat or commit failure from
// afterUnit) continues the loop, anything else (such as a callback
// failure) exits it.
type dispatchFunc func(ctx context.Context, batches []kafka.Batch) error

func (c *Consumer) run(ctx context.Context, dispatch dispatchFunc) (retErr error) {
	c.stopRequested.Store(false)
	c.setState(Joining)

	defer func() {
		c.setState(Stopping)
		if err := c.shutdown(context.Background()); err != nil && retErr == nil {
			retErr = err
		}
		c.setState(Left)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if c.stopRequested.Load() {
			return nil
		}

		c.setState(Joining)
		if err := c.reconcileMembership(ctx); err != nil {
			return err
		}
		c.setState(Fetching)

		if err := c.hb.SendIfNecessary(ctx); err != nil {
			if handled, recoverErr := c.recoverFrom(ctx, err); handled {
				if recoverErr != nil {
					return recoverErr
				}
				continue
			}
			return err
		}

		batches, err := c.fetchBatches(ctx)
		if err != nil {
			if handled, recoverErr := c.recoverFrom(ctx, err); handled {
				if recoverErr != nil {
					return recoverErr
				}
				continue
			}
			return err
		}

		c.setState(Dispatching)
		if err := dispatch(ctx, batches); err != nil {
			if handled, recoverErr := c.recoverFrom(ctx, err); handled {
				if recoverErr != nil {
					return recoverErr
				}
				continue
			}
			return err
		}

		if err := c.offsets.CommitOffsetsIfNecessary(ctx); err != nil {
			if handled, recoverErr := c.recoverFrom(ctx, err); handled {
				if recoverErr != nil {
					return recoverErr
				}
				continue
			}
			return err
		}

		if c.stopRequested.Load() {
			return nil
		}
	}
}

// needsJoin reports whether this loop iteration must explicitly join
// before fetching: true only once, on the very first iteration (or
// again after rejoin forces it). It does not gate the generation
// reconciliation below — the backend drives rebalances in the
// background independently of any Join call, so that must be checked
// every iteration regardless of whether Join itself ran.
func (c *Consumer) needsJoin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.haveJoined
}

// reconcileMembership ensures group membership and reconciles the
// offset table against the current generation, per spec.md §4.1's
// rebalance logic. It runs every loop iteration: franz-go's
// OnAssigned/OnRevoked callbacks fire from inside PollFetches, not from
// an explicit Join, so a live mid-stream rebalance changes
// GenerationID/AssignedPartitions without this Consumer ever calling
// Join again. Gating the pruning below behind needsJoin would miss
// every such rebalance after the first.
func (c *Consumer) reconcileMembership(ctx context.Context) error {
	if !c.group.Member() || c.needsJoin() {
		if err := c.group.Join(ctx); err != nil {
			return fmt.Errorf("join group: %w", err)
		}
		c.mu.Lock()
		c.haveJoined = true
		c.mu.Unlock()
	}

	gNew := c.group.GenerationID()

	c.mu.Lock()
	gOld := c.lastGen
	c.lastGen = gNew
	c.mu.Unlock()

	if gOld == gNew {
		return nil
	}

	assignment := c.group.AssignedPartitions()

	c.mu.Lock()
	hasSubscriptions := len(c.subscriptions) > 0
	c.mu.Unlock()

	if hasSubscriptions && len(assignment) == 0 {
		return errs.ErrNoPartitionsAssigned
	}

	switch {
	case gOld < 0 || gNew == gOld+1:
		c.offsets.ClearOffsetsExcluding(assignment)
	default:
		c.offsets.ClearOffsets()
	}

	c.hb.Reset()
	c.cfg.Logger.Info("group membership changed", "generation", gNew, "partitions", len(assignment))

	return nil
}

// fetchBatches builds one FetchOperation across the current assignment
// and executes it.
func (c *Consumer) fetchBatches(ctx context.Context) ([]kafka.Batch, error) {
	assignment := c.group.AssignedPartitions()
	if len(assignment) == 0 {
		return nil, nil
	}

	op := fetch.New(c.cluster)
	for _, tp := range assignment {
		c.mu.Lock()
		sub, ok := c.subscriptions[tp.Topic]
		c.mu.Unlock()

		maxBytes := int32(fetch.DefaultMaxBytesPerPartition)
		if ok {
			maxBytes = sub.maxBytesPerPartition
		}

		offset, err := c.offsets.NextOffsetFor(ctx, tp)
		if err != nil {
			return nil, fmt.Errorf("resolve next offset for %s: %w", tp, err)
		}
		op.FetchFromPartition(tp, offset, maxBytes)
	}

	return op.Execute(ctx, c.cfg.MinBytes, c.cfg.MaxWaitTime)
}

// recoverFrom classifies err against the recoverable taxonomy in
// spec.md §7. It returns handled=true when the error is recoverable, in
// which case recoverErr is either nil (retry the loop) or the error to
// propagate (recovery itself failed, e.g. rejoin failed).
func (c *Consumer) recoverFrom(ctx context.Context, err error) (handled bool, recoverErr error) {
	c.setState(Recovering)

	if _, ok := errs.AsHeartbeatError(err); ok {
		c.cfg.Logger.Warn("heartbeat failed, rejoining group", "error", err)
		return true, c.rejoin(ctx)
	}

	if _, ok := errs.AsOffsetCommitError(err); ok {
		c.cfg.Logger.Warn("offset commit failed, rejoining group", "error", err)
		return true, c.rejoin(ctx)
	}

	if lna, ok := errs.AsLeaderNotAvailableError(err); ok {
		c.cfg.Logger.Warn("leader not available, backing off", "partition", lna.TopicPartition)
		select {
		case <-time.After(c.cfg.LeaderBackoff.Next(0)):
		case <-ctx.Done():
			return true, nil
		}
		return true, nil
	}

	if fe, ok := errs.AsFetchError(err); ok {
		c.cfg.Logger.Warn("fetch failed, marking cluster stale", "error", fe)
		c.cluster.MarkAsStale()
		return true, nil
	}

	return false, nil
}

// rejoin forces the next loop iteration to re-join the group before
// fetching again.
func (c *Consumer) rejoin(ctx context.Context) error {
	c.mu.Lock()
	c.haveJoined = false
	c.mu.Unlock()

	if err := c.group.Leave(ctx); err != nil {
		return fmt.Errorf("leave group before rejoin: %w", err)
	}
	return nil
}

// shutdown is the guaranteed tail: commit outstanding offsets, then
// leave the group. Runs on every exit path from run, including
// exceptional ones.
func (c *Consumer) shutdown(ctx context.Context) error {
	commitErr := c.offsets.CommitOffsets(ctx)
	if commitErr != nil {
		c.cfg.Logger.Error("shutdown commit failed", "error", commitErr)
	}

	if c.group.Member() {
		if err := c.group.Leave(ctx); err != nil {
			c.cfg.Logger.Error("shutdown leave failed", "error", err)
			if commitErr == nil {
				return fmt.Errorf("leave group during shutdown: %w", err)
			}
		}
	}

	return commitErr
}
