// Package offsetmanager is the OffsetManager collaborator: it owns the
// per-partition progress table (next_offset, committed_offset),
// resolves a seed offset via policy when a partition has no committed
// offset yet, and commits buffered progress to the cluster on its own
// cadence. The Consumer treats it as opaque beyond the operations in
// this file.
package offsetmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mkerrin/gconsume/errs"
	"github.com/mkerrin/gconsume/kafka"
	"github.com/mkerrin/gconsume/logger"
)

// SeedPolicy decides where to begin consuming a partition that has no
// committed offset yet.
type SeedPolicy int

const (
	Earliest SeedPolicy = iota
	Latest
)

// CommitSink durably records offsets with the coordinator. Grounded on
// the cluster's offset-storage sub-protocol, named only by contract per
// the spec's scope boundary.
type CommitSink interface {
	CommitOffsets(ctx context.Context, offsets map[kafka.TopicPartition]int64) error
}

// SeedResolver resolves the concrete offset a seed policy names when no
// committed offset exists for a partition.
type SeedResolver interface {
	CommittedOffset(ctx context.Context, tp kafka.TopicPartition) (offset int64, ok bool, err error)
	LogStartOffset(ctx context.Context, tp kafka.TopicPartition) (int64, error)
	LogEndOffset(ctx context.Context, tp kafka.TopicPartition) (int64, error)
}

type entry struct {
	nextOffset      int64
	committedOffset int64
	// dirty is true when nextOffset has advanced past committedOffset
	// and hasn't been flushed to the sink yet.
	dirty bool
}

// Config tunes the commit cadence gate, grounded on
// committer/periodic.go's MaxInterval/MaxCount gate.
type Config struct {
	MaxInterval time.Duration
	MaxCount    int
	Logger      logger.Logger
}

func defaultConfig() Config {
	return Config{
		MaxInterval: 5 * time.Second,
		MaxCount:    1000,
		Logger:      logger.NewNoopLogger(),
	}
}

// Option customizes Config.
type Option func(*Config)

func WithMaxInterval(d time.Duration) Option { return func(c *Config) { c.MaxInterval = d } }
func WithMaxCount(n int) Option              { return func(c *Config) { c.MaxCount = n } }
func WithLogger(l logger.Logger) Option      { return func(c *Config) { c.Logger = l } }

// OffsetManager is the default in-memory progress table implementation.
type OffsetManager struct {
	sink     CommitSink
	resolver SeedResolver
	cfg      Config

	mu              sync.Mutex
	table           map[kafka.TopicPartition]*entry
	defaultPolicies map[string]SeedPolicy
	pendingSince    time.Time
	pendingCount    int
}

func New(sink CommitSink, resolver SeedResolver, opts ...Option) *OffsetManager {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &OffsetManager{
		sink:            sink,
		resolver:        resolver,
		cfg:             cfg,
		table:           make(map[kafka.TopicPartition]*entry),
		defaultPolicies: make(map[string]SeedPolicy),
	}
}

// SetDefaultOffset records the seed policy used for new partitions of topic.
func (m *OffsetManager) SetDefaultOffset(topic string, policy SeedPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultPolicies[topic] = policy
}

// NextOffsetFor returns the offset the next fetch should request: the
// locally tracked next_offset if tp is in the table, else the
// coordinator's committed offset plus one if one exists there, else the
// seed policy's resolved offset.
func (m *OffsetManager) NextOffsetFor(ctx context.Context, tp kafka.TopicPartition) (int64, error) {
	m.mu.Lock()
	if e, ok := m.table[tp]; ok {
		next := e.nextOffset
		m.mu.Unlock()
		return next, nil
	}
	policy, hasPolicy := m.defaultPolicies[tp.Topic]
	m.mu.Unlock()

	if committed, ok, err := m.resolver.CommittedOffset(ctx, tp); err != nil {
		return 0, fmt.Errorf("resolve committed offset for %s: %w", tp, err)
	} else if ok {
		m.mu.Lock()
		m.table[tp] = &entry{nextOffset: committed + 1, committedOffset: committed + 1}
		m.mu.Unlock()
		return committed + 1, nil
	}

	if !hasPolicy {
		policy = Earliest
	}

	var offset int64
	var err error
	switch policy {
	case Latest:
		offset, err = m.resolver.LogEndOffset(ctx, tp)
	default:
		offset, err = m.resolver.LogStartOffset(ctx, tp)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve seed offset for %s: %w", tp, err)
	}

	m.mu.Lock()
	m.table[tp] = &entry{nextOffset: offset, committedOffset: offset}
	m.mu.Unlock()

	return offset, nil
}

// MarkAsProcessed updates next_offset to offset+1 for tp and marks the
// table dirty so CommitOffsetsIfNecessary will eventually flush it.
func (m *OffsetManager) MarkAsProcessed(tp kafka.TopicPartition, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.table[tp]
	if !ok {
		e = &entry{}
		m.table[tp] = e
	}
	e.nextOffset = offset + 1
	e.dirty = true
	m.pendingCount++
	if m.pendingSince.IsZero() {
		m.pendingSince = time.Now()
	}
}

// CommitOffsetsIfNecessary commits buffered offsets only once the
// commit interval has elapsed or the pending count crosses the
// threshold; otherwise it is a no-op.
func (m *OffsetManager) CommitOffsetsIfNecessary(ctx context.Context) error {
	m.mu.Lock()
	due := m.pendingCount > 0 &&
		(m.pendingCount >= m.cfg.MaxCount || (!m.pendingSince.IsZero() && time.Since(m.pendingSince) >= m.cfg.MaxInterval))
	m.mu.Unlock()

	if !due {
		return nil
	}

	return m.CommitOffsets(ctx)
}

// CommitOffsets synchronously and unconditionally commits every pending
// offset, used on shutdown and whenever the cadence gate fires.
func (m *OffsetManager) CommitOffsets(ctx context.Context) error {
	m.mu.Lock()
	toCommit := make(map[kafka.TopicPartition]int64)
	for tp, e := range m.table {
		if e.dirty {
			toCommit[tp] = e.nextOffset
		}
	}
	m.mu.Unlock()

	if len(toCommit) == 0 {
		return nil
	}

	if err := m.sink.CommitOffsets(ctx, toCommit); err != nil {
		return &errs.OffsetCommitError{Err: err}
	}

	m.mu.Lock()
	for tp, offset := range toCommit {
		if e, ok := m.table[tp]; ok && e.nextOffset == offset {
			e.committedOffset = offset
			e.dirty = false
		}
	}
	m.pendingCount = 0
	m.pendingSince = time.Time{}
	m.mu.Unlock()

	return nil
}

// ClearOffsets drops all local offset state, used when a member misses
// one or more full generations and its cached progress can no longer be
// trusted.
func (m *OffsetManager) ClearOffsets() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = make(map[kafka.TopicPartition]*entry)
	m.pendingCount = 0
	m.pendingSince = time.Time{}
}

// ClearOffsetsExcluding drops local offset state for every partition not
// in assignment, used after a rebalance that kept this member in the
// group continuously but changed which partitions it owns.
func (m *OffsetManager) ClearOffsetsExcluding(assignment []kafka.TopicPartition) {
	keep := make(map[kafka.TopicPartition]struct{}, len(assignment))
	for _, tp := range assignment {
		keep[tp] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for tp := range m.table {
		if _, ok := keep[tp]; !ok {
			delete(m.table, tp)
		}
	}
}

// CommittedOffset returns the locally known committed offset for tp, for
// tests and diagnostics.
func (m *OffsetManager) CommittedOffset(tp kafka.TopicPartition) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.table[tp]
	if !ok {
		return 0, false
	}
	return e.committedOffset, true
}
