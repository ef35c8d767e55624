package consumer

import (
	"time"

	"github.com/hugolhafner/dskit/backoff"
	"github.com/mkerrin/gconsume/cluster"
	"github.com/mkerrin/gconsume/fetch"
	"github.com/mkerrin/gconsume/group"
	"github.com/mkerrin/gconsume/instrumentation"
	"github.com/mkerrin/gconsume/logger"
	"github.com/mkerrin/gconsume/offsetmanager"
)

const (
	DefaultSessionTimeout    = 30 * time.Second
	DefaultMinBytes          = 1
	DefaultMaxWaitTime       = 5 * time.Second
	defaultHeartbeatDivisor  = 3
	defaultLeaderNotAvailBackoff = time.Second
)

// Config configures a Consumer. SessionTimeout and HeartbeatInterval
// govern the group's liveness budget; per-call MinBytes/MaxWaitTime
// bound how long a fetch may block waiting for data.
type Config struct {
	GroupID           string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	MinBytes          int32
	MaxWaitTime       time.Duration

	Logger        logger.Logger
	Instrumenter  instrumentation.Instrumenter
	LeaderBackoff backoff.Backoff
}

func defaultConfig(groupID string) Config {
	return Config{
		GroupID:           groupID,
		SessionTimeout:    DefaultSessionTimeout,
		HeartbeatInterval: DefaultSessionTimeout / defaultHeartbeatDivisor,
		MinBytes:          DefaultMinBytes,
		MaxWaitTime:       DefaultMaxWaitTime,
		Logger:            logger.NewNoopLogger(),
		Instrumenter:      instrumentation.Noop{},
		LeaderBackoff:     backoff.NewFixed(defaultLeaderNotAvailBackoff),
	}
}

// Option customizes Config at construction time.
type Option func(*Config)

func WithGroupID(id string) Option                        { return func(c *Config) { c.GroupID = id } }
func WithLogger(l logger.Logger) Option                   { return func(c *Config) { c.Logger = l } }
func WithInstrumenter(i instrumentation.Instrumenter) Option {
	return func(c *Config) { c.Instrumenter = i }
}
func WithSessionTimeout(d time.Duration) Option    { return func(c *Config) { c.SessionTimeout = d } }
func WithHeartbeatInterval(d time.Duration) Option { return func(c *Config) { c.HeartbeatInterval = d } }
func WithMinBytes(n int32) Option                  { return func(c *Config) { c.MinBytes = n } }
func WithMaxWaitTime(d time.Duration) Option       { return func(c *Config) { c.MaxWaitTime = d } }
func WithLeaderBackoff(b backoff.Backoff) Option   { return func(c *Config) { c.LeaderBackoff = b } }

// SubscribeOption customizes a single topic's subscription.
type SubscribeOption func(*subscription)

type subscription struct {
	topic                string
	seed                 offsetmanager.SeedPolicy
	maxBytesPerPartition int32
}

func defaultSubscription(topic string) subscription {
	return subscription{
		topic:                topic,
		seed:                 offsetmanager.Earliest,
		maxBytesPerPartition: fetch.DefaultMaxBytesPerPartition,
	}
}

// WithSeed sets the seed policy applied when a newly assigned partition
// of this topic has no committed offset yet.
func WithSeed(policy offsetmanager.SeedPolicy) SubscribeOption {
	return func(s *subscription) { s.seed = policy }
}

// WithMaxBytesPerPartition caps a single fetch's pull from one partition
// of this topic.
func WithMaxBytesPerPartition(n int32) SubscribeOption {
	return func(s *subscription) { s.maxBytesPerPartition = n }
}

// Collaborators bundles the three collaborators a Consumer is built
// over, plus their construction dependency on each other's contracts
// (group.Group, cluster.Cluster, offsetmanager.OffsetManager). Caller
// owns their lifecycle; Consumer holds only non-owning references, per
// the object-graph note in spec.md §9.
type Collaborators struct {
	Group         group.Group
	Cluster       cluster.Cluster
	OffsetManager *offsetmanager.OffsetManager
}
