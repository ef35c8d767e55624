// Command consume wires the kgo-backed collaborators together and runs
// a single Consumer against a YAML configuration file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mkerrin/gconsume/cluster"
	"github.com/mkerrin/gconsume/config"
	"github.com/mkerrin/gconsume/consumer"
	"github.com/mkerrin/gconsume/group"
	"github.com/mkerrin/gconsume/instrumentation"
	"github.com/mkerrin/gconsume/kafka"
	"github.com/mkerrin/gconsume/logger/zaplogger"
	"github.com/mkerrin/gconsume/offsetmanager"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "consumer.yaml", "path to a YAML consumer config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zl, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer zl.Sync()

	l := zaplogger.New(zl).With("group_id", cfg.GroupID)

	client, kgoGroup, err := group.NewKgoGroup(group.Config{
		BootstrapServers:  cfg.BootstrapServers,
		GroupID:           cfg.GroupID,
		SessionTimeout:    cfg.SessionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            l,
	})
	if err != nil {
		return fmt.Errorf("build group: %w", err)
	}
	defer client.Close()

	kgoCluster := cluster.NewKgoCluster(client, cfg.GroupID, l)
	offsets := offsetmanager.New(kgoCluster, kgoCluster)

	c, err := consumer.New(
		consumer.Collaborators{Group: kgoGroup, Cluster: kgoCluster, OffsetManager: offsets},
		consumer.WithGroupID(cfg.GroupID),
		consumer.WithSessionTimeout(cfg.SessionTimeout),
		consumer.WithHeartbeatInterval(cfg.HeartbeatInterval),
		consumer.WithMinBytes(cfg.MinBytes),
		consumer.WithMaxWaitTime(cfg.MaxWaitTime),
		consumer.WithLogger(l),
		consumer.WithInstrumenter(instrumentation.Noop{}),
	)
	if err != nil {
		return fmt.Errorf("build consumer: %w", err)
	}

	for _, sub := range cfg.Subscriptions {
		opts := []consumer.SubscribeOption{
			consumer.WithMaxBytesPerPartition(sub.MaxBytesPerPartition),
		}
		if sub.Seed == "latest" {
			opts = append(opts, consumer.WithSeed(offsetmanager.Latest))
		} else {
			opts = append(opts, consumer.WithSeed(offsetmanager.Earliest))
		}
		if err := c.Subscribe(sub.Topic, opts...); err != nil {
			return fmt.Errorf("subscribe to %s: %w", sub.Topic, err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		l.Info("shutdown signal received, stopping consumer")
		c.Stop()
	}()

	return c.EachMessage(context.Background(), func(_ context.Context, msg kafka.Message) error {
		l.Debug("processed message", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		return nil
	})
}
