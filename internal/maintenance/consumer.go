package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/cespare/xxhash/v2"
)

// Evictor applies age-based cache eviction. *engine.Engine satisfies it.
type Evictor interface {
	EvictOlderThan(ctx context.Context, daysOld int) (int64, error)
}

type Config struct {
	Brokers          []string
	Topic            string
	GroupID          string
	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 3 * time.Second
	}
	if c.RebalanceTimeout <= 0 {
		c.RebalanceTimeout = 30 * time.Second
	}
	return c
}

type Consumer struct {
	cfg   Config
	log   *slog.Logger
	evict Evictor
	seen  *seqDedupe
}

func New(cfg Config, evictor Evictor, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:   cfg.withDefaults(),
		log:   logger,
		evict: evictor,
		seen:  newSeqDedupe(4096),
	}
}

// Start blocks until ctx is canceled, reconnecting with backoff after
// consume errors.
func (c *Consumer) Start(ctx context.Context) error {
	if c.evict == nil {
		return errors.New("maintenance: evictor is required")
	}
	if len(c.cfg.Brokers) == 0 || c.cfg.Topic == "" || c.cfg.GroupID == "" {
		return errors.New("maintenance: brokers, topic and group are required")
	}

	scfg := sarama.NewConfig()
	scfg.Version = sarama.V2_5_0_0
	scfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	scfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	scfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOldest {
		scfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		scfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	scfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, scfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.log.Info("maintenance consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
			c.log.Error("maintenance consume error", "err", err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			c.log.Info("maintenance consumer shutting down")
			return nil
		}
	}
}

// ProcessOne handles a single maintenance message. Malformed events are
// logged and skipped so one bad message cannot wedge the partition;
// evictor failures surface for redelivery.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.log.Error("maintenance event decode failed",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		c.log.Error("maintenance event rejected", "offset", msg.Offset, "err", err)
		return nil
	}

	key := dedupeKey(msg)
	if ev.Seq != 0 && c.seen.isStale(key, ev.Seq) {
		c.log.Debug("maintenance event already applied", "op", ev.Op, "seq", ev.Seq)
		return nil
	}

	days := ev.DaysOld
	if ev.Op == OpClear {
		days = 0
	}
	n, err := c.evict.EvictOlderThan(ctx, days)
	if err != nil {
		return fmt.Errorf("apply %s: %w", ev.Op, err)
	}
	if ev.Seq != 0 {
		c.seen.markApplied(key, ev.Seq)
	}
	c.log.Info("maintenance applied", "op", ev.Op, "days_old", days, "evicted", n)
	return nil
}

// dedupeKey prefers the producer-assigned message key; unkeyed messages
// fall back to a payload hash, which still catches exact redeliveries.
func dedupeKey(msg *sarama.ConsumerMessage) string {
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	return strconv.FormatUint(xxhash.Sum64(msg.Value), 16)
}
