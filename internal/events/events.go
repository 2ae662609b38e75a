// Package events publishes lookup events to Kafka for downstream
// analytics. Publishing is fire-and-forget: a full queue drops the
// event rather than slowing the resolution path.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"placecache/internal/core/observability"
)

// Event is emitted after every resolved lookup.
type Event struct {
	Key    string    `json:"key"`
	Lat    float64   `json:"lat"`
	Lng    float64   `json:"lng"`
	Source string    `json:"source"` // "cache" | "local"
	TS     time.Time `json:"ts"`
}

// producer is the slice of sarama.AsyncProducer the publisher needs.
type producer interface {
	Input() chan<- *sarama.ProducerMessage
	Errors() <-chan *sarama.ProducerError
	Close() error
}

type Publisher struct {
	topic   string
	log     *slog.Logger
	events  chan Event
	prod    producer
	dropped atomic.Uint64
	drained chan struct{}
}

const flushTimeout = 5 * time.Second

func NewPublisher(brokers []string, topic string, queueSize int, logger *slog.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("events: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("events: topic is required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: create async producer: %w", err)
	}
	return newWithProducer(prod, topic, queueSize, logger), nil
}

func newWithProducer(prod producer, topic string, queueSize int, logger *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Publisher{
		topic:   topic,
		log:     logger,
		events:  make(chan Event, queueSize),
		prod:    prod,
		drained: make(chan struct{}),
	}

	go p.forward()
	go p.drainErrors()

	return p
}

// Publish enqueues ev without blocking. When the queue is full the event
// is dropped and counted.
func (p *Publisher) Publish(ev Event) {
	select {
	case p.events <- ev:
	default:
		observability.IncEventDropped()
		if n := p.dropped.Add(1); n == 1 || n%1000 == 0 {
			p.log.Warn("lookup event queue full, dropping", "dropped_total", n)
		}
	}
}

// Dropped reports how many events were discarded on a full queue.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Close drains queued events into the producer, then closes it.
// Publish must not be called after Close.
func (p *Publisher) Close() error {
	close(p.events)
	select {
	case <-p.drained:
	case <-time.After(flushTimeout):
		return errors.New("events: queue drain timed out")
	}
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("events: close producer: %w", err)
	}
	return nil
}

func (p *Publisher) forward() {
	defer close(p.drained)
	for ev := range p.events {
		b, err := json.Marshal(ev)
		if err != nil {
			p.log.Error("lookup event marshal failed", "err", err)
			continue
		}
		p.prod.Input() <- &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(ev.Key),
			Value: sarama.ByteEncoder(b),
		}
	}
}

func (p *Publisher) drainErrors() {
	for err := range p.prod.Errors() {
		if err != nil {
			p.log.Warn("lookup event produce failed", "topic", p.topic, "err", err.Err)
		}
	}
}
