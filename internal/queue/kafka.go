package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/casemind/claims-risk/configs"
	"github.com/casemind/claims-risk/internal/models"
)

// RefreshEventsKey is the Redis list holding the newest refresh events
const (
	RefreshEventsKey = "scores:refresh_events"
	MaxRefreshEvents = 100
)

// EventProducer publishes score refresh events to Kafka
type EventProducer struct {
	producer sarama.SyncProducer
	topic    string
}

// NewEventProducer connects a synchronous producer to the brokers
func NewEventProducer(cfg configs.KafkaConfig) (*EventProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Version = sarama.V3_0_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.RefreshTopic).
		Msg("Kafka producer initialized")

	return &EventProducer{producer: producer, topic: cfg.RefreshTopic}, nil
}

// PublishScoresRefreshed sends event keyed by its run id
func (p *EventProducer) PublishScoresRefreshed(ctx context.Context, event *models.ScoreRefreshedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh event: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(event.RunID),
		Value:     sarama.ByteEncoder(payload),
		Timestamp: event.RefreshedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to publish refresh event: %w", err)
	}

	log.Debug().
		Str("run_id", event.RunID).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("Refresh event published")

	return nil
}

// Close flushes and closes the producer
func (p *EventProducer) Close() error {
	return p.producer.Close()
}

// RefreshHandler reacts to one decoded refresh event
type RefreshHandler func(ctx context.Context, event *models.ScoreRefreshedEvent) error

// NewRefreshConsumerGroup joins the consumer group, retrying while the
// brokers come up
func NewRefreshConsumerGroup(cfg configs.KafkaConfig, attempts int, backoff time.Duration) (sarama.ConsumerGroup, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	if attempts <= 0 {
		attempts = 1
	}

	var group sarama.ConsumerGroup
	var err error
	for i := 0; i < attempts; i++ {
		group, err = sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
		if err == nil {
			return group, nil
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(backoff)
	}
	return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
}

// RefreshConsumer adapts a RefreshHandler to sarama.ConsumerGroupHandler
type RefreshConsumer struct {
	handle RefreshHandler
}

// NewRefreshConsumer wraps handle
func NewRefreshConsumer(handle RefreshHandler) *RefreshConsumer {
	return &RefreshConsumer{handle: handle}
}

func (c *RefreshConsumer) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Refresh event session started")
	return nil
}

func (c *RefreshConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Refresh event session ended")
	return nil
}

func (c *RefreshConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			c.Handle(session.Context(), message.Value)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// Handle decodes one message value and runs the handler. Undecodable
// messages are logged and skipped.
func (c *RefreshConsumer) Handle(ctx context.Context, value []byte) {
	var event models.ScoreRefreshedEvent
	if err := json.Unmarshal(value, &event); err != nil {
		log.Error().Err(err).Msg("Failed to parse refresh event")
		return
	}
	if err := c.handle(ctx, &event); err != nil {
		log.Error().Err(err).Str("run_id", event.RunID).Msg("Failed to handle refresh event")
	}
}
