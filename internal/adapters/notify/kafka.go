package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/dkeye/Telehealth/internal/domain"
)

// KafkaSink publishes alerts keyed by session id, so one session's alerts
// stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// KafkaConfig is the producer setup used by DialKafka.
func KafkaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Version = sarama.V2_8_0_0
	return config
}

func DialKafka(brokers []string, topic string) (*KafkaSink, error) {
	producer, err := sarama.NewSyncProducer(brokers, KafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return NewKafkaSink(producer, topic), nil
}

func (s *KafkaSink) TriggerAlert(ctx context.Context, a domain.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	ts := a.RaisedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(a.SessionID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(a.Kind)},
			{Key: []byte("severity"), Value: []byte(a.Severity)},
		},
		Timestamp: ts,
	}
	_, _, err = s.producer.SendMessage(msg)
	return err
}

func (s *KafkaSink) Close() error { return s.producer.Close() }
