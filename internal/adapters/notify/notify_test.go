package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/dkeye/Telehealth/internal/domain"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alert() domain.Alert {
	return domain.Alert{
		SessionID: "s1",
		Kind:      domain.AlertQuality,
		Severity:  domain.SeverityHigh,
		Message:   "sustained quality degradation",
		Metrics:   &domain.QualitySample{BitrateKbps: 200, PacketLossPct: 5, LatencyMs: 400},
		RaisedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestKafkaSinkPublishesJSON(t *testing.T) {
	config := mocks.NewTestConfig()
	config.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, config)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got domain.Alert
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.SessionID != "s1" || got.Kind != domain.AlertQuality {
			return errors.New("unexpected alert payload")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	s := NewKafkaSink(producer, "telehealth-alerts")
	require.NoError(t, s.TriggerAlert(context.Background(), alert()))
	assert.ErrorIs(t, s.TriggerAlert(context.Background(), alert()), sarama.ErrOutOfBrokers)
	require.NoError(t, s.Close())
}

type capture struct {
	exchange string
	msgs     []amqp.Publishing
	err      error
}

func (c *capture) Publish(exchange, _ string, _, _ bool, msg amqp.Publishing) error {
	c.exchange = exchange
	c.msgs = append(c.msgs, msg)
	return c.err
}

func TestAMQPSink(t *testing.T) {
	ch := &capture{}
	s := &AMQPSink{exchange: "telehealth.alerts", channel: ch}

	require.NoError(t, s.TriggerAlert(context.Background(), alert()))
	require.Len(t, ch.msgs, 1)
	msg := ch.msgs[0]
	assert.Equal(t, "telehealth.alerts", ch.exchange)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, uint8(9), msg.Priority)
	assert.Equal(t, "s1", msg.Headers["session_id"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.TriggerAlert(ctx, alert()), context.Canceled)
	assert.Len(t, ch.msgs, 1)
}

func TestLogSinkNeverFails(t *testing.T) {
	assert.NoError(t, NewLogSink().TriggerAlert(context.Background(), alert()))
	a := alert()
	a.Metrics = nil
	a.Severity = domain.SeverityMedium
	assert.NoError(t, NewLogSink().TriggerAlert(context.Background(), a))
}
