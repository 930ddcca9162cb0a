package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pmqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"

	"meterdash/internal/automation"
	"meterdash/internal/models"
)

// Sink receives the compact energy payload of every generated reading.
type Sink interface {
	Name() string
	Publish(ctx context.Context, p models.EnergyPayload) error
	Close() error
}

// WebhookSink forwards payloads to the automation backend's energy webhook.
type WebhookSink struct {
	client *automation.Client
}

func NewWebhookSink(c *automation.Client) *WebhookSink { return &WebhookSink{client: c} }

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Publish(ctx context.Context, p models.EnergyPayload) error {
	_, err := s.client.EnergyData(ctx, p)
	return err
}

func (s *WebhookSink) Close() error { return nil }

type MQTTSink struct {
	topic  string
	client pmqtt.Client
	log    *slog.Logger
}

func NewMQTTSink(broker, topic string, logger *slog.Logger) (*MQTTSink, error) {
	log := logger.With("sink", "mqtt")
	opts := pmqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID("meterdash-" + uuid.NewString()).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(func(pmqtt.Client) { log.Info("connected to mqtt broker", "broker", broker) }).
		SetConnectionLostHandler(func(_ pmqtt.Client, err error) { log.Warn("mqtt connection lost", "err", err) })
	client := pmqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", broker, token.Error())
	}
	return &MQTTSink{topic: topic, client: client, log: log}, nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Publish(ctx context.Context, p models.EnergyPayload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.topic, 1, false, b)
	wait := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		wait = time.Until(dl)
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("mqtt publish to %s: timed out", s.topic)
	}
	return token.Error()
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}

// AMQPSink publishes to a durable queue through the default exchange. A
// failed publish drops the connection; the next publish redials.
type AMQPSink struct {
	url   string
	queue string
	log   *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPSink(url, queue string, logger *slog.Logger) (*AMQPSink, error) {
	s := &AMQPSink{url: url, queue: queue, log: logger.With("sink", "amqp")}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AMQPSink) connect() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(s.queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare queue %s: %w", s.queue, err)
	}
	s.conn, s.ch = conn, ch
	return nil
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) Publish(_ context.Context, p models.EnergyPayload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		if err := s.connect(); err != nil {
			return err
		}
	}
	err = s.ch.Publish("", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.Timestamp,
		Body:         b,
	})
	if err != nil {
		s.log.Warn("amqp publish failed, dropping connection", "err", err)
		s.reset()
	}
	return err
}

func (s *AMQPSink) reset() {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn, s.ch = nil, nil
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// KafkaSink keys messages by equipment so one meter's readings stay ordered
// on a single partition.
type KafkaSink struct {
	w *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink needs at least one broker")
	}
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, p models.EnergyPayload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.w.WriteMessages(ctx, kafka.Message{Key: []byte(p.Equipment), Value: b, Time: p.Timestamp})
}

func (s *KafkaSink) Close() error { return s.w.Close() }
