package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds Kafka sink configuration
type KafkaConfig struct {
	Brokers        []string
	TopicSessions  string
	TopicLines     string
	TopicResponses string
}

// KafkaSink publishes records to one topic per record kind, keyed by
// session id so a session's records stay ordered within a partition
type KafkaSink struct {
	sessions  *kafka.Writer
	lines     *kafka.Writer
	responses *kafka.Writer
}

// NewKafkaSink creates the topic writers. Connections are made lazily.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink needs at least one broker")
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	return &KafkaSink{
		sessions:  newWriter(cfg.TopicSessions),
		lines:     newWriter(cfg.TopicLines),
		responses: newWriter(cfg.TopicResponses),
	}, nil
}

// Name returns the sink name
func (s *KafkaSink) Name() string {
	return "kafka"
}

func message(key, eventType string, v any) (kafka.Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal %s: %w", eventType, err)
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(eventType)},
		},
	}, nil
}

func (s *KafkaSink) write(ctx context.Context, w *kafka.Writer, key, eventType string, v any) error {
	msg, err := message(key, eventType, v)
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to %s: %w", w.Topic, err)
	}
	return nil
}

// SaveSession publishes a session_started record
func (s *KafkaSink) SaveSession(ctx context.Context, rec SessionRecord) error {
	return s.write(ctx, s.sessions, rec.ID, "session_started", rec)
}

// EndSession publishes a session_ended record
func (s *KafkaSink) EndSession(ctx context.Context, rec SessionRecord) error {
	return s.write(ctx, s.sessions, rec.ID, "session_ended", rec)
}

// SaveLine publishes a final transcript line
func (s *KafkaSink) SaveLine(ctx context.Context, rec LineRecord) error {
	return s.write(ctx, s.lines, rec.SessionID, "transcript_final", rec)
}

// SaveAIResponse publishes an AI response
func (s *KafkaSink) SaveAIResponse(ctx context.Context, rec AIResponseRecord) error {
	return s.write(ctx, s.responses, rec.SessionID, "ai_response", rec)
}

// Close closes every topic writer
func (s *KafkaSink) Close() error {
	var err error
	for _, w := range []*kafka.Writer{s.sessions, s.lines, s.responses} {
		if e := w.Close(); e != nil {
			err = e
		}
	}
	return err
}
