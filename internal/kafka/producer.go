package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer writes synchronously so the outbox relay only marks a row sent
// after the brokers acknowledged it. Topic is chosen per message.
type Producer struct {
	w *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
}

func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
		Time:    time.Now(),
		Headers: envelopeHeaders(value),
	})
}

// envelopeHeaders lifts the envelope's identity into headers so consumers
// can route without decoding the payload. A value that is not an envelope
// gets no headers.
func envelopeHeaders(value []byte) []kafka.Header {
	var env struct {
		EventID      string `json:"event_id"`
		EventType    string `json:"event_type"`
		EventVersion int    `json:"event_version"`
	}
	if err := json.Unmarshal(value, &env); err != nil || env.EventType == "" {
		return nil
	}
	h := []kafka.Header{
		{Key: "x-event-type", Value: []byte(env.EventType)},
		{Key: "x-event-version", Value: []byte(strconv.Itoa(env.EventVersion))},
	}
	if env.EventID != "" {
		h = append(h, kafka.Header{Key: "x-event-id", Value: []byte(env.EventID)})
	}
	return h
}

func (p *Producer) Close() error { return p.w.Close() }
