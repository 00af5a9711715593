package kafkax

import (
	"github.com/md-rashed-zaman/eventorder/libs/config"
	"github.com/segmentio/kafka-go"
)

// Header names shared by producers and consumers of ordered aggregate events.
const (
	HeaderEventID        = "event_id"
	HeaderEventType      = "event_type"
	HeaderAggregateID    = "aggregate_id"
	HeaderSequenceNumber = "sequence_number"
	HeaderErrorReason    = "error_reason"
	HeaderOriginalTopic  = "original_topic"
	HeaderOriginalOffset = "original_offset"
)

// EventMeta is the metadata carried on Kafka message headers.
type EventMeta struct {
	EventID     string
	EventType   string
	AggregateID string
}

// ExtractEventMeta reads EventMeta, falling back to the message key for the ids and the
// topic for the type.
func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:     HeaderValue(msg.Headers, HeaderEventID),
		EventType:   HeaderValue(msg.Headers, HeaderEventType),
		AggregateID: HeaderValue(msg.Headers, HeaderAggregateID),
	}
	if meta.AggregateID == "" {
		meta.AggregateID = string(msg.Key)
	}
	if meta.EventID == "" {
		meta.EventID = string(msg.Key)
	}
	if meta.EventType == "" {
		meta.EventType = msg.Topic
	}
	return meta
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// SetHeader replaces key in headers or appends it.
func SetHeader(headers []kafka.Header, key, value string) []kafka.Header {
	for i := range headers {
		if headers[i].Key == key {
			headers[i].Value = []byte(value)
			return headers
		}
	}
	return append(headers, kafka.Header{Key: key, Value: []byte(value)})
}

func SplitBrokers(raw string) []string {
	return config.SplitList(raw)
}

// NewWriter returns a hash-balanced writer without a fixed topic, so every message names its
// topic and all messages of one key land on one partition.
func NewWriter(brokers string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(SplitBrokers(brokers)...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}
