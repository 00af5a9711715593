package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/eventorder/libs/kafkax"
	"github.com/md-rashed-zaman/eventorder/services/ordering-service/internal/ordering"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

// scriptedHandler returns the queued errors in order, then succeeds.
type scriptedHandler struct {
	mu     sync.Mutex
	errs   []error
	events []ordering.Event
}

func (h *scriptedHandler) Handle(_ context.Context, evt ordering.Event) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
	if len(h.errs) > 0 {
		err := h.errs[0]
		h.errs = h.errs[1:]
		return 0, err
	}
	return 1, nil
}

func (h *scriptedHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func message(offset int64, value string) kafka.Message {
	return kafka.Message{Topic: "order-events", Offset: offset, Key: []byte("order-1"), Value: []byte(value)}
}

func testConfig(dlt string) Config {
	return Config{
		Topic:           "order-events",
		DeadLetterTopic: dlt,
		RetryAttempts:   2,
		BackoffInitial:  time.Millisecond,
	}
}

// runUntil runs the consumer until cond holds, then stops it.
func runUntil(t *testing.T, c *Consumer, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestDecode(t *testing.T) {
	evt, err := Decode(message(0, `{"orderId":"order-9","sequenceNumber":3,"eventType":"OrderShipped","payload":{"carrier":"dhl"}}`))
	require.NoError(t, err)
	require.Equal(t, "order-9", evt.AggregateID)
	require.Equal(t, uint64(3), evt.SequenceNumber)
	require.Equal(t, "OrderShipped", evt.EventType)
	require.JSONEq(t, `{"carrier":"dhl"}`, string(evt.Payload))

	evt, err = Decode(message(0, `{"sequenceNumber":1,"payload":null}`))
	require.NoError(t, err)
	require.Equal(t, "order-1", evt.AggregateID)
	require.Nil(t, evt.Payload)

	_, err = Decode(message(0, `{"orderId":"order-9","sequenceNumber":-1}`))
	require.ErrorIs(t, err, ordering.ErrInvalidEvent)
	evt, err = Decode(message(0, `{"orderId":"order-9"}`))
	require.NoError(t, err)
	require.Zero(t, evt.SequenceNumber)
	require.Equal(t, "order-events", evt.EventType)

	evt, err = Decode(kafka.Message{
		Topic:   "order-events",
		Value:   []byte(`{"sequenceNumber":4}`),
		Headers: []kafka.Header{{Key: kafkax.HeaderAggregateID, Value: []byte("order-7")}, {Key: kafkax.HeaderEventType, Value: []byte("OrderPaid")}},
	})
	require.NoError(t, err)
	require.Equal(t, "order-7", evt.AggregateID)
	require.Equal(t, "OrderPaid", evt.EventType)

	_, err = Decode(kafka.Message{Topic: "order-events", Value: []byte(`{"sequenceNumber":1}`)})
	require.ErrorIs(t, err, ordering.ErrInvalidEvent)
	_, err = Decode(message(0, `not json`))
	require.ErrorIs(t, err, ordering.ErrInvalidEvent)
}

func TestRunCommitsHandledMessages(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{
		message(10, `{"orderId":"order-1","sequenceNumber":1,"eventType":"OrderCreated"}`),
		message(11, `{"orderId":"order-1","sequenceNumber":2,"eventType":"OrderPaid"}`),
	}}
	h := &scriptedHandler{}
	c := New(reader, nil, h, slog.New(slog.DiscardHandler), testConfig(""))

	runUntil(t, c, func() bool { return len(reader.commits()) == 2 })
	require.Equal(t, []int64{10, 11}, reader.commits())
	require.Equal(t, uint64(2), h.events[1].SequenceNumber)
	require.True(t, reader.closed)
}

func TestRunRetriesTransientFailure(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{message(5, `{"orderId":"order-1","sequenceNumber":1}`)}}
	h := &scriptedHandler{errs: []error{ordering.ErrStorage}}
	c := New(reader, &fakeWriter{}, h, slog.New(slog.DiscardHandler), testConfig("order-events.DLT"))

	runUntil(t, c, func() bool { return len(reader.commits()) == 1 })
	require.Equal(t, 2, h.calls())
}

func TestRunDeadLettersExhaustedMessage(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{message(7, `{"orderId":"order-1","sequenceNumber":1}`)}}
	h := &scriptedHandler{errs: []error{ordering.ErrBusinessLogic, ordering.ErrBusinessLogic}}
	dlt := &fakeWriter{}
	c := New(reader, dlt, h, slog.New(slog.DiscardHandler), testConfig("order-events.DLT"))

	runUntil(t, c, func() bool { return len(reader.commits()) == 1 })
	require.Equal(t, 2, h.calls())

	written := dlt.written()
	require.Len(t, written, 1)
	require.Equal(t, "order-events.DLT", written[0].Topic)
	require.Equal(t, "order-1", string(written[0].Key))
	require.Contains(t, kafkax.HeaderValue(written[0].Headers, kafkax.HeaderErrorReason), "business logic")
	require.Equal(t, "order-events", kafkax.HeaderValue(written[0].Headers, kafkax.HeaderOriginalTopic))
	require.Equal(t, "7", kafkax.HeaderValue(written[0].Headers, kafkax.HeaderOriginalOffset))
}

func TestRunWithoutDeadLetterNeverSkipsFailure(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{
		message(1, `{"orderId":"order-1","sequenceNumber":1}`),
		message(2, `{"orderId":"order-1","sequenceNumber":2}`),
	}}
	fail := errors.Join(ordering.ErrStorage, errors.New("connection reset"))
	h := &scriptedHandler{errs: []error{fail, fail, fail, fail, fail}}
	c := New(reader, nil, h, slog.New(slog.DiscardHandler), testConfig(""))

	runUntil(t, c, func() bool { return len(reader.commits()) == 2 })
	require.Equal(t, []int64{1, 2}, reader.commits())
	require.Equal(t, 7, h.calls())
	for _, evt := range h.events[:6] {
		require.Equal(t, uint64(1), evt.SequenceNumber)
	}
}

func TestRunPoisonMessage(t *testing.T) {
	t.Run("dead-lettered", func(t *testing.T) {
		reader := &fakeReader{pending: []kafka.Message{message(3, `{"orderId":"order-1"`)}}
		h := &scriptedHandler{}
		dlt := &fakeWriter{}
		c := New(reader, dlt, h, slog.New(slog.DiscardHandler), testConfig("order-events.DLT"))

		runUntil(t, c, func() bool { return len(reader.commits()) == 1 })
		require.Zero(t, h.calls())
		require.Len(t, dlt.written(), 1)
	})
	t.Run("dropped without dead-letter topic", func(t *testing.T) {
		reader := &fakeReader{pending: []kafka.Message{{Topic: "order-events", Offset: 3, Value: []byte(`{"sequenceNumber":2}`)}}}
		h := &scriptedHandler{}
		dlt := &fakeWriter{}
		c := New(reader, dlt, h, slog.New(slog.DiscardHandler), testConfig(""))

		runUntil(t, c, func() bool { return len(reader.commits()) == 1 })
		require.Zero(t, h.calls())
		require.Empty(t, dlt.written())
	})
}

func TestRunInvalidEventIsNotRetried(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{message(4, `{"orderId":"order-1","sequenceNumber":1}`)}}
	h := &scriptedHandler{errs: []error{ordering.ErrInvalidEvent}}
	dlt := &fakeWriter{}
	cfg := testConfig("order-events.DLT")
	cfg.RetryAttempts = 5
	c := New(reader, dlt, h, slog.New(slog.DiscardHandler), cfg)

	runUntil(t, c, func() bool { return len(reader.commits()) == 1 })
	require.Equal(t, 1, h.calls())
	require.Len(t, dlt.written(), 1)
}

func TestRunHandsSequenceZeroToReorderer(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{message(8, `{"orderId":"order-1","sequenceNumber":0}`)}}
	h := &scriptedHandler{}
	dlt := &fakeWriter{}
	c := New(reader, dlt, h, slog.New(slog.DiscardHandler), testConfig("order-events.DLT"))

	runUntil(t, c, func() bool { return len(reader.commits()) == 1 })
	require.Equal(t, 1, h.calls())
	require.Zero(t, h.events[0].SequenceNumber)
	require.Empty(t, dlt.written())
}

func TestRunReportsDeliveryBlockedByBufferedEvent(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{message(9, `{"orderId":"order-1","sequenceNumber":2}`)}}
	blocked := &ordering.ApplyError{AggregateID: "order-1", SequenceNumber: 3, EventType: "OrderShipped", Err: errors.New("carrier rejected")}
	h := &scriptedHandler{errs: []error{blocked, blocked}}
	var logs bytes.Buffer
	c := New(reader, &fakeWriter{}, h, slog.New(slog.NewJSONHandler(&logs, nil)), testConfig("order-events.DLT"))

	runUntil(t, c, func() bool { return len(reader.commits()) == 1 })

	var found map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(logs.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["msg"] == "delivery blocked by failing buffered event" {
			found = entry
		}
	}
	require.NotNil(t, found)
	require.EqualValues(t, 2, found["sequence"])
	require.EqualValues(t, 3, found["failing_sequence"])
}
