package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defood/orderflow/internal/runtime/broker/brokertest"
	"github.com/defood/orderflow/internal/runtime/dedup"
	errspkg "github.com/defood/orderflow/internal/runtime/errors"
	"github.com/defood/orderflow/internal/runtime/events"
	"github.com/defood/orderflow/internal/runtime/handlers"
	metadatapkg "github.com/defood/orderflow/internal/runtime/metadata"
)

func (f *fixture) publishOrder(t *testing.T, orderID string) {
	t.Helper()
	env := mustEnvelope(t, events.OrderCreated, map[string]any{"order_id": orderID, "total_amount": "12.00"})
	require.NoError(t, f.newPublisher(t).Publish(context.Background(), f.conf.OrdersRoutingKey(), env))
}

func (f *fixture) publishRaw(t *testing.T, key string, body string) {
	t.Helper()
	require.NoError(t, f.broker.Publish(f.conf.ExchangeName, key, amqp.Publishing{
		ContentType: "application/json",
		Headers:     amqp.Table{metadatapkg.KeyProducer: "test"},
		Body:        []byte(body),
	}))
}

func TestConsumerRunValidatesArguments(t *testing.T) {
	f := newFixture(t)
	c := f.newConsumer(t)
	ok := func(context.Context, handlers.Message) error { return nil }

	assert.ErrorIs(t, c.Run(context.Background(), nil, HandlerTable{"a": ok}), errspkg.ErrQueueRequired)
	assert.ErrorIs(t, c.Run(context.Background(), []string{f.conf.OrdersQueue}, nil), errspkg.ErrHandlerRequired)
	assert.ErrorIs(t, c.Run(context.Background(), []string{f.conf.OrdersQueue}, HandlerTable{"a": nil}), errspkg.ErrHandlerRequired)
	assert.Equal(t, 1, f.broker.Stats().Dials)
}

func TestConsumerAcksHandledMessages(t *testing.T) {
	f := newFixture(t)
	f.publishOrder(t, "o-1")

	var got handlers.Message
	c := f.newConsumer(t, CorrelationIDMiddleware())
	stop := runConsumer(t, c, []string{f.conf.OrdersQueue}, HandlerTable{
		f.conf.OrdersRoutingKey(): func(ctx context.Context, msg handlers.Message) error {
			got = msg
			return nil
		},
	})
	settled := f.waitSettled(t, 1)
	require.NoError(t, stop())

	assert.True(t, settled[0].Ack)
	assert.Equal(t, f.conf.OrdersQueue, got.Queue)
	assert.Equal(t, f.conf.OrdersRoutingKey(), got.RoutingKey)
	assert.Equal(t, events.OrderCreated, got.Envelope.EventType())
	assert.NotEmpty(t, got.MessageID)
	assert.NotEmpty(t, got.CorrelationID())
	assert.Equal(t, "order_created:o-1", got.Get(metadatapkg.KeyDedup))
	assert.False(t, got.Redelivered)

	snap := f.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.RoutingKeys[f.conf.OrdersRoutingKey()].Acked)
	assert.Equal(t, 0, f.broker.ConsumerCount(f.conf.OrdersQueue))
	assert.Equal(t, 0, f.broker.Stats().OpenConnections)
}

func TestConsumerFairnessWithPrefetchOne(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	perConsumer := map[string]int{}
	handler := func(name string) handlers.Func {
		return func(context.Context, handlers.Message) error {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			perConsumer[name]++
			mu.Unlock()
			return nil
		}
	}

	runConsumer(t, f.newConsumer(t), []string{f.conf.OrdersQueue}, HandlerTable{f.conf.OrdersRoutingKey(): handler("first")})
	runConsumer(t, f.newConsumer(t), []string{f.conf.OrdersQueue}, HandlerTable{f.conf.OrdersRoutingKey(): handler("second")})
	require.True(t, f.broker.WaitFor(5*time.Second, func(b *brokertest.Broker) bool {
		return b.ConsumerCount(f.conf.OrdersQueue) == 2
	}))

	for i := 0; i < 10; i++ {
		f.publishOrder(t, "o-"+string(rune('a'+i)))
	}
	settled := f.waitSettled(t, 10)

	for _, s := range settled {
		assert.True(t, s.Ack)
	}
	maxUnacked := f.broker.MaxUnacked()
	require.Len(t, maxUnacked, 2)
	for _, n := range maxUnacked {
		assert.LessOrEqual(t, n, 1)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, perConsumer["first"]+perConsumer["second"])
	assert.Positive(t, perConsumer["first"])
	assert.Positive(t, perConsumer["second"])
}

func TestConsumerContainsPoisonMessage(t *testing.T) {
	f := newFixture(t)
	f.publishOrder(t, "o-1")

	var calls atomic.Int32
	runConsumer(t, f.newConsumer(t), []string{f.conf.OrdersQueue}, HandlerTable{
		f.conf.OrdersRoutingKey(): func(context.Context, handlers.Message) error {
			calls.Add(1)
			panic("cannot handle this order")
		},
	})
	settled := f.waitSettled(t, 1)
	time.Sleep(50 * time.Millisecond)

	require.Len(t, f.broker.Settlements(), 1)
	assert.False(t, settled[0].Ack)
	assert.False(t, settled[0].Requeue)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, f.broker.Ready(f.conf.OrdersQueue))
	assert.Len(t, f.broker.Ready(f.conf.DeadLetterQueue), 1)
	assert.True(t, f.logger.Has("error", "Handler failed"))
}

func TestConsumerRequeuesFailuresWhenConfigured(t *testing.T) {
	f := newFixture(t)
	f.conf.NackRequeue = true
	f.publishOrder(t, "o-1")

	var attempts []bool
	runConsumer(t, f.newConsumer(t), []string{f.conf.OrdersQueue}, HandlerTable{
		f.conf.OrdersRoutingKey(): func(_ context.Context, msg handlers.Message) error {
			attempts = append(attempts, msg.Redelivered)
			if len(attempts) == 1 {
				return errors.New("restaurant service timed out")
			}
			return nil
		},
	})
	settled := f.waitSettled(t, 2)

	assert.False(t, settled[0].Ack)
	assert.True(t, settled[0].Requeue)
	assert.True(t, settled[1].Ack)
	assert.Equal(t, []bool{false, true}, attempts)
}

func TestConsumerRejectsMalformedMessages(t *testing.T) {
	f := newFixture(t)
	f.publishRaw(t, f.conf.OrdersRoutingKey(), "{not json")
	f.publishRaw(t, f.conf.OrdersRoutingKey(), `{"event_type":"order_created","timestamp":"yesterday","data":{}}`)

	var calls atomic.Int32
	runConsumer(t, f.newConsumer(t), []string{f.conf.OrdersQueue}, HandlerTable{
		f.conf.OrdersRoutingKey(): func(context.Context, handlers.Message) error {
			calls.Add(1)
			return nil
		},
	})
	settled := f.waitSettled(t, 2)

	for _, s := range settled {
		assert.False(t, s.Ack)
		assert.False(t, s.Requeue)
	}
	assert.Zero(t, calls.Load())
	assert.Equal(t, 2, f.logger.Count("Rejecting message"))
}

func TestConsumerRejectsUnroutableMessages(t *testing.T) {
	f := newFixture(t)
	f.publishOrder(t, "o-1")

	runConsumer(t, f.newConsumer(t), []string{f.conf.OrdersQueue}, HandlerTable{
		f.conf.UsersRoutingKey(): func(context.Context, handlers.Message) error { return nil },
	})
	settled := f.waitSettled(t, 1)

	assert.False(t, settled[0].Ack)
	assert.False(t, settled[0].Requeue)
	entry, ok := f.logger.Find("Rejecting message")
	require.True(t, ok)
	assert.ErrorIs(t, entry.Err, errspkg.ErrUnroutable)
	assert.Equal(t, OutcomeUnroutable, entry.Fields["outcome"])
}

func TestConsumerDispatchesByTopicPattern(t *testing.T) {
	f := newFixture(t)
	f.publishOrder(t, "o-1")
	pub := f.newPublisher(t)
	require.NoError(t, pub.Publish(context.Background(), f.conf.UsersRoutingKey(), mustEnvelope(t, events.UserCreated, map[string]any{"user_id": "u-1"})))

	var mu sync.Mutex
	var seen []string
	record := func(label string) handlers.Func {
		return func(_ context.Context, msg handlers.Message) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, label+":"+msg.Envelope.EventType())
			return nil
		}
	}
	stop := runConsumer(t, f.newConsumer(t), []string{f.conf.OrdersQueue, f.conf.UsersQueue}, HandlerTable{
		f.conf.OrdersRoutingKey(): record("exact"),
		"defood.#":                record("pattern"),
	})
	f.waitSettled(t, 2)
	require.NoError(t, stop())

	assert.ElementsMatch(t, []string{"exact:order_created", "pattern:user_created"}, seen)
}

func TestConsumerFinishesInFlightMessageOnShutdown(t *testing.T) {
	f := newFixture(t)
	f.publishOrder(t, "o-1")
	f.publishOrder(t, "o-2")

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerCtxErr error
	var calls atomic.Int32
	stop := runConsumer(t, f.newConsumer(t), []string{f.conf.OrdersQueue}, HandlerTable{
		f.conf.OrdersRoutingKey(): func(ctx context.Context, _ handlers.Message) error {
			if calls.Add(1) == 1 {
				close(started)
				<-release
				handlerCtxErr = ctx.Err()
			}
			return nil
		},
	})

	<-started
	stopped := make(chan error, 1)
	go func() { stopped <- stop() }()
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, <-stopped)

	assert.NoError(t, handlerCtxErr)
	assert.Equal(t, int32(1), calls.Load())
	settled := f.broker.Settlements()
	require.Len(t, settled, 1)
	assert.True(t, settled[0].Ack)
	ready := f.broker.Ready(f.conf.OrdersQueue)
	assert.Len(t, ready, 1)
}

func TestConsumerReturnsWhenBrokerClosesSession(t *testing.T) {
	f := newFixture(t)
	c := f.newConsumer(t)

	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background(), []string{f.conf.OrdersQueue}, HandlerTable{
			f.conf.OrdersRoutingKey(): func(context.Context, handlers.Message) error { return nil },
		})
	}()
	require.True(t, f.broker.WaitFor(5*time.Second, func(b *brokertest.Broker) bool {
		return b.ConsumerCount(f.conf.OrdersQueue) == 1
	}))

	f.broker.CloseConnections()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errspkg.ErrSessionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not notice the closed session")
	}
}

func TestConsumerSkipsDuplicates(t *testing.T) {
	f := newFixture(t)
	store := dedup.NewMemoryStore()
	f.publishOrder(t, "o-1")
	f.publishOrder(t, "o-1")
	f.publishOrder(t, "o-2")

	var calls atomic.Int32
	runConsumer(t, f.newConsumer(t, DedupMiddleware(store, time.Hour)), []string{f.conf.OrdersQueue}, HandlerTable{
		f.conf.OrdersRoutingKey(): func(context.Context, handlers.Message) error {
			calls.Add(1)
			return nil
		},
	})
	settled := f.waitSettled(t, 3)

	for _, s := range settled {
		assert.True(t, s.Ack)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, store.Len())
	assert.True(t, f.logger.Has("info", "Skipping duplicate message"))
}

func TestConsumerAcceptsForeignHeaderTypes(t *testing.T) {
	f := newFixture(t)
	body, err := events.Encode(mustEnvelope(t, events.OrderCreated, map[string]any{"order_id": "o-9"}))
	require.NoError(t, err)
	require.NoError(t, f.broker.Publish(f.conf.ExchangeName, f.conf.OrdersRoutingKey(), amqp.Publishing{
		ContentType: "application/json",
		Headers:     amqp.Table{"x-retry-count": int32(2), "x-source": []byte("legacy")},
		Body:        body,
	}))

	var got handlers.Message
	stop := runConsumer(t, f.newConsumer(t), []string{f.conf.OrdersQueue}, HandlerTable{
		f.conf.OrdersRoutingKey(): func(_ context.Context, msg handlers.Message) error {
			got = msg
			return nil
		},
	})
	settled := f.waitSettled(t, 1)
	require.NoError(t, stop())

	assert.True(t, settled[0].Ack)
	assert.Equal(t, "2", got.Get("x-retry-count"))
	assert.Equal(t, "legacy", got.Get("x-source"))
}
