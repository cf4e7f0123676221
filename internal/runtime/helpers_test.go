package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/defood/orderflow/internal/runtime/broker"
	"github.com/defood/orderflow/internal/runtime/broker/brokertest"
	configpkg "github.com/defood/orderflow/internal/runtime/config"
	"github.com/defood/orderflow/internal/runtime/events"
	loggingpkg "github.com/defood/orderflow/internal/runtime/logging"
	"github.com/defood/orderflow/internal/runtime/orders"
	"github.com/defood/orderflow/internal/runtime/store"
	"github.com/defood/orderflow/internal/runtime/topology"
)

const (
	restaurantR = "restaurant-r"
	itemA       = "item-a"
	itemB       = "item-b"
	itemC       = "item-c"
)

var errTransient = errors.New("connection reset by peer")

type logEntry struct {
	Level  string
	Msg    string
	Err    error
	Fields loggingpkg.LogFields
}

type logSink struct {
	mu      sync.Mutex
	entries []logEntry
}

// recordingLogger keeps every entry, fields merged, for assertions.
type recordingLogger struct {
	sink   *logSink
	fields loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{sink: &logSink{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := make(loggingpkg.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{sink: l.sink, fields: merged}
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := make(loggingpkg.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.entries = append(l.sink.entries, logEntry{Level: level, Msg: msg, Err: err, Fields: merged})
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}
func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}
func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}
func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) Entries() []logEntry {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return append([]logEntry(nil), l.sink.entries...)
}

func (l *recordingLogger) Has(level, msg string) bool {
	for _, e := range l.Entries() {
		if e.Level == level && e.Msg == msg {
			return true
		}
	}
	return false
}

func (l *recordingLogger) Find(msg string) (logEntry, bool) {
	for _, e := range l.Entries() {
		if e.Msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

func (l *recordingLogger) Count(msg string) int {
	n := 0
	for _, e := range l.Entries() {
		if e.Msg == msg {
			n++
		}
	}
	return n
}

func testConfig() *configpkg.Config {
	conf := configpkg.Default()
	conf.RabbitMQURL = brokertest.URL
	conf.ConnectAttempts = 3
	conf.ConnectDelay = time.Millisecond
	conf.PublishBackoff = time.Millisecond
	conf.PublishTimeout = time.Second
	conf.SubmitDelay = time.Millisecond
	return conf
}

// fixture is an in-memory broker with the order topology declared, a seeded
// menu and a recording logger.
type fixture struct {
	conf      *configpkg.Config
	broker    *brokertest.Broker
	connector *broker.Connector
	store     *store.MemoryStore
	metrics   *Metrics
	logger    *recordingLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conf := testConfig()
	fake := brokertest.New()
	logger := newRecordingLogger()
	connector := broker.NewConnector(broker.ConnectorConfig{
		URL:      conf.RabbitMQURL,
		Attempts: conf.ConnectAttempts,
		Delay:    conf.ConnectDelay,
	}, fake, logger)
	require.NoError(t, topology.NewManager(topology.FromConfig(conf), connector, logger).Ensure(context.Background()))

	st := store.NewMemoryStore()
	seedMenu(st)
	return &fixture{
		conf:      conf,
		broker:    fake,
		connector: connector,
		store:     st,
		metrics:   NewMetrics(prometheus.NewRegistry()),
		logger:    logger,
	}
}

func seedMenu(st *store.MemoryStore) {
	st.PutMenuItem(orders.MenuItem{ID: itemA, RestaurantID: restaurantR, Name: "Margherita", Price: decimal.RequireFromString("10.00"), Available: true})
	st.PutMenuItem(orders.MenuItem{ID: itemB, RestaurantID: restaurantR, Name: "Garlic bread", Price: decimal.RequireFromString("5.50"), Available: true})
	st.PutMenuItem(orders.MenuItem{ID: itemC, RestaurantID: restaurantR, Name: "Lemonade", Price: decimal.RequireFromString("4.00"), Available: true})
}

func (f *fixture) newPublisher(t *testing.T) *Publisher {
	t.Helper()
	pub, err := NewPublisher(PublisherConfig{
		Exchange: f.conf.ExchangeName,
		Attempts: f.conf.PublishAttempts,
		Backoff:  f.conf.PublishBackoff,
		Confirm:  f.conf.PublishConfirm,
		Timeout:  f.conf.PublishTimeout,
		AppID:    "orderflow-test",
	}, f.connector, f.logger, f.metrics)
	require.NoError(t, err)
	return pub
}

func (f *fixture) newPipeline(t *testing.T, st store.OrderStore, pub EventPublisher) *Pipeline {
	t.Helper()
	p, err := NewPipeline(PipelineConfig{
		OrdersRoutingKey: f.conf.OrdersRoutingKey(),
		UsersRoutingKey:  f.conf.UsersRoutingKey(),
	}, st, pub, f.logger, f.metrics)
	require.NoError(t, err)
	return p
}

func (f *fixture) newConsumer(t *testing.T, registrations ...MiddlewareRegistration) *Consumer {
	t.Helper()
	c, err := NewConsumer(ConsumerConfig{
		Prefetch:    f.conf.Prefetch,
		NackRequeue: f.conf.NackRequeue,
		ConsumerTag: "test",
	}, f.connector, f.logger, f.metrics, registrations...)
	require.NoError(t, err)
	return c
}

// runConsumer starts c in the background. The returned stop function cancels
// it and waits for Run to return.
func runConsumer(t *testing.T, c *Consumer, queues []string, table HandlerTable) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, queues, table) }()
	var once sync.Once
	var result error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("consumer did not stop")
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func (f *fixture) waitSettled(t *testing.T, n int) []brokertest.Settlement {
	t.Helper()
	ok := f.broker.WaitFor(5*time.Second, func(b *brokertest.Broker) bool {
		return len(b.Settlements()) >= n
	})
	require.True(t, ok, "expected %d settlements, got %d", n, len(f.broker.Settlements()))
	return f.broker.Settlements()
}

func mustEnvelope(t *testing.T, eventType string, data any) events.Envelope {
	t.Helper()
	env, err := events.New(eventType, data)
	require.NoError(t, err)
	return env
}

func validSubmission() orders.Submission {
	return orders.Submission{
		UserID:       "user-1",
		RestaurantID: restaurantR,
		AddressID:    "address-1",
		Items:        []orders.ItemRequest{{MenuItemID: itemC, Quantity: 3}},
	}
}

// deleteFailingStore refuses to delete, so compensation cannot succeed.
type deleteFailingStore struct {
	*store.MemoryStore
	err error
}

func (s deleteFailingStore) Delete(context.Context, string) error { return s.err }

// stubPublisher records publishes and fails with err when set.
type stubPublisher struct {
	mu    sync.Mutex
	err   error
	calls []stubPublish
}

type stubPublish struct {
	routingKey    string
	env           events.Envelope
	correlationID string
}

func (p *stubPublisher) Publish(ctx context.Context, routingKey string, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, stubPublish{routingKey: routingKey, env: env, correlationID: CorrelationIDFromContext(ctx)})
	return p.err
}

func (p *stubPublisher) Calls() []stubPublish {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stubPublish(nil), p.calls...)
}
