package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/defood/orderflow/internal/runtime/broker"
	configpkg "github.com/defood/orderflow/internal/runtime/config"
	"github.com/defood/orderflow/internal/runtime/dedup"
	errspkg "github.com/defood/orderflow/internal/runtime/errors"
	loggingpkg "github.com/defood/orderflow/internal/runtime/logging"
	"github.com/defood/orderflow/internal/runtime/orders"
	"github.com/defood/orderflow/internal/runtime/store"
	"github.com/defood/orderflow/internal/runtime/topology"
)

// ServiceDependencies holds optional collaborators. Leave fields nil to get
// the defaults derived from the configuration.
type ServiceDependencies struct {
	// Store defaults to PostgreSQL when Config.PostgresURL is set, else memory.
	Store store.OrderStore
	// Dedup defaults to Redis when Config.RedisAddr is set, else memory.
	Dedup      dedup.Store
	Dialer     broker.Dialer
	Registerer prometheus.Registerer

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	DisableDedup              bool
	Hooks                     JobHooks
}

// Service wires the connector, topology, publisher, pipeline and consumer for
// one process.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	connector *broker.Connector
	topology  *topology.Manager
	publisher *Publisher
	pipeline  *Pipeline
	submitter *RetryingSubmitter
	consumer  *Consumer
	metrics   *Metrics
	store     store.OrderStore
	dedup     dedup.Store
	resources *resourceSampler

	closers []func()

	httpServers   map[int]*http.ServeMux
	running       []*http.Server
	httpServersMu sync.Mutex
}

// NewService validates conf and builds a Service. Call Start before
// submitting orders or consuming.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	log.Info("Creating order service", loggingpkg.LogFields{"config": conf.String()})

	s := &Service{
		Conf:      conf,
		Logger:    log,
		metrics:   NewMetrics(deps.Registerer),
		resources: newResourceSampler(),
	}
	if err := s.setupMetrics(deps.Registerer); err != nil {
		return nil, err
	}

	dialer := deps.Dialer
	if dialer == nil {
		dialer = broker.AMQPDialer{Timeout: conf.DialTimeout, Heartbeat: conf.Heartbeat, ConnectionName: conf.ConsumerTag}
	}
	s.connector = broker.NewConnector(broker.ConnectorConfig{
		URL:      conf.RabbitMQURL,
		Attempts: conf.ConnectAttempts,
		Delay:    conf.ConnectDelay,
	}, dialer, log)
	s.connector.OnFailedAttempt(func(int, error) { s.metrics.RecordConnectFailure() })
	s.topology = topology.NewManager(topology.FromConfig(conf), s.connector, log)
	if !conf.DeadLetterEnabled() {
		log.Info("Dead-lettering disabled, rejected messages will be dropped", loggingpkg.LogFields{"exchange": conf.ExchangeName})
	}

	var err error
	s.publisher, err = NewPublisher(PublisherConfig{
		Exchange: conf.ExchangeName,
		Attempts: conf.PublishAttempts,
		Backoff:  conf.PublishBackoff,
		Confirm:  conf.PublishConfirm,
		Timeout:  conf.PublishTimeout,
		AppID:    conf.ConsumerTag,
	}, s.connector, log, s.metrics)
	if err != nil {
		return nil, err
	}

	if err := s.setupStores(ctx, deps); err != nil {
		s.Close()
		return nil, err
	}

	s.pipeline, err = NewPipeline(PipelineConfig{
		OrdersRoutingKey: conf.OrdersRoutingKey(),
		UsersRoutingKey:  conf.UsersRoutingKey(),
	}, s.store, s.publisher, log, s.metrics)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.submitter = NewRetryingSubmitter(s.pipeline, conf.SubmitAttempts, conf.SubmitDelay, log)

	s.consumer, err = NewConsumer(ConsumerConfig{
		Prefetch:    conf.Prefetch,
		NackRequeue: conf.NackRequeue,
		ConsumerTag: conf.ConsumerTag,
	}, s.connector, log, s.metrics, s.middlewareChain(deps)...)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) middlewareChain(deps ServiceDependencies) []MiddlewareRegistration {
	var registrations []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		registrations = append(registrations, DefaultMiddlewares()...)
	}
	if !deps.Hooks.IsZero() {
		registrations = append(registrations, JobHooksMiddleware(deps.Hooks))
	}
	if s.dedup != nil {
		registrations = append(registrations, DedupMiddleware(s.dedup, s.Conf.DedupTTL))
	}
	return append(registrations, deps.Middlewares...)
}

func (s *Service) setupMetrics(registerer prometheus.Registerer) error {
	if !s.Conf.MetricsEnabled {
		return nil
	}
	if err := s.metrics.Register(); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	if s.Conf.MetricsPort > 0 {
		handler := promhttp.Handler()
		if gatherer, ok := registerer.(prometheus.Gatherer); ok {
			handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
		}
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", handler)
		s.RegisterHTTPHandler(s.Conf.MetricsPort, statsPath, http.HandlerFunc(s.handleGetStats))
	}
	return nil
}

func (s *Service) setupStores(ctx context.Context, deps ServiceDependencies) error {
	switch {
	case deps.Store != nil:
		s.store = deps.Store
	case s.Conf.PostgresURL != "":
		pg, err := store.NewPostgresStore(ctx, s.Conf.PostgresURL)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		s.closers = append(s.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating postgres: %w", err)
		}
		s.store = pg
	default:
		s.Logger.Info("Using in-memory order store", nil)
		s.store = store.NewMemoryStore()
	}

	switch {
	case deps.DisableDedup:
	case deps.Dedup != nil:
		s.dedup = deps.Dedup
	case s.Conf.RedisAddr != "":
		client, err := dedup.NewRedisClient(ctx, s.Conf.RedisAddr, s.Conf.RedisPassword)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		s.closers = append(s.closers, func() { _ = client.Close() })
		s.dedup = dedup.NewRedisStore(client, "")
	default:
		s.dedup = dedup.NewMemoryStore()
	}
	return nil
}

// Start declares the broker topology and starts the HTTP listeners. A
// topology failure is returned before anything is published or consumed.
func (s *Service) Start(ctx context.Context) error {
	if err := s.topology.Ensure(ctx); err != nil {
		return err
	}
	s.startHTTPServers()
	return nil
}

// SubmitOrder runs the submission pipeline once.
func (s *Service) SubmitOrder(ctx context.Context, sub orders.Submission) (orders.Order, error) {
	return s.pipeline.SubmitOrder(ctx, sub)
}

// EnqueueOrder runs the submission pipeline in the background, retrying
// transient failures.
func (s *Service) EnqueueOrder(ctx context.Context, sub orders.Submission) <-chan SubmitResult {
	return s.submitter.Enqueue(ctx, sub)
}

// AnnounceUser publishes user_created.
func (s *Service) AnnounceUser(ctx context.Context, profile orders.UserProfile) error {
	return s.pipeline.AnnounceUser(ctx, profile)
}

// Consume runs the consumer loop until ctx is cancelled, starting a new
// session whenever the broker closes the current one. Without queues it
// reads every queue of the topology.
func (s *Service) Consume(ctx context.Context, table HandlerTable, queues ...string) error {
	if len(queues) == 0 {
		queues = s.topology.Descriptor().Queues()
	}
	for {
		err := s.consumer.Run(ctx, queues, table)
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, errspkg.ErrSessionClosed) {
			return err
		}
		s.Logger.Error("Consumer session lost, reconnecting", err, loggingpkg.LogFields{"queues": queues})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.Conf.ConnectDelay):
		}
	}
}

// Publisher returns the reliable publisher.
func (s *Service) Publisher() *Publisher { return s.publisher }

// Store returns the order store in use.
func (s *Service) Store() store.OrderStore { return s.store }

// Metrics returns the service metrics.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Topology returns the topology manager.
func (s *Service) Topology() *topology.Manager { return s.topology }

// RegisterHTTPHandler mounts handler on the listener for port. Call before Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}

// Close stops the HTTP listeners and releases store connections.
func (s *Service) Close() {
	s.httpServersMu.Lock()
	servers := s.running
	s.running = nil
	s.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(ctx)
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
