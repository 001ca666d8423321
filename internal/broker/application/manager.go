package application

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	broker "aquaflow/internal/broker/domain"
	"aquaflow/internal/observability/metrics"
)

// MessageHandler receives raw messages from a live connection.
type MessageHandler func(topic string, payload []byte)

// StateHandler receives connection up/down transitions, including the
// ones the transport's own reconnect logic produces after the initial
// connect.
type StateHandler func(up bool, detail string)

// Connection is an open broker connection.
type Connection interface {
	Close(timeout time.Duration)
}

// Connector opens broker connections. Implementations subscribe to the
// config's topic namespace, invoke the handler for every message and
// report every connectivity transition through the state handler.
type Connector interface {
	Connect(ctx context.Context, cfg broker.Config, handler MessageHandler, state StateHandler) (Connection, error)
}

// MessageSink consumes routed inbound messages.
type MessageSink interface {
	HandleMessage(ctx context.Context, msg broker.InboundMessage)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

const defaultReconnectDelay = 10 * time.Second

// Manager owns one live connection per enabled (tenant, provider)
// broker configuration and routes inbound messages to the sink.
type Manager struct {
	connector Connector
	configs   broker.ConfigRepository
	sink      MessageSink
	logger    *log.Logger
	clock     Clock

	mu    sync.Mutex
	conns map[string]*managedConn
}

type managedConn struct {
	cfg    broker.Config
	cancel context.CancelFunc
	done   chan struct{}
	// inflight tracks message handlers so Stop can drain them.
	inflight sync.WaitGroup
}

// ManagerOption customizes the manager.
type ManagerOption func(*Manager)

// WithClock assigns a clock.
func WithClock(clock Clock) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager constructs a connection manager.
func NewManager(connector Connector, configs broker.ConfigRepository, sink MessageSink, logger *log.Logger, opts ...ManagerOption) (*Manager, error) {
	if connector == nil {
		return nil, errors.New("broker manager: nil connector")
	}
	if configs == nil {
		return nil, errors.New("broker manager: nil config repository")
	}
	if sink == nil {
		return nil, errors.New("broker manager: nil sink")
	}
	if logger == nil {
		logger = log.Default()
	}
	manager := &Manager{
		connector: connector,
		configs:   configs,
		sink:      sink,
		logger:    logger,
		clock:     systemClock{},
		conns:     make(map[string]*managedConn),
	}
	for _, opt := range opts {
		opt(manager)
	}
	return manager, nil
}

// StartAll starts a worker for every enabled broker configuration.
func (m *Manager) StartAll(ctx context.Context) error {
	configs, err := m.configs.ListEnabled(ctx)
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if err := m.Start(ctx, cfg); err != nil {
			m.logger.Printf("broker manager: start tenant=%s provider=%s: %v", cfg.TenantID, cfg.Provider, err)
		}
	}
	return nil
}

// Start launches the worker for one broker configuration. Starting an
// already-running connection is a no-op.
func (m *Manager) Start(ctx context.Context, cfg broker.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.conns[cfg.Key()]; ok {
		m.mu.Unlock()
		return nil
	}
	workerCtx, cancel := context.WithCancel(ctx)
	entry := &managedConn{cfg: cfg, cancel: cancel, done: make(chan struct{})}
	m.conns[cfg.Key()] = entry
	m.mu.Unlock()

	go m.run(workerCtx, entry)
	return nil
}

// Stop closes the connection for (tenant, provider) and waits for
// in-flight message processing to drain. Idempotent.
func (m *Manager) Stop(tenantID, provider string) {
	key := tenantID + "/" + provider

	m.mu.Lock()
	entry, ok := m.conns[key]
	if ok {
		delete(m.conns, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	entry.cancel()
	<-entry.done
}

// StopAll stops every running connection.
func (m *Manager) StopAll() {
	m.mu.Lock()
	entries := make([]*managedConn, 0, len(m.conns))
	for key, entry := range m.conns {
		entries = append(entries, entry)
		delete(m.conns, key)
	}
	m.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
		<-entry.done
	}
}

// Running reports whether a connection worker exists for the key.
func (m *Manager) Running(tenantID, provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[tenantID+"/"+provider]
	return ok
}

// run is the per-connection worker. It holds the connection open for
// the life of the context, reconnecting after reconnect_delay on
// failure. Broker availability is assumed eventually-recoverable, so
// retries are unbounded.
func (m *Manager) run(ctx context.Context, entry *managedConn) {
	defer close(entry.done)
	cfg := entry.cfg

	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}

	for {
		conn, err := m.connector.Connect(ctx, cfg, m.handlerFor(ctx, entry), m.stateFor(cfg))
		if err != nil {
			if ctx.Err() != nil {
				m.setStatus(cfg, broker.StatusOffline, "")
				return
			}
			m.logger.Printf("broker manager: connect tenant=%s provider=%s broker=%s: %v", cfg.TenantID, cfg.Provider, cfg.BrokerURL(), err)
			m.setStatus(cfg, broker.StatusError, err.Error())
			select {
			case <-ctx.Done():
				m.setStatus(cfg, broker.StatusOffline, "")
				return
			case <-time.After(delay):
			}
			continue
		}

		m.logger.Printf("broker manager: connected tenant=%s provider=%s broker=%s", cfg.TenantID, cfg.Provider, cfg.BrokerURL())

		<-ctx.Done()
		entry.inflight.Wait()
		conn.Close(2 * time.Second)
		m.setStatus(cfg, broker.StatusOffline, "")
		metrics.ObserveConnectionState(cfg.TenantID, cfg.Provider, false)
		return
	}
}

// stateFor reports connectivity transitions back to the config store,
// so a mid-session outage shows up as error instead of a stale online.
func (m *Manager) stateFor(cfg broker.Config) StateHandler {
	return func(up bool, detail string) {
		if up {
			m.setStatus(cfg, broker.StatusOnline, "")
			metrics.ObserveConnectionState(cfg.TenantID, cfg.Provider, true)
			return
		}
		m.setStatus(cfg, broker.StatusError, detail)
		metrics.ObserveConnectionState(cfg.TenantID, cfg.Provider, false)
	}
}

// handlerFor builds the message handler for one connection. Handlers
// run sequentially within a connection, so per-device ordering follows
// arrival order.
func (m *Manager) handlerFor(ctx context.Context, entry *managedConn) MessageHandler {
	cfg := entry.cfg
	// Cancellation stops intake only; a message already being handled
	// runs to completion so Stop drains instead of aborting it.
	sinkCtx := context.WithoutCancel(ctx)
	return func(topic string, payload []byte) {
		entry.inflight.Add(1)
		defer entry.inflight.Done()

		metrics.ObserveMessageReceived(cfg.TenantID, cfg.Provider)

		deviceID, err := broker.DeviceIDFromTopic(cfg.TopicPrefix, topic)
		if err != nil {
			// Not retryable: a topic without a device id can never match.
			m.logger.Printf("broker manager: drop tenant=%s provider=%s topic=%s: %v", cfg.TenantID, cfg.Provider, topic, err)
			metrics.ObserveMessageDropped("no_device_id")
			return
		}

		m.sink.HandleMessage(sinkCtx, broker.InboundMessage{
			TenantID:   cfg.TenantID,
			Provider:   cfg.Provider,
			DeviceID:   deviceID,
			Topic:      topic,
			Payload:    payload,
			ReceivedAt: m.clock.Now(),
		})
	}
}

func (m *Manager) setStatus(cfg broker.Config, status, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.configs.UpdateStatus(ctx, cfg.ID, status, detail); err != nil {
		m.logger.Printf("broker manager: update status tenant=%s provider=%s: %v", cfg.TenantID, cfg.Provider, err)
	}
}
