package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/adcm/pkg/concern"
	"github.com/cuemby/adcm/pkg/events"
	"github.com/cuemby/adcm/pkg/log"
	"github.com/cuemby/adcm/pkg/metrics"
	"github.com/cuemby/adcm/pkg/security"
	"github.com/cuemby/adcm/pkg/storage"
	"github.com/rs/zerolog"
)

// Manager is the object topology store of the control plane. Every
// mutating operation runs in one bbolt write transaction together with the
// concern recomputation it triggers; events are published after commit.
type Manager struct {
	cfg *Config

	store          storage.Store
	engine         *concern.Engine
	tokenManager   *TokenManager
	secretsManager *security.SecretsManager
	eventBroker    *events.Broker
	status         *StatusMap
	logger         zerolog.Logger
}

// NewManager opens the store under cfg.DataDir and creates a Manager
func NewManager(cfg *Config) (*Manager, error) {
	for _, dir := range []string{cfg.DataDir, cfg.BundleRoot, cfg.RunRoot} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	secretsManager, err := security.NewSecretsManager(security.DeriveKey(cfg.SecretKey))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create secrets manager: %w", err)
	}

	eventBroker := events.NewBroker()
	eventBroker.Start()

	return &Manager{
		cfg:            cfg,
		store:          store,
		engine:         concern.NewEngine(),
		tokenManager:   NewTokenManager(),
		secretsManager: secretsManager,
		eventBroker:    eventBroker,
		status:         NewStatusMap(),
		logger:         log.WithComponent("manager"),
	}, nil
}

// Config returns the configuration the manager was created with
func (m *Manager) Config() *Config {
	return m.cfg
}

// Store returns the underlying repository
func (m *Manager) Store() storage.Store {
	return m.store
}

// Engine returns the concern engine
func (m *Manager) Engine() *concern.Engine {
	return m.engine
}

// Tokens returns the task token manager
func (m *Manager) Tokens() *TokenManager {
	return m.tokenManager
}

// Secrets returns the manager encrypting secret config values
func (m *Manager) Secrets() *security.SecretsManager {
	return m.secretsManager
}

// GetEventBroker returns the event broker
func (m *Manager) GetEventBroker() *events.Broker {
	return m.eventBroker
}

// PublishEvent publishes an event to all subscribers
func (m *Manager) PublishEvent(event *events.Event) {
	if m.eventBroker != nil {
		m.eventBroker.Publish(event)
	}
}

// Update runs fn in one write transaction. Events added to the batch are
// published only when the transaction commits.
func (m *Manager) Update(ctx context.Context, op string, fn func(tx storage.Tx, batch *events.Batch) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, op)

	batch := &events.Batch{}
	err := m.store.Update(func(tx storage.Tx) error {
		return fn(tx, batch)
	})
	if err != nil {
		m.logger.Debug().Err(err).Str("operation", op).Msg("Operation rejected")
		return err
	}
	batch.Flush(m)
	return nil
}

// View runs fn against a consistent read-only snapshot
func (m *Manager) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.store.View(fn)
}

// Publish makes the manager an events.Publisher
func (m *Manager) Publish(event *events.Event) {
	m.PublishEvent(event)
}

// BundlePath returns where the files of a loaded bundle live
func (m *Manager) BundlePath(hash string) string {
	return filepath.Join(m.cfg.BundleRoot, hash)
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown() error {
	if m.eventBroker != nil {
		m.eventBroker.Stop()
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
	}

	return nil
}
