package commands

import (
	"context"
	"fmt"

	"github.com/juju/clock"

	"github.com/systmms/dskeys/internal/alert"
	"github.com/systmms/dskeys/internal/audit"
	"github.com/systmms/dskeys/internal/config"
	"github.com/systmms/dskeys/internal/keystore"
	"github.com/systmms/dskeys/internal/kms"
	"github.com/systmms/dskeys/internal/logging"
	"github.com/systmms/dskeys/internal/notify"
	"github.com/systmms/dskeys/internal/probes"
	"github.com/systmms/dskeys/internal/reconcile"
	"github.com/systmms/dskeys/internal/service"
	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/internal/storage/memory"
	"github.com/systmms/dskeys/internal/storage/sqlstore"
)

// engine is the fully wired key lifecycle stack behind every command
type engine struct {
	def        *config.Definition
	logger     *logging.Logger
	store      storage.Store
	envelope   *kms.EnvelopeManager
	keys       *keystore.KeyStore
	probes     *probes.Registry
	reconciler *reconcile.Reconciler
	auditor    *audit.Auditor
	fanout     *notify.Fanout
	alerts     *alert.Dispatcher
	svc        *service.Service
}

// engineOptions adjusts the wiring for one command or test
type engineOptions struct {
	clock   clock.Clock
	probes  *probes.Registry
	service []service.Option
}

// openEngine loads the configuration and wires storage, KMS, probes and
// alerting into one service
func openEngine(ctx context.Context, cfg *config.Config, opts engineOptions) (*engine, error) {
	if cfg.Definition == nil {
		if err := cfg.Load(); err != nil {
			return nil, err
		}
	}
	def := cfg.Definition
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	clk := opts.clock
	if clk == nil {
		clk = clock.WallClock
	}

	store, err := openStore(ctx, def.Storage, logger)
	if err != nil {
		return nil, err
	}

	source, err := def.MasterKeySource()
	if err != nil {
		store.Close()
		return nil, err
	}
	envelope := kms.NewEnvelopeManager(source, kms.WithClock(clk), kms.WithLogger(logger.Named("kms")))
	keys := keystore.New(store, envelope, def.KeystoreConfig(),
		keystore.WithClock(clk), keystore.WithLogger(logger.Named("keystore")))

	registry := opts.probes
	if registry == nil {
		registry = probes.NewRegistry(nil)
		if err := registry.Configure(def.ProbeConfigs()); err != nil {
			envelope.Close()
			store.Close()
			return nil, fmt.Errorf("configuring probes: %w", err)
		}
	}

	channels, err := def.Notifications.Channels(logger)
	if err != nil {
		registry.Close()
		envelope.Close()
		store.Close()
		return nil, err
	}
	fanout := notify.NewFanout(logger, channels...)

	rec := reconcile.New(store, keys, registry, def.ReconcilerConfig(),
		reconcile.WithClock(clk), reconcile.WithLogger(logger))
	aud := audit.New(store, keys, def.Audit.MaxKeyAge.Std(),
		audit.WithClock(clk), audit.WithLogger(logger))
	disp := alert.New(store, fanout,
		alert.WithClock(clk), alert.WithLogger(logger), alert.WithTransactor(store))

	return &engine{
		def:        def,
		logger:     logger,
		store:      store,
		envelope:   envelope,
		keys:       keys,
		probes:     registry,
		reconciler: rec,
		auditor:    aud,
		fanout:     fanout,
		alerts:     disp,
		svc:        service.New(store, keys, rec, aud, disp, append([]service.Option{service.WithLogger(logger)}, opts.service...)...),
	}, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) (storage.Store, error) {
	if cfg.Driver == "memory" {
		logger.Warn("Using the in-memory store; keys are lost when dskeys exits")
		return memory.New(), nil
	}
	store, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Driver, err)
	}
	return store, nil
}

// flush pushes alerts raised by a one-shot command through the outbox
func (e *engine) flush(ctx context.Context) {
	if n, err := e.svc.DeliverAlerts(ctx); err != nil {
		e.logger.Warn("Alert delivery incomplete, %d sent: %v", n, err)
	}
}

// Close releases everything openEngine acquired
func (e *engine) Close() {
	e.alerts.Stop()
	e.reconciler.Close()
	if err := e.probes.Close(); err != nil {
		e.logger.Debug("closing probes: %v", err)
	}
	e.envelope.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Debug("closing store: %v", err)
	}
}
