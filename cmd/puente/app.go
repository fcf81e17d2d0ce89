package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/munistream/puente/internal/api"
	"github.com/munistream/puente/internal/conflict"
	"github.com/munistream/puente/internal/db"
	"github.com/munistream/puente/internal/engine"
	"github.com/munistream/puente/internal/etcd"
	"github.com/munistream/puente/internal/events"
	"github.com/munistream/puente/internal/linkage"
	"github.com/munistream/puente/internal/lock"
	"github.com/munistream/puente/internal/registry"
	"github.com/munistream/puente/internal/sync"
)

const shutdownTimeout = 15 * time.Second

// App is the wired process: stores, coordinator, engine and its three
// long-running loops.
type App struct {
	Engine     *engine.Engine
	Server     *http.Server
	Reconciler *sync.Reconciler
	Consumer   *events.Consumer

	closers []func() error
}

// NewApp connects to the configured infrastructure. Every empty endpoint
// falls back to an in-process implementation.
func NewApp(ctx context.Context, cfg *Config) (*App, error) {
	app := &App{}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	deps := sync.Deps{}
	if cfg.PostgresDSN != "" {
		pool, err := db.NewWithRetry(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		app.closers = append(app.closers, func() error { pool.Close(); return nil })
		if err := db.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		deps.Linkages = db.NewLinkageStore(pool)
		deps.Operations = db.NewOperationStore(pool)
		deps.Snapshots = db.NewSnapshotStore(pool)
		deps.Conflicts = db.NewConflictStore(pool)
	} else {
		logrus.Warn("No PostgreSQL DSN configured, linkages are kept in memory")
		deps.Linkages = linkage.NewMemoryStore()
		deps.Operations = sync.NewMemoryOperationStore()
		deps.Snapshots = sync.NewMemorySnapshotStore()
		deps.Conflicts = conflict.NewMemoryStore()
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.EtcdDSN != "" {
		client, err := etcd.NewEtcdClientWithRetry(ctx, cfg.EtcdDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		etcdLocker := etcd.NewLocker(client, 0)
		app.closers = append(app.closers, etcdLocker.Close, client.Close)
		locker = etcdLocker
	}
	deps.Locker = locker

	deps.Cadastral = newRegistry("cadastral", cfg.CadastralURL, cfg.AttemptTimeout,
		registry.NewMemory("CAT", "nombre_propietario", "direccion_inmueble", sync.CadastralFolioField))
	deps.Registry = newRegistry("registry", cfg.RegistryURL, cfg.AttemptTimeout,
		registry.NewMemory("FR", "propietario_registral", "direccion_registral", sync.RegistryKeyField))

	if cfg.FieldMapping != "" {
		mapping, err := sync.LoadMapping(cfg.FieldMapping)
		if err != nil {
			return nil, err
		}
		deps.Mapping = mapping
	}

	var notifier engine.Notifier = events.LogNotifier{}
	brokers := cfg.Brokers()
	if len(brokers) > 0 {
		publisher := events.NewPublisher(events.ProducerConfig{
			Brokers: brokers,
			Topic:   cfg.KafkaEventsTopic,
		})
		app.closers = append(app.closers, publisher.Close)
		notifier = publisher
	}
	deps.Escalator = notifier

	coordinator := sync.NewCoordinator(deps, cfg.SyncConfig())
	app.Engine = engine.New(deps.Linkages, coordinator, notifier,
		engine.WithPolicy(cfg.Policy()),
		engine.WithLocker(locker),
	)
	app.Server = api.NewServer(app.Engine).NewHTTPServer(cfg.HTTPAddr)
	app.Reconciler = sync.NewReconciler(coordinator, cfg.ReconcileInterval, cfg.StaleAfter)

	if len(brokers) > 0 && cfg.KafkaChangeTopic != "" {
		app.Consumer = events.NewConsumer(events.ConsumerConfig{
			Brokers:       brokers,
			Topic:         cfg.KafkaChangeTopic,
			ConsumerGroup: cfg.KafkaGroup,
		}, app.Engine)
		app.closers = append(app.closers, app.Consumer.Close)
	}

	ok = true
	return app, nil
}

func newRegistry(name, url string, timeout time.Duration, fallback *registry.Memory) registry.Registry {
	if url == "" {
		logrus.WithField("registry", name).Warn("No registry URL configured, using an in-memory registry")
		return fallback
	}
	return registry.NewHTTPClient(name, url, timeout)
}

// Run serves the API, reconciles abandoned operations and consumes change
// events until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logrus.WithField("addr", a.Server.Addr).Info("Step API listening")
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.Server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.Reconciler.Start(ctx)
	})
	if a.Consumer != nil {
		g.Go(func() error {
			if err := a.Consumer.Run(ctx); err != nil {
				return fmt.Errorf("change consumer: %w", err)
			}
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logrus.WithError(err).Warn("Failed to close resource")
		}
	}
	a.closers = nil
}
