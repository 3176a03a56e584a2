// Package app assembles the store, queue, connectivity monitor, sync
// coordinator and offline cache from a config.Config.
package app

import (
	"context"
	"os"
	"path/filepath"

	"github.com/wardrobekit/backend/internal/config"
	"github.com/wardrobekit/backend/internal/errors"
	"github.com/wardrobekit/backend/internal/logging"
	"github.com/wardrobekit/backend/internal/offline"
	"github.com/wardrobekit/backend/internal/store"
	"github.com/wardrobekit/backend/internal/store/dsstore"
	"github.com/wardrobekit/backend/internal/store/sqlitestore"
	"github.com/wardrobekit/backend/internal/sync/coordinator"
	"github.com/wardrobekit/backend/internal/sync/network"
	"github.com/wardrobekit/backend/internal/sync/queue"
	"github.com/wardrobekit/backend/internal/sync/remote"
)

// BadgerDir is the badger directory under the data dir.
const BadgerDir = "badger"

// App holds the wired components. Coordinator is nil for local-only apps.
type App struct {
	Config      *config.Config
	Store       store.Store
	Queue       *queue.Queue
	Monitor     *network.Monitor
	Coordinator *coordinator.Coordinator
	Cache       *offline.Cache
}

// Options selects what Open wires.
type Options struct {
	// Sync wires the remote backend, the configured connectivity source and
	// the coordinator. Without it the cache works locally and reports offline.
	Sync bool
	// Backend overrides the HTTP remote client.
	Backend remote.Backend
	// Platform overrides the configured connectivity source.
	Platform network.Platform
}

// OpenStore opens the configured store backend.
func OpenStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return dsstore.NewMemory()
	case config.BackendBadger:
		return dsstore.OpenBadger(filepath.Join(cfg.DataDir, BadgerDir))
	case config.BackendSQLite:
		return sqlitestore.Open(cfg.DataDir)
	default:
		return nil, errors.Newf(errors.ErrValidation, "unknown store backend %q", cfg.Store.Backend)
	}
}

// NewPlatform builds the configured connectivity source.
func NewPlatform(cfg *config.Config) (network.Platform, error) {
	switch cfg.Network.Source {
	case config.SourceProbe:
		return network.NewProbeSource(cfg.Network.ProbeURL, cfg.Network.ProbeInterval), nil
	case config.SourceFlag:
		if err := os.MkdirAll(filepath.Dir(cfg.Network.FlagFile), 0o755); err != nil {
			return nil, errors.Wrap(errors.ErrStorageUnavailable, "failed to create flag file directory", err)
		}
		return network.NewFlagFileSource(cfg.Network.FlagFile), nil
	case config.SourceManual:
		return network.NewManualSource(true), nil
	default:
		return nil, errors.Newf(errors.ErrValidation, "unknown network source %q", cfg.Network.Source)
	}
}

// NewBackend builds the HTTP remote client.
func NewBackend(cfg *config.Config) (remote.Backend, error) {
	if cfg.Remote.BaseURL == "" {
		return nil, errors.New(errors.ErrValidation, "remote.base_url is required to sync")
	}
	return remote.NewClient(cfg.Remote.BaseURL,
		remote.WithToken(cfg.Remote.Token),
		remote.WithTimeout(cfg.Remote.Timeout),
	)
}

// Open wires the application. Call Start to begin syncing and Close to
// release everything.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	s, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Store: s}

	var qopts []queue.Option
	if cfg.Sync.MaxQueueSize > 0 {
		qopts = append(qopts, queue.WithMaxSize(cfg.Sync.MaxQueueSize))
	}
	a.Queue, err = queue.New(ctx, s, qopts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	platform := opts.Platform
	if platform == nil {
		if opts.Sync {
			platform, err = NewPlatform(cfg)
			if err != nil {
				a.Close()
				return nil, err
			}
		} else {
			platform = network.NewManualSource(false)
		}
	}
	a.Monitor, err = network.NewMonitor(ctx, platform)
	if err != nil {
		a.Close()
		return nil, err
	}

	if opts.Sync {
		backend := opts.Backend
		if backend == nil {
			backend, err = NewBackend(cfg)
			if err != nil {
				a.Close()
				return nil, err
			}
		}
		a.Coordinator = coordinator.New(a.Queue, backend, a.Monitor, &coordinator.Config{
			InitialBackoff:  cfg.Sync.BackoffInitial,
			MaxBackoff:      cfg.Sync.BackoffMax,
			DispatchTimeout: cfg.Sync.DispatchTimeout,
		})
		a.Cache = offline.New(s, a.Queue, a.Monitor, a.Coordinator)
	} else {
		a.Cache = offline.New(s, a.Queue, a.Monitor, nil)
	}

	logging.Info("application opened", map[string]interface{}{
		"backend":  cfg.Store.Backend,
		"data_dir": cfg.DataDir,
		"sync":     opts.Sync,
		"pending":  a.Queue.Pending(),
	})
	return a, nil
}

// Start begins syncing. It is a no-op for local-only apps.
func (a *App) Start(ctx context.Context) error {
	if a.Coordinator == nil {
		return nil
	}
	return a.Coordinator.Start(ctx)
}

// Close stops the coordinator, detaches the monitor and closes the store.
func (a *App) Close() error {
	if a.Coordinator != nil {
		a.Coordinator.Stop()
	}
	if a.Monitor != nil {
		a.Monitor.Close()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}
