package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardrobekit/backend/internal/config"
	"github.com/wardrobekit/backend/internal/errors"
	"github.com/wardrobekit/backend/internal/store"
	"github.com/wardrobekit/backend/internal/sync/network"
	"github.com/wardrobekit/backend/internal/sync/remote/remotetest"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DataDir: dir,
		Store:   config.StoreConfig{Backend: backend},
		Network: config.NetworkConfig{
			Source:   config.SourceFlag,
			FlagFile: filepath.Join(dir, "net", config.FlagFileName),
		},
		Sync: config.SyncConfig{
			BackoffInitial:  time.Second,
			BackoffMax:      time.Minute,
			DispatchTimeout: 5 * time.Second,
		},
	}
}

func TestOpen_localOnly(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{config.BackendMemory, config.BackendSQLite, config.BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			if backend == config.BackendBadger && testing.Short() {
				t.Skip("badger in -short")
			}
			a, err := Open(ctx, testConfig(t, backend), Options{})
			require.NoError(t, err)
			defer a.Close()

			assert.Nil(t, a.Coordinator)
			assert.False(t, a.Cache.Online())
			require.NoError(t, a.Start(ctx))

			_, err = a.Cache.Write(ctx, store.WardrobeItems, "i1", store.Record(`{"name":"Scarf"}`))
			require.NoError(t, err)
			assert.Equal(t, 1, a.Cache.PendingCount())
			assert.False(t, a.Cache.Flush())
		})
	}
}

func TestOpen_syncDrainsQueue(t *testing.T) {
	ctx := context.Background()
	backend := remotetest.New()
	src := network.NewManualSource(false)

	a, err := Open(ctx, testConfig(t, config.BackendMemory), Options{Sync: true, Backend: backend, Platform: src})
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Start(ctx))

	_, err = a.Cache.Write(ctx, store.Outfits, "o1", store.Record(`{"items":["i1"]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, a.Cache.PendingCount())

	src.Set(true)
	require.Eventually(t, func() bool { return a.Cache.PendingCount() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, backend.Applied(), 1)
}

func TestOpen_syncNeedsRemote(t *testing.T) {
	_, err := Open(context.Background(), testConfig(t, config.BackendMemory), Options{Sync: true, Platform: network.NewManualSource(true)})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestOpen_flagPlatform(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, config.BackendMemory)
	require.NoError(t, network.WriteFlag(cfg.Network.FlagFile, false))

	a, err := Open(ctx, cfg, Options{Sync: true, Backend: remotetest.New()})
	require.NoError(t, err)
	defer a.Close()
	assert.False(t, a.Cache.Online())

	require.NoError(t, network.WriteFlag(cfg.Network.FlagFile, true))
	require.Eventually(t, a.Cache.Online, 5*time.Second, 10*time.Millisecond)
}

func TestOpenStore_unknownBackend(t *testing.T) {
	_, err := OpenStore(&config.Config{Store: config.StoreConfig{Backend: "postgres"}})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestNewBackend(t *testing.T) {
	cfg := &config.Config{Remote: config.RemoteConfig{BaseURL: "https://api.example.com", Timeout: time.Second}}
	b, err := NewBackend(cfg)
	require.NoError(t, err)
	assert.NotNil(t, b)

	cfg.Remote.BaseURL = ""
	_, err = NewBackend(cfg)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}
