package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardrobekit/backend/internal/errors"
	"github.com/wardrobekit/backend/internal/logging"
	"github.com/wardrobekit/backend/internal/store"
	"github.com/wardrobekit/backend/internal/store/sqlitestore"
	"github.com/wardrobekit/backend/internal/uuid"
)

// run executes the CLI against a data dir and returns stdout.
func run(t *testing.T, dataDir string, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("WARDROBE_SYNC_DATA_DIR", dataDir)

	prev := logging.Get()
	t.Cleanup(func() { logging.SetDefault(prev) })

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestCLI_writeReadDelete(t *testing.T) {
	dir := t.TempDir()

	id, err := run(t, dir, "", "write", "wardrobeItems", "i1", `{"name":"Blue Shirt"}`)
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(id))

	out, err := run(t, dir, `{"name":"Green Shirt"}`, "write", "wardrobeItems", "i2", "-")
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	out, err = run(t, dir, "", "read", "wardrobeItems", "i1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Blue Shirt"}`, out)

	out, err = run(t, dir, "", "list", "wardrobeItems")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "wardrobeItems/i1\t"))

	_, err = run(t, dir, "", "delete", "wardrobeItems", "i1")
	require.NoError(t, err)
	_, err = run(t, dir, "", "read", "wardrobeItems", "i1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	out, err = run(t, dir, "", "pending", "--count")
	require.NoError(t, err)
	assert.Equal(t, "3", strings.TrimSpace(out))

	out, err = run(t, dir, "", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, strings.TrimSpace(id))
	assert.Contains(t, out, "delete")
}

func TestCLI_pendingListsCorruptEntries(t *testing.T) {
	dir := t.TempDir()
	at := time.UnixMilli(1_760_000_000_000)
	id := uuid.NewMutationIDs(func() time.Time { return at }).Next()

	s, err := sqlitestore.Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(t.Context(), store.PendingMutations, id, store.Record(`{"truncated`)))
	require.NoError(t, s.Close())

	out, err := run(t, dir, "", "pending")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "corrupt")
	assert.Contains(t, out, at.Format(time.RFC3339), "enqueue time comes from the id")
}

func TestCLI_wipeNeedsConfirmation(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, dir, "", "write", "outfits", "o1", `{}`)
	require.NoError(t, err)

	_, err = run(t, dir, "", "wipe")
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	out, err := run(t, dir, "", "wipe", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "1 unsynced")

	out, err = run(t, dir, "", "pending", "--count")
	require.NoError(t, err)
	assert.Equal(t, "0", strings.TrimSpace(out))
}

func TestCLI_netWritesFlagFile(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, dir, "", "net", "offline")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "network.flag"))
	require.NoError(t, err)
	assert.Equal(t, "offline", strings.TrimSpace(string(data)))

	_, err = run(t, dir, "", "net", "online")
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(dir, "network.flag"))
	require.NoError(t, err)
	assert.Equal(t, "online", strings.TrimSpace(string(data)))
}

func TestCLI_rejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, dir, "", "write", "pendingMutations", "x", `{}`)
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	_, err = run(t, dir, "", "write", "wardrobeItems", "x", `not json`)
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	_, err = run(t, dir, "", "read", "wardrobeItems")
	assert.Error(t, err)
}
