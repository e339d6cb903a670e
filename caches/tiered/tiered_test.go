package tiered

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjohansen/courier/caches/memory"
	"github.com/cjohansen/courier/pkg/cache"
	"github.com/cjohansen/courier/pkg/types"
)

func testKey(id string) cache.Key {
	return cache.KeyFor(&types.Spec{LookupID: id}, nil)
}

func testEntry(body string) *cache.Entry {
	return &cache.Entry{
		Req:     &types.Request{URL: "http://ex/"},
		Res:     &types.Response{Status: 200, Body: body},
		Success: true,
	}
}

func TestTiered_LocalHit(t *testing.T) {
	local := memory.New(memory.Config{})
	remote := memory.New(memory.Config{})
	c := New(local, remote)
	ctx := context.Background()

	_, err := local.Put(ctx, testKey("a"), testEntry("local"))
	require.NoError(t, err)

	entry, err := c.Lookup(ctx, testKey("a"))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "local", entry.Res.Body)
	assert.Equal(t, int64(1), c.Stats().LocalHits)
}

func TestTiered_RemoteHitBackfills(t *testing.T) {
	local := memory.New(memory.Config{})
	remote := memory.New(memory.Config{})
	c := New(local, remote)
	ctx := context.Background()

	_, err := remote.Put(ctx, testKey("a"), testEntry("remote"))
	require.NoError(t, err)

	entry, err := c.Lookup(ctx, testKey("a"))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "remote", entry.Res.Body)
	assert.Equal(t, int64(1), c.Stats().Backfills)

	// Served locally from here on.
	backfilled, err := local.Lookup(ctx, testKey("a"))
	require.NoError(t, err)
	assert.NotNil(t, backfilled)
}

func TestTiered_PutWritesBothTiers(t *testing.T) {
	local := memory.New(memory.Config{})
	remote := memory.New(memory.Config{})
	c := New(local, remote)
	ctx := context.Background()

	_, err := c.Put(ctx, testKey("a"), testEntry("both"))
	require.NoError(t, err)

	fromLocal, err := local.Lookup(ctx, testKey("a"))
	require.NoError(t, err)
	assert.NotNil(t, fromLocal)
	fromRemote, err := remote.Lookup(ctx, testKey("a"))
	require.NoError(t, err)
	assert.NotNil(t, fromRemote)
}

type failingBackend struct{}

func (failingBackend) Lookup(context.Context, cache.Key) (*cache.Entry, error) {
	return nil, fmt.Errorf("remote down")
}

func (failingBackend) Put(context.Context, cache.Key, *cache.Entry) (map[string]any, error) {
	return nil, fmt.Errorf("remote down")
}

func TestTiered_LocalHitSurvivesRemoteOutage(t *testing.T) {
	local := memory.New(memory.Config{})
	c := New(local, failingBackend{})
	ctx := context.Background()

	_, err := local.Put(ctx, testKey("a"), testEntry("local"))
	require.NoError(t, err)

	entry, err := c.Lookup(ctx, testKey("a"))
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "local", entry.Res.Body)
}

func TestTiered_Miss(t *testing.T) {
	c := New(memory.New(memory.Config{}), memory.New(memory.Config{}))

	entry, err := c.Lookup(context.Background(), testKey("nope"))
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, int64(1), c.Stats().Misses)
}
