package cache_test

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractvm "github.com/forgechain/contractvm"
	"github.com/forgechain/contractvm/cache"
	"github.com/forgechain/contractvm/config"
	"github.com/forgechain/contractvm/vm"
)

func testKey(t *testing.T, code string) cache.Key {
	t.Helper()
	cfg, err := config.ForVersion(config.V2, config.Features{})
	require.NoError(t, err)
	return cache.Key{
		CodeHash: contractvm.NewContractCode([]byte(code)).Hash(),
		ConfigID: cfg.ID(),
		Backend:  cfg.CanonicalBackend(),
	}
}

func TestKeyString(t *testing.T) {
	key := testKey(t, "contract")
	s := key.String()

	want := fmt.Sprintf("cvm1|%s|%s|%s",
		hex.EncodeToString(key.CodeHash[:]), key.ConfigID, key.Backend)
	assert.Equal(t, want, s)

	// Any component change produces a different key.
	other := key
	other.Backend = config.BackendGeneral
	assert.NotEqual(t, s, other.String())
}

func TestMemoryTierHit(t *testing.T) {
	store, err := cache.Open(cache.Options{}, nil)
	require.NoError(t, err)
	defer store.Close()

	key := testKey(t, "contract")
	var compiles atomic.Int32
	compile := func(ctx context.Context) (*vm.Artifact, error) {
		compiles.Add(1)
		return &vm.Artifact{Bytes: []byte("instrumented")}, nil
	}
	recompile := func(ctx context.Context, b []byte) (*vm.Artifact, error) {
		t.Fatal("recompile must not run without a persistent tier")
		return nil, nil
	}

	ctx := context.Background()
	a, err := store.GetOrCompile(ctx, key, compile, recompile)
	require.NoError(t, err)
	b, err := store.GetOrCompile(ctx, key, compile, recompile)
	require.NoError(t, err)

	assert.Same(t, a, b, "second lookup must hit the memory tier")
	assert.Equal(t, int32(1), compiles.Load())
}

func TestConcurrentCompileCollapses(t *testing.T) {
	store, err := cache.Open(cache.Options{}, nil)
	require.NoError(t, err)
	defer store.Close()

	key := testKey(t, "contract")
	var compiles atomic.Int32
	compile := func(ctx context.Context) (*vm.Artifact, error) {
		compiles.Add(1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		return &vm.Artifact{Bytes: []byte("instrumented")}, nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*vm.Artifact, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			art, err := store.GetOrCompile(context.Background(), key, compile, nil)
			assert.NoError(t, err)
			results[i] = art
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), compiles.Load(), "racing callers must share one compilation")
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestCompileDetachedFromCallerContext(t *testing.T) {
	store, err := cache.Open(cache.Options{}, nil)
	require.NoError(t, err)
	defer store.Close()

	// The compilation is shared by every collapsed caller, so it must not
	// die with the caller that happened to start it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	art, err := store.GetOrCompile(ctx, testKey(t, "contract"),
		func(ctx context.Context) (*vm.Artifact, error) {
			assert.NoError(t, ctx.Err(), "compile context must not carry the caller's cancellation")
			return &vm.Artifact{Bytes: []byte("instrumented")}, nil
		}, nil)
	require.NoError(t, err)
	assert.NotNil(t, art)
}

func TestPersistentTierSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	key := testKey(t, "contract")
	instrumented := []byte("deterministic instrumented bytes")

	store, err := cache.Open(cache.Options{Dir: dir}, nil)
	require.NoError(t, err)
	_, err = store.GetOrCompile(context.Background(), key,
		func(ctx context.Context) (*vm.Artifact, error) {
			return &vm.Artifact{Bytes: instrumented}, nil
		}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// A fresh process: memory tier empty, persistent tier warm.
	store2, err := cache.Open(cache.Options{Dir: dir}, nil)
	require.NoError(t, err)
	defer store2.Close()

	var recompiled atomic.Bool
	art, err := store2.GetOrCompile(context.Background(), key,
		func(ctx context.Context) (*vm.Artifact, error) {
			t.Fatal("compile must not run on a warm persistent tier")
			return nil, nil
		},
		func(ctx context.Context, b []byte) (*vm.Artifact, error) {
			recompiled.Store(true)
			assert.Equal(t, instrumented, b, "persisted bytes must round-trip")
			return &vm.Artifact{Bytes: b}, nil
		})
	require.NoError(t, err)
	assert.True(t, recompiled.Load())
	assert.Equal(t, instrumented, art.Bytes)
}

func TestCompileErrorNotCached(t *testing.T) {
	store, err := cache.Open(cache.Options{InMemory: true}, nil)
	require.NoError(t, err)
	defer store.Close()

	key := testKey(t, "contract")
	var compiles atomic.Int32
	boom := fmt.Errorf("compile boom")

	_, err = store.GetOrCompile(context.Background(), key,
		func(ctx context.Context) (*vm.Artifact, error) {
			compiles.Add(1)
			return nil, boom
		}, nil)
	require.ErrorIs(t, err, boom)

	// The failure must not poison the key.
	art, err := store.GetOrCompile(context.Background(), key,
		func(ctx context.Context) (*vm.Artifact, error) {
			compiles.Add(1)
			return &vm.Artifact{Bytes: []byte("ok")}, nil
		}, nil)
	require.NoError(t, err)
	assert.NotNil(t, art)
	assert.Equal(t, int32(2), compiles.Load())
}

func TestDistinctConfigsDistinctEntries(t *testing.T) {
	store, err := cache.Open(cache.Options{}, nil)
	require.NoError(t, err)
	defer store.Close()

	v2, err := config.ForVersion(config.V2, config.Features{})
	require.NoError(t, err)
	v3, err := config.ForVersion(config.V3, config.Features{})
	require.NoError(t, err)

	hash := contractvm.NewContractCode([]byte("contract")).Hash()
	var compiles atomic.Int32
	compile := func(ctx context.Context) (*vm.Artifact, error) {
		compiles.Add(1)
		return &vm.Artifact{}, nil
	}

	for _, cfg := range []*config.RuntimeConfig{v2, v3} {
		key := cache.Key{CodeHash: hash, ConfigID: cfg.ID(), Backend: cfg.CanonicalBackend()}
		_, err := store.GetOrCompile(context.Background(), key, compile, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), compiles.Load(), "same code under different configs compiles separately")
}
