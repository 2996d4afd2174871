package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/forgechain/contractvm/vm"
	"github.com/forgechain/contractvm/vmerror"
)

// artFormatV1 tags the persistent value layout:
// [format byte][32-byte config id][instrumented bytes].
const artFormatV1 byte = 1

const configIDLen = 32

// DefaultMemoryEntries is the memory-tier capacity when none is configured.
const DefaultMemoryEntries = 128

// CompileFunc compiles a contract from source through the full pipeline.
type CompileFunc func(ctx context.Context) (*vm.Artifact, error)

// RecompileFunc compiles previously instrumented bytes, skipping
// preparation.
type RecompileFunc func(ctx context.Context, instrumented []byte) (*vm.Artifact, error)

// Options configures a Store.
type Options struct {
	// MemoryEntries caps the in-process tier. Zero means
	// DefaultMemoryEntries.
	MemoryEntries int
	// Dir enables the persistent tier at the given path. Empty disables it
	// unless InMemory is set.
	Dir string
	// InMemory runs the persistent tier without touching disk. For tests.
	InMemory bool
}

// Store is the two-tier artifact cache. Safe for concurrent use.
type Store struct {
	mem    *lru.Cache[string, *vm.Artifact]
	db     *badger.DB
	sf     singleflight.Group
	logger *zap.Logger
}

// Open creates a Store. The persistent tier opens lazily here and is
// optional; a Store without one is purely in-process.
func Open(opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	entries := opts.MemoryEntries
	if entries <= 0 {
		entries = DefaultMemoryEntries
	}

	mem, err := lru.NewWithEvict[string, *vm.Artifact](entries,
		func(key string, art *vm.Artifact) {
			// Close defers the actual release while invocations are in
			// flight; the last one frees the compiled module.
			if err := art.Close(context.Background()); err != nil {
				logger.Warn("closing evicted artifact", zap.String("key", key), zap.Error(err))
			}
		})
	if err != nil {
		return nil, err
	}

	s := &Store{mem: mem, logger: logger}

	if opts.Dir != "" || opts.InMemory {
		bopts := badger.DefaultOptions(opts.Dir).
			WithInMemory(opts.InMemory).
			WithLogger(nil)
		db, err := badger.Open(bopts)
		if err != nil {
			return nil, vmerror.New(vmerror.PhaseCache, vmerror.KindCacheUnavailable).
				Detail(fmt.Sprintf("open %s", opts.Dir)).Cause(err).Build()
		}
		s.db = db
	}

	return s, nil
}

// Close releases both tiers. Purging the memory tier closes every cached
// artifact through the evict hook.
func (s *Store) Close() error {
	s.mem.Purge()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetOrCompile returns the artifact for key, from the memory tier, the
// persistent tier, or by compiling from source, in that order. Concurrent
// callers on the same key share one compilation. Tier faults degrade to the
// next source and never fail the call; only compile itself can.
func (s *Store) GetOrCompile(ctx context.Context, key Key, compile CompileFunc, recompile RecompileFunc) (*vm.Artifact, error) {
	k := key.String()

	v, err, _ := s.sf.Do(k, func() (interface{}, error) {
		// Collapsed callers share this one execution; the initiating
		// caller's cancellation must not fail the others.
		ctx := context.WithoutCancel(ctx)

		if art, ok := s.mem.Get(k); ok {
			return art, nil
		}

		if s.db != nil {
			if art := s.loadPersisted(ctx, key, recompile); art != nil {
				s.mem.Add(k, art)
				return art, nil
			}
		}

		art, err := compile(ctx)
		if err != nil {
			return nil, err
		}
		s.mem.Add(k, art)

		if s.db != nil {
			if err := s.persist(key, art.Bytes); err != nil {
				s.logger.Warn("cache store fault", zap.String("key", k), zap.Error(err))
			}
		}
		return art, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*vm.Artifact), nil
}

// loadPersisted reads and recompiles a persisted entry. Every failure mode
// (missing, corrupt, recompile error) returns nil so the caller falls back
// to a fresh compile.
func (s *Store) loadPersisted(ctx context.Context, key Key, recompile RecompileFunc) *vm.Artifact {
	k := key.String()

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key.Bytes())
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil
	case err != nil:
		s.logger.Warn("cache load fault", zap.String("key", k), zap.Error(err))
		return nil
	}

	instrumented, ok := decodeValue(value, key)
	if !ok {
		s.logger.Warn("cache entry corrupt", zap.String("key", k))
		return nil
	}

	art, err := recompile(ctx, instrumented)
	if err != nil {
		s.logger.Warn("cached bytes failed to recompile", zap.String("key", k), zap.Error(err))
		return nil
	}
	return art
}

func (s *Store) persist(key Key, instrumented []byte) error {
	value := make([]byte, 0, 1+configIDLen+len(instrumented))
	value = append(value, artFormatV1)
	value = append(value, key.ConfigID[:]...)
	value = append(value, instrumented...)

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key.Bytes(), value)
	})
}

// decodeValue validates the persisted layout and the embedded config
// identity against the key.
func decodeValue(value []byte, key Key) ([]byte, bool) {
	if len(value) < 1+configIDLen || value[0] != artFormatV1 {
		return nil, false
	}
	for i := 0; i < configIDLen; i++ {
		if value[1+i] != key.ConfigID[i] {
			return nil, false
		}
	}
	return value[1+configIDLen:], true
}
