package keylog

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeClientRandom(b byte) [32]byte {
	var cr [32]byte
	for i := range cr {
		cr[i] = b
	}
	return cr
}

func makeEntry(label LabelType, cr [32]byte) *KeyEntry {
	size := 48
	if label.IsTLS13() {
		size = 32
	}
	return &KeyEntry{Label: label, ClientRandom: cr, Secret: make([]byte, size)}
}

func newTestStore(t *testing.T, mutate func(*StoreConfig)) *Store {
	t.Helper()
	config := DefaultStoreConfig()
	config.CleanupInterval = 1 * time.Hour
	if mutate != nil {
		mutate(&config)
	}
	store := NewStore(config)
	t.Cleanup(store.Stop)
	return store
}

func TestStoreBasicOperations(t *testing.T) {
	store := newTestStore(t, nil)

	t.Run("add and get", func(t *testing.T) {
		cr := makeClientRandom(0x01)
		isNew := store.Add(makeEntry(LabelClientRandom, cr))
		assert.True(t, isNew)

		keys := store.Get(cr)
		require.NotNil(t, keys)
		assert.Equal(t, cr, keys.ClientRandom)
		assert.Len(t, keys.MasterSecret, 48)
	})

	t.Run("duplicate label is not new", func(t *testing.T) {
		cr := makeClientRandom(0x02)
		assert.True(t, store.Add(makeEntry(LabelClientRandom, cr)))
		assert.False(t, store.Add(makeEntry(LabelClientRandom, cr)))
	})

	t.Run("missing session", func(t *testing.T) {
		assert.Nil(t, store.Get(makeClientRandom(0xee)))
	})
}

func TestStoreMultipleKeys(t *testing.T) {
	store := newTestStore(t, nil)
	cr := makeClientRandom(0x10)

	for _, label := range []LabelType{
		LabelClientHandshakeTrafficSecret,
		LabelServerHandshakeTrafficSecret,
		LabelClientTrafficSecret0,
		LabelServerTrafficSecret0,
	} {
		assert.True(t, store.Add(makeEntry(label, cr)))
	}

	keys := store.Get(cr)
	require.NotNil(t, keys)
	assert.True(t, keys.IsTLS13())
	assert.False(t, keys.IsTLS12())
	assert.True(t, keys.HasDecryptionKeys())
	assert.Len(t, keys.ClientTrafficSecret0, 32)
	assert.Len(t, keys.ServerTrafficSecret0, 32)
	assert.Equal(t, 1, store.Size())
}

func TestStoreEviction(t *testing.T) {
	store := newTestStore(t, func(c *StoreConfig) { c.MaxSessions = 3 })

	for i := byte(1); i <= 3; i++ {
		store.Add(makeEntry(LabelClientRandom, makeClientRandom(i)))
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 3, store.Size())

	store.Add(makeEntry(LabelClientRandom, makeClientRandom(0x04)))
	assert.Equal(t, 3, store.Size())
	assert.Nil(t, store.Get(makeClientRandom(0x01)))
	assert.NotNil(t, store.Get(makeClientRandom(0x04)))
	assert.Equal(t, uint64(1), store.Stats().TotalEvicted)
}

func TestStoreStats(t *testing.T) {
	store := newTestStore(t, nil)

	store.Add(makeEntry(LabelClientRandom, makeClientRandom(0x01)))

	cr := makeClientRandom(0x02)
	store.Add(makeEntry(LabelClientTrafficSecret0, cr))
	store.Add(makeEntry(LabelServerTrafficSecret0, cr))

	store.Add(makeEntry(LabelClientTrafficSecret0, makeClientRandom(0x03)))

	stats := store.Stats()
	assert.Equal(t, 3, stats.TotalSessions)
	assert.Equal(t, 1, stats.TLS12Sessions)
	assert.Equal(t, 2, stats.TLS13Sessions)
	assert.Equal(t, 2, stats.CompleteSessions)
	assert.Equal(t, uint64(4), stats.TotalAdded)
}

func TestStoreCleanup(t *testing.T) {
	store := newTestStore(t, func(c *StoreConfig) { c.SessionTTL = 50 * time.Millisecond })

	store.Add(makeEntry(LabelClientRandom, makeClientRandom(0x01)))
	assert.Equal(t, 1, store.Size())

	store.cleanup(time.Now().Add(time.Second))
	assert.Equal(t, 0, store.Size())
}

func TestStoreCallback(t *testing.T) {
	var mu sync.Mutex
	var seen []*KeyEntry

	store := newTestStore(t, func(c *StoreConfig) {
		c.OnKeyAdded = func(entry *KeyEntry) {
			mu.Lock()
			seen = append(seen, entry)
			mu.Unlock()
		}
	})

	cr := makeClientRandom(0x50)
	store.Add(makeEntry(LabelClientRandom, cr))
	store.Add(makeEntry(LabelClientRandom, cr))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, cr, seen[0].ClientRandom)
}

func TestStoreConcurrency(t *testing.T) {
	store := newTestStore(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			store.Add(makeEntry(LabelClientRandom, makeClientRandom(byte(i))))
		}(i)
		go func(i int) {
			defer wg.Done()
			store.Get(makeClientRandom(byte(i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100, store.Size())
}
