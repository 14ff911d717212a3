package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabular/location-collector/internal/logging"
)

func testStores(t *testing.T) map[string]Store {
	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })
	return map[string]Store{
		"bolt":   bolt,
		"memory": NewMemoryStore(),
	}
}

func TestStore_CRUD(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get("locationDataSettings")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put("locationDataSettings", []byte(`{"a":1}`)))
			require.NoError(t, s.Put("locationDataHistory", []byte(`[]`)))

			got, err := s.Get("locationDataSettings")
			require.NoError(t, err)
			assert.Equal(t, `{"a":1}`, string(got))

			keys, err := s.Keys()
			require.NoError(t, err)
			assert.Equal(t, []string{"locationDataHistory", "locationDataSettings"}, keys)

			require.NoError(t, s.Delete("locationDataSettings", "locationDataHistory", "absent"))
			keys, err = s.Keys()
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put("k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestMemoryStore_FailWith(t *testing.T) {
	m := NewMemoryStore()
	boom := errors.New("disk full")
	m.FailWith(boom)
	assert.ErrorIs(t, m.Put("k", nil), boom)
	m.FailWith(nil)
	assert.NoError(t, m.Put("k", nil))
}

type countingStore struct {
	*MemoryStore
	puts int
}

func (c *countingStore) Put(key string, value []byte) error {
	c.puts++
	return c.MemoryStore.Put(key, value)
}

func TestAsyncWriter_CoalescesAndSkipsUnchanged(t *testing.T) {
	cs := &countingStore{MemoryStore: NewMemoryStore()}
	w := NewAsyncWriter(cs, logging.Nop(), 100, time.Hour)
	defer w.Stop()

	w.Put("k", []byte("1"))
	w.Put("k", []byte("2"))
	w.Put("other", []byte("x"))
	w.Flush()

	got, err := cs.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))
	assert.Equal(t, 2, cs.puts)

	w.Put("k", []byte("2"))
	w.Flush()
	assert.Equal(t, 2, cs.puts, "identical payload must not be rewritten")

	w.Delete("k")
	w.Flush()
	_, err = cs.Get("k")
	assert.ErrorIs(t, err, ErrNotFound)

	w.Put("k", []byte("2"))
	w.Flush()
	assert.Equal(t, 3, cs.puts, "delete resets change detection")
}

func TestAsyncWriter_BatchSizeTriggersFlush(t *testing.T) {
	m := NewMemoryStore()
	w := NewAsyncWriter(m, logging.Nop(), 2, time.Hour)
	defer w.Stop()

	w.Put("a", []byte("1"))
	w.Put("b", []byte("2"))

	assert.Eventually(t, func() bool {
		keys, _ := m.Keys()
		return len(keys) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestAsyncWriter_FailureIsLoggedAndRetriedByNextWrite(t *testing.T) {
	m := NewMemoryStore()
	w := NewAsyncWriter(m, logging.Nop(), 10, time.Hour)
	defer w.Stop()

	m.FailWith(errors.New("read-only"))
	w.Put("k", []byte("v"))
	w.Flush()

	m.FailWith(nil)
	w.Put("k", []byte("v"))
	w.Flush()
	got, err := m.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestAsyncWriter_StopFlushesAndWritesThrough(t *testing.T) {
	m := NewMemoryStore()
	w := NewAsyncWriter(m, logging.Nop(), 10, time.Hour)
	w.Put("a", []byte("1"))
	w.Stop()
	w.Stop()

	_, err := m.Get("a")
	require.NoError(t, err)

	w.Put("b", []byte("2"))
	w.Flush()
	_, err = m.Get("b")
	require.NoError(t, err)
}
