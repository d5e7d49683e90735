package safemap

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSafeMap(t *testing.T) {
	m := NewSafeMap[uint64, string]()
	require.NotNil(t, m)
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, m.Snapshot())
}

func TestSafeMap_ZeroValueUsable(t *testing.T) {
	var m SafeMap[string, int]
	m.Store("a", 1)

	v, ok := m.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestSafeMap_StoreLoadDelete(t *testing.T) {
	m := NewSafeMap[string, int]()

	t.Run("store then load", func(t *testing.T) {
		m.Store("a", 1)
		v, ok := m.Load("a")
		assert.True(t, ok)
		assert.Equal(t, 1, v)
	})

	t.Run("overwrite", func(t *testing.T) {
		m.Store("a", 2)
		v, _ := m.Load("a")
		assert.Equal(t, 2, v)
		assert.Equal(t, 1, m.Len())
	})

	t.Run("missing key", func(t *testing.T) {
		v, ok := m.Load("missing")
		assert.False(t, ok)
		assert.Equal(t, 0, v)
	})

	t.Run("delete", func(t *testing.T) {
		m.Delete("a")
		m.Delete("a")
		_, ok := m.Load("a")
		assert.False(t, ok)
		assert.Equal(t, 0, m.Len())
	})
}

func TestSafeMap_LoadAndDelete(t *testing.T) {
	t.Run("returns removed value", func(t *testing.T) {
		m := NewSafeMap[int, string]()
		m.Store(1, "one")

		v, ok := m.LoadAndDelete(1)
		assert.True(t, ok)
		assert.Equal(t, "one", v)

		_, ok = m.LoadAndDelete(1)
		assert.False(t, ok)
	})

	t.Run("only one concurrent caller wins", func(t *testing.T) {
		m := NewSafeMap[int, string]()
		m.Store(7, "x")

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok := m.LoadAndDelete(7); ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestSafeMap_Snapshot(t *testing.T) {
	m := NewSafeMap[int, int]()
	for i := 1; i <= 3; i++ {
		m.Store(i, i*10)
	}

	snap := m.Snapshot()
	m.Store(4, 40)
	m.Delete(1)

	sort.Ints(snap)
	assert.Equal(t, []int{10, 20, 30}, snap)
	assert.Equal(t, 3, m.Len())
}

func TestSafeMap_Range(t *testing.T) {
	t.Run("visits every entry", func(t *testing.T) {
		m := NewSafeMap[string, int]()
		m.Store("a", 1)
		m.Store("b", 2)

		seen := map[string]int{}
		m.Range(func(k string, v int) bool {
			seen[k] = v
			return true
		})
		assert.Equal(t, map[string]int{"a": 1, "b": 2}, seen)
	})

	t.Run("stops early", func(t *testing.T) {
		m := NewSafeMap[int, int]()
		for i := 0; i < 10; i++ {
			m.Store(i, i)
		}

		calls := 0
		m.Range(func(int, int) bool {
			calls++
			return calls < 3
		})
		assert.Equal(t, 3, calls)
	})

	t.Run("callback may modify the map", func(t *testing.T) {
		m := NewSafeMap[int, int]()
		for i := 0; i < 5; i++ {
			m.Store(i, i)
		}

		assert.NotPanics(t, func() {
			m.Range(func(k, _ int) bool {
				m.Delete(k)
				return true
			})
		})
		assert.Equal(t, 0, m.Len())
	})
}

func TestSafeMap_Clear(t *testing.T) {
	m := NewSafeMap[int, string]()
	m.Store(1, "a")
	m.Store(2, "b")

	removed := m.Clear()
	sort.Strings(removed)

	assert.Equal(t, []string{"a", "b"}, removed)
	assert.Equal(t, 0, m.Len())

	m.Store(3, "c")
	assert.Equal(t, 1, m.Len())
}

func TestSafeMap_Concurrent(t *testing.T) {
	m := NewSafeMap[int, int]()
	const workers = 20
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := base*perWorker + i
				m.Store(key, key)
				_, _ = m.Load(key)
				_ = m.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, m.Len())
}
