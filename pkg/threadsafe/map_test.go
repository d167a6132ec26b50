package threadsafe_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/st3v3nmw/splitcheck/pkg/threadsafe"
)

func TestMapSetIfAbsent(t *testing.T) {
	m := threadsafe.NewMap[string, int]()

	require.True(t, m.SetIfAbsent("a", 1))
	require.False(t, m.SetIfAbsent("a", 2))

	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestMapConcurrentWriters(t *testing.T) {
	m := threadsafe.NewMap[string, int]()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				m.Set(fmt.Sprintf("w%d-%03d", w, i), i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, m.Len())

	keys := m.Keys()
	require.Len(t, keys, 800)
	assert.Equal(t, "w0-000", keys[0])
	assert.Equal(t, "w7-099", keys[len(keys)-1])
}

func TestMapRangeStops(t *testing.T) {
	m := threadsafe.NewMap[int, int]()
	for i := range 10 {
		m.Set(i, i)
	}

	visited := 0
	m.Range(func(int, int) bool {
		visited++
		return visited < 3
	})

	assert.Equal(t, 3, visited)
}
