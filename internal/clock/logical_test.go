package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogicalTick(t *testing.T) {
	var l Logical
	require.EqualValues(t, 1, l.Tick())
	require.EqualValues(t, 2, l.Tick())
	require.EqualValues(t, 2, l.Value())
}

func TestLogicalObserveAdvancesPastReceived(t *testing.T) {
	var l Logical
	l.Tick() // 1

	got := l.Observe(10)
	assert.EqualValues(t, 11, got)
	assert.EqualValues(t, 11, l.Value())
}

func TestLogicalObserveBehindLocalStillAdvances(t *testing.T) {
	var l Logical
	for range 5 {
		l.Tick()
	}
	got := l.Observe(1)
	assert.EqualValues(t, 6, got)
}

func TestLogicalConcurrentTicksAreUnique(t *testing.T) {
	var l Logical
	var wg sync.WaitGroup
	seen := make(chan uint64, 200)

	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- l.Tick()
		}()
	}
	wg.Wait()
	close(seen)

	values := make(map[uint64]bool)
	for v := range seen {
		assert.False(t, values[v], "clock value %d observed twice", v)
		values[v] = true
	}
	assert.Len(t, values, 200)
}
