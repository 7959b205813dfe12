package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewManual(start)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.Add(time.Second), c.Advance(time.Second))
	assert.Equal(t, start.Add(time.Second), c.Now())

	c.Set(start.Add(-time.Minute))
	assert.Equal(t, start.Add(-time.Minute), c.Now())
}

func TestSequence(t *testing.T) {
	s := NewSequenceAt(41)
	assert.Equal(t, int64(41), s.Current())
	assert.Equal(t, int64(42), s.Next())
	assert.Equal(t, int64(42), s.Current())
}

func TestSequence_Concurrent(t *testing.T) {
	s := NewSequenceAt(0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Next()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), s.Current())
}

func TestSystem(t *testing.T) {
	before := time.Now()
	got := System{}.Now()
	assert.False(t, got.Before(before))
}
