package kevent

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	m := NewMemory()

	_, err := m.Load(0x10)
	assert.ErrorIs(t, err, EFAULT)
	assert.ErrorIs(t, m.Store(0x10, 1), EFAULT)
	_, err = m.CompareAndSwap(0x10, 0, 1)
	assert.ErrorIs(t, err, EFAULT)

	m.Map(0x10, 5)
	v, err := m.Load(0x10)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), v)

	ok, err := m.CompareAndSwap(0x10, 4, 6)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = m.CompareAndSwap(0x10, 5, 6)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.Store(0x10, 7))
	v, _ = m.Load(0x10)
	assert.Equal(t, uint64(7), v)

	m.Unmap(0x10)
	_, err = m.Load(0x10)
	assert.ErrorIs(t, err, EFAULT)
}

func TestMemory_concurrentCAS(t *testing.T) {
	m := NewMemory()
	m.Map(0, 0)

	const workers, rounds = 8, 1000
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				for {
					v, err := m.Load(0)
					if !assert.NoError(t, err) {
						return
					}
					if ok, _ := m.CompareAndSwap(0, v, v+1); ok {
						break
					}
				}
			}
		}()
	}
	wg.Wait()

	v, err := m.Load(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(workers*rounds), v)
}
