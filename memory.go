package kevent

import (
	"sync"
	"sync/atomic"
)

// AddressSpace is the memory that workloop synchronization words are read
// from, see NoteWLDiscoverOwner.
type AddressSpace interface {
	// Load reads the word at addr, failing with EFAULT if unmapped.
	Load(addr uint64) (uint64, error)
}

// Memory is a sparse, word-addressed AddressSpace, that also supports the
// atomic operations a user-space lock implementation needs.
type Memory struct {
	words map[uint64]*atomic.Uint64
	mu    sync.RWMutex
}

var _ AddressSpace = (*Memory)(nil)

// NewMemory returns an empty Memory.
func NewMemory() *Memory {
	return &Memory{words: make(map[uint64]*atomic.Uint64)}
}

// Map makes addr accessible, with an initial value.
func (m *Memory) Map(addr, value uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.words[addr]
	if !ok {
		w = new(atomic.Uint64)
		m.words[addr] = w
	}
	w.Store(value)
}

// Unmap makes addr inaccessible.
func (m *Memory) Unmap(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.words, addr)
}

func (m *Memory) word(addr uint64) (*atomic.Uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.words[addr]
	if !ok {
		return nil, EFAULT
	}
	return w, nil
}

// Load implements AddressSpace.
func (m *Memory) Load(addr uint64) (uint64, error) {
	w, err := m.word(addr)
	if err != nil {
		return 0, err
	}
	return w.Load(), nil
}

// Store writes a mapped word.
func (m *Memory) Store(addr, value uint64) error {
	w, err := m.word(addr)
	if err != nil {
		return err
	}
	w.Store(value)
	return nil
}

// CompareAndSwap atomically replaces a mapped word.
func (m *Memory) CompareAndSwap(addr, old, value uint64) (bool, error) {
	w, err := m.word(addr)
	if err != nil {
		return false, err
	}
	return w.CompareAndSwap(old, value), nil
}
