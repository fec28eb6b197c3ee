package tokenstore

import "sync"

var _ KV = (*MemoryKV)(nil)

// MemoryKV keeps values for the lifetime of the process.
type MemoryKV struct {
	values map[string]string
	lock   sync.RWMutex
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		values: make(map[string]string),
	}
}

func (m *MemoryKV) Get(key string) (string, bool, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(values map[string]string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

func (m *MemoryKV) Delete(keys ...string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}
