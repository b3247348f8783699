package reflog

import (
	hub "github.com/yanghongkjxy/pika-hub"
)

// Manager is a reference hub.BinlogManager: a numbered-file Store for the
// binlog itself, and a ref-counted Cache (optionally backed by a durable
// KeyState table) for the "is this write stale" check BinlogSender's
// translate step relies on.
type Manager struct {
	store *Store
	cache *Cache
}

// NewManager wires a Store and a Cache into one hub.BinlogManager. backing
// may be nil, in which case the cache is purely in-memory.
func NewManager(store *Store, cacheCapacity int, backing *KeyState) *Manager {
	return &Manager{
		store: store,
		cache: NewCache(cacheCapacity, backing),
	}
}

func (m *Manager) AddReader(fileNum, offset uint64) (hub.Reader, error) {
	return m.store.NewReader(fileNum, offset)
}

func (m *Manager) LRUCache() hub.LRUCache {
	return m.cache
}

// Append writes a batch to the binlog and refreshes the cache's committed
// state for each key, the way a local write path would before it is ever
// visible to a BinlogSender.
func (m *Manager) Append(records []hub.BinlogRecord) error {
	if err := m.store.Append(records); err != nil {
		return err
	}
	for _, r := range records {
		m.cache.Set(r.Key, r.ExecTime)
	}
	return nil
}

func (m *Manager) Close() error {
	return m.store.Close()
}
