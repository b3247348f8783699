// Package reflog is a reference implementation of the hub.BinlogManager
// external collaborator (§1, §6 of the spec place the real one out of
// scope). It exists solely so the core packages can be exercised and
// tested end-to-end: a numbered-file binlog store, a durable key-state
// table, and a ref-counted LRU cache in front of it.
package reflog

import (
	"encoding/binary"

	storagercfg "github.com/weedge/xdis-storager/config"
	"github.com/weedge/xdis-storager/openkv"
)

// KeyState is the durable table backing LRU misses: "the latest committed
// exec_time per key", the same role rocksutil::Cache plays over RocksDB
// in the original hub. Grounded on log_store_openkv.go's Get/Put usage.
type KeyState struct {
	db *openkv.DB
}

func OpenKeyState(cfg *storagercfg.OpenkvOptions) (*KeyState, error) {
	if cfg == nil {
		cfg = storagercfg.DefaultOpenkvOptions()
	}
	db, err := openkv.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &KeyState{db: db}, nil
}

func (k *KeyState) Get(key []byte) (execTime int64, ok bool, err error) {
	v, err := k.db.Get(key)
	if err != nil {
		return 0, false, err
	}
	if v == nil {
		return 0, false, nil
	}
	return int64(binary.BigEndian.Uint64(v)), true, nil
}

func (k *KeyState) Put(key []byte, execTime int64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(execTime))
	return k.db.Put(key, v)
}

func (k *KeyState) Close() error {
	return k.db.Close()
}
