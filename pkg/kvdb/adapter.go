// KV Adapter for CometBFT Database Integration.
//
// Wraps CometBFT's dbm.DB interface to implement the watcher's durable
// index store contract (internal/store.KV): point Get/Set plus range
// iteration, used by the detector's cold-start rehydration scan.
package kvdb

import (
	dbm "github.com/cometbft/cometbft-db"
)

// KVAdapter wraps a CometBFT dbm.DB and exposes the narrow Get/Set/
// Iterator surface internal/store.Store is built on.
type KVAdapter struct {
	db dbm.DB
}

// NewKVAdapter creates a new KVAdapter for the given underlying DB.
func NewKVAdapter(db dbm.DB) *KVAdapter {
	return &KVAdapter{db: db}
}

// Get looks up key, returning (nil, nil) if absent.
func (a *KVAdapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	return a.db.Get(key)
}

// Set writes key/value synchronously so it survives a crash immediately
// after the call returns.
func (a *KVAdapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.SetSync(key, value)
}

// Iterator returns a range iterator over [start, end), used by the index
// store to rehydrate in-memory detector state from a pre-seeded table.
func (a *KVAdapter) Iterator(start, end []byte) (dbm.Iterator, error) {
	if a.db == nil {
		return nil, nil
	}
	return a.db.Iterator(start, end)
}
