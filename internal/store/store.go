// Package store is the durable index store (C2): an append-oriented
// key-value store keyed by update roots and message leaves, backed by
// github.com/cometbft/cometbft-db the same way the teacher's
// pkg/kvdb.KVAdapter wraps it. It supports non-blocking point lookup and a
// cancellable blocking AwaitGet for reader fibers, plus idempotent
// PutIfAbsent writes the sync loop relies on to replay safely.
//
// Table key layout is bit-exact per the spec: a single-byte table prefix
// followed by the raw key bytes, generalizing the teacher's
// pkg/ledger/store.go string-prefix key-builder pattern
// (systemBlockKey, anchorTargetKey) to a one-byte tag.
package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/nomad-xyz/watcher/internal/nomad"
	"github.com/nomad-xyz/watcher/internal/nomaderr"
)

// Table is a single-byte prefix distinguishing the store's logical tables.
type Table byte

const (
	TableUpdateByPrev       Table = 0x01
	TableUpdateByNew        Table = 0x02
	TableLeafByIndex        Table = 0x03
	TableMessageByLeaf      Table = 0x04
	TableProofByLeaf        Table = 0x05 // reserved: written by other agents, never by this binary
	TableLatestIndexedBlock Table = 0x06
)

// latestIndexedBlockKey is the constant key for the latestIndexedBlock
// table: there is exactly one value per home store instance.
var latestIndexedBlockKey = []byte("latest")

// KV is the narrow durable key-value contract the store is built on. It is
// satisfied directly by pkg/kvdb.KVAdapter wrapping a cometbft-db dbm.DB.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Iterator(start, end []byte) (dbm.Iterator, error)
}

// pollInterval is AwaitGet's cooperative re-check cadence, used only as a
// safety net for notifications missed during notifier registration races.
const pollInterval = 500 * time.Millisecond

// Store is the per-Home durable index. One Store instance is created per
// Home the watcher monitors; the supervisor owns it and hands the same
// *Store to that Home's detector and sync loop.
type Store struct {
	kv KV

	mu sync.RWMutex // one lock for all tables: writers are serialized, readers are concurrent

	notifyMu  sync.Mutex
	notifiers map[string]chan struct{}
}

// New constructs a Store over the given durable KV backend.
func New(kv KV) *Store {
	return &Store{
		kv:        kv,
		notifiers: make(map[string]chan struct{}),
	}
}

func tableKey(t Table, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(t)
	copy(out[1:], key)
	return out
}

// Get performs a non-blocking point lookup.
func (s *Store) Get(table Table, key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, err := s.kv.Get(tableKey(table, key))
	if err != nil {
		return nil, false, nomaderr.Fatal(err, "store: get table=%x", table)
	}
	return v, v != nil, nil
}

// PutIfAbsent idempotently inserts value at (table, key) iff absent,
// reporting whether the insert happened. Existing values are never
// overwritten, so replaying the same event twice is a no-op.
func (s *Store) PutIfAbsent(table Table, key, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := tableKey(table, key)
	existing, err := s.kv.Get(k)
	if err != nil {
		return false, nomaderr.Fatal(err, "store: put-if-absent read table=%x", table)
	}
	if existing != nil {
		return false, nil
	}
	if err := s.kv.Set(k, value); err != nil {
		return false, nomaderr.Fatal(err, "store: put-if-absent write table=%x", table)
	}
	s.notify(string(k))
	return true, nil
}

// put unconditionally writes value, used only for the latestIndexedBlock
// checkpoint which is mutated in place (not append-only).
func (s *Store) put(table Table, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Set(tableKey(table, key), value); err != nil {
		return nomaderr.Fatal(err, "store: put table=%x", table)
	}
	s.notify(string(tableKey(table, key)))
	return nil
}

func (s *Store) notify(key string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if ch, ok := s.notifiers[key]; ok {
		close(ch)
		delete(s.notifiers, key)
	}
}

func (s *Store) waiter(key string) chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if ch, ok := s.notifiers[key]; ok {
		return ch
	}
	ch := make(chan struct{})
	s.notifiers[key] = ch
	return ch
}

// AwaitGet blocks until (table, key) is present, honoring ctx.Done() on
// every poll tick rather than looping forever — resolving the spec's open
// question about a cancellable await_get. A per-key notifier wakes the
// caller immediately on write; the poll interval is a safety net for
// notifications missed during notifier registration races.
func (s *Store) AwaitGet(ctx context.Context, table Table, key []byte) ([]byte, error) {
	k := tableKey(table, key)
	for {
		v, found, err := s.Get(table, key)
		if err != nil {
			return nil, err
		}
		if found {
			return v, nil
		}

		ch := s.waiter(string(k))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
			// notified; loop back and re-read
		case <-time.After(pollInterval):
			// safety net; loop back and re-read
		}
	}
}

// ---- Domain-specific accessors ----

// PutSignedUpdate idempotently indexes a SignedUpdate under both its
// previous_root and new_root keys (I1: equal entries in both tables).
func (s *Store) PutSignedUpdate(u nomad.SignedUpdate) (inserted bool, err error) {
	encoded := EncodeSignedUpdate(u)
	insPrev, err := s.PutIfAbsent(TableUpdateByPrev, u.Update.PreviousRoot[:], encoded)
	if err != nil {
		return false, err
	}
	insNew, err := s.PutIfAbsent(TableUpdateByNew, u.Update.NewRoot[:], encoded)
	if err != nil {
		return false, err
	}
	return insPrev || insNew, nil
}

// GetSignedUpdateByOldRoot is a non-blocking lookup by previous_root.
func (s *Store) GetSignedUpdateByOldRoot(root nomad.Root) (*nomad.SignedUpdate, bool, error) {
	v, found, err := s.Get(TableUpdateByPrev, root[:])
	if err != nil || !found {
		return nil, found, err
	}
	u, err := DecodeSignedUpdate(v)
	return u, true, err
}

// AwaitSignedUpdateByOldRoot blocks until an update keyed by previous_root
// is present, honoring ctx cancellation — the Home capability's
// signed_update_by_old_root, resolved against this store.
func (s *Store) AwaitSignedUpdateByOldRoot(ctx context.Context, root nomad.Root) (*nomad.SignedUpdate, error) {
	v, err := s.AwaitGet(ctx, TableUpdateByPrev, root[:])
	if err != nil {
		return nil, err
	}
	return DecodeSignedUpdate(v)
}

// AwaitSignedUpdateByNewRoot blocks until an update keyed by new_root is
// present, honoring ctx cancellation.
func (s *Store) AwaitSignedUpdateByNewRoot(ctx context.Context, root nomad.Root) (*nomad.SignedUpdate, error) {
	v, err := s.AwaitGet(ctx, TableUpdateByNew, root[:])
	if err != nil {
		return nil, err
	}
	return DecodeSignedUpdate(v)
}

// PutMessage idempotently indexes a RawCommittedMessage by leaf index,
// along with the leaf's committed root in the companion table.
func (s *Store) PutMessage(m nomad.RawCommittedMessage) (inserted bool, err error) {
	key := leafKey(m.LeafIndex)
	insMsg, err := s.PutIfAbsent(TableMessageByLeaf, key, EncodeRawCommittedMessage(m))
	if err != nil {
		return false, err
	}
	insLeaf, err := s.PutIfAbsent(TableLeafByIndex, key, append([]byte(nil), m.CommittedRoot[:]...))
	if err != nil {
		return false, err
	}
	return insMsg || insLeaf, nil
}

// GetMessageByLeaf is a non-blocking lookup by dense leaf index.
func (s *Store) GetMessageByLeaf(leafIndex uint32) (*nomad.RawCommittedMessage, bool, error) {
	v, found, err := s.Get(TableMessageByLeaf, leafKey(leafIndex))
	if err != nil || !found {
		return nil, found, err
	}
	m, err := DecodeRawCommittedMessage(v)
	return m, true, err
}

// LatestIndexedBlock returns the sync loop's persisted checkpoint, or
// (0, false) if none has been written yet.
func (s *Store) LatestIndexedBlock() (uint64, bool, error) {
	v, found, err := s.Get(TableLatestIndexedBlock, latestIndexedBlockKey)
	if err != nil || !found {
		return 0, found, err
	}
	if len(v) != 8 {
		return 0, false, nomaderr.Fatal(nil, "store: corrupt latest_indexed_block value length %d", len(v))
	}
	return binary.BigEndian.Uint64(v), true, nil
}

// AdvanceLatestIndexedBlock persists the checkpoint. Must only be called
// after every event in the window has been durably written (C3 step 6).
func (s *Store) AdvanceLatestIndexedBlock(height uint64) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, height)
	return s.put(TableLatestIndexedBlock, latestIndexedBlockKey, b)
}

// RehydrateSeen scans the entire update_by_prev table and returns every
// persisted SignedUpdate, used by the detector's cold-start rehydration
// (S5). Because update_by_prev holds at most one value per previous_root
// (PutIfAbsent never overwrites), the table's scan order never affects the
// resulting "seen" map — a conflicting second update for the same
// previous_root was never persisted here in the first place, only
// delivered live over the sync loop's update channel — so a plain
// ascending-key iterator satisfies the spec's "insertion order" intent.
func (s *Store) RehydrateSeen() ([]nomad.SignedUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := []byte{byte(TableUpdateByPrev)}
	end := []byte{byte(TableUpdateByPrev) + 1}
	it, err := s.kv.Iterator(prefix, end)
	if err != nil {
		return nil, nomaderr.Fatal(err, "store: rehydrate iterator")
	}
	if it == nil {
		return nil, nil
	}
	defer it.Close()

	var out []nomad.SignedUpdate
	for ; it.Valid(); it.Next() {
		u, err := DecodeSignedUpdate(it.Value())
		if err != nil {
			return nil, nomaderr.DataIntegrity(err, "store: rehydrate decode")
		}
		out = append(out, *u)
	}
	return out, nil
}

func leafKey(leafIndex uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, leafIndex)
	return b
}

// EncodeSignedUpdate serializes a SignedUpdate as
// previous_root(32) || new_root(32) || signature(65), the spec's bit-exact
// persisted layout.
func EncodeSignedUpdate(u nomad.SignedUpdate) []byte {
	out := make([]byte, 0, nomad.RootSize*2+nomad.SignatureSize)
	out = append(out, u.Update.PreviousRoot[:]...)
	out = append(out, u.Update.NewRoot[:]...)
	out = append(out, u.Signature[:]...)
	return out
}

// DecodeSignedUpdate reverses EncodeSignedUpdate. The home domain is not
// recoverable from the persisted bytes alone; callers that need it read it
// from the table's owning Store (one Store per Home).
func DecodeSignedUpdate(b []byte) (*nomad.SignedUpdate, error) {
	const want = nomad.RootSize*2 + nomad.SignatureSize
	if len(b) != want {
		return nil, fmt.Errorf("store: signed update wrong length: want %d got %d", want, len(b))
	}
	var u nomad.SignedUpdate
	copy(u.Update.PreviousRoot[:], b[0:32])
	copy(u.Update.NewRoot[:], b[32:64])
	copy(u.Signature[:], b[64:129])
	return &u, nil
}

// EncodeRawCommittedMessage serializes
// leaf_index(u32 LE) || committed_root(32) || message_len(u32 LE) || message.
func EncodeRawCommittedMessage(m nomad.RawCommittedMessage) []byte {
	out := make([]byte, 4+32+4+len(m.Message))
	binary.LittleEndian.PutUint32(out[0:4], m.LeafIndex)
	copy(out[4:36], m.CommittedRoot[:])
	binary.LittleEndian.PutUint32(out[36:40], uint32(len(m.Message)))
	copy(out[40:], m.Message)
	return out
}

// DecodeRawCommittedMessage reverses EncodeRawCommittedMessage.
func DecodeRawCommittedMessage(b []byte) (*nomad.RawCommittedMessage, error) {
	if len(b) < 40 {
		return nil, fmt.Errorf("store: raw committed message too short: %d bytes", len(b))
	}
	m := &nomad.RawCommittedMessage{
		LeafIndex: binary.LittleEndian.Uint32(b[0:4]),
	}
	copy(m.CommittedRoot[:], b[4:36])
	msgLen := binary.LittleEndian.Uint32(b[36:40])
	if uint32(len(b)-40) != msgLen {
		return nil, fmt.Errorf("store: raw committed message length mismatch: header says %d, have %d", msgLen, len(b)-40)
	}
	m.Message = append([]byte(nil), b[40:]...)
	return m, nil
}
