package store

import (
	"context"
	"testing"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/nomad-xyz/watcher/internal/nomad"
	"github.com/nomad-xyz/watcher/pkg/kvdb"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(kvdb.NewKVAdapter(dbm.NewMemDB()))
}

func TestPutIfAbsentIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	inserted, err := s.PutIfAbsent(TableUpdateByPrev, []byte("k"), []byte("v1"))
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}

	inserted, err = s.PutIfAbsent(TableUpdateByPrev, []byte("k"), []byte("v2"))
	if err != nil || inserted {
		t.Fatalf("second insert: inserted=%v err=%v, want false", inserted, err)
	}

	v, found, err := s.Get(TableUpdateByPrev, []byte("k"))
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if string(v) != "v1" {
		t.Errorf("value = %q, want original %q (not overwritten)", v, "v1")
	}
}

func TestAwaitGetBlocksUntilWritten(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan []byte, 1)
	go func() {
		v, err := s.AwaitGet(ctx, TableUpdateByPrev, []byte("k"))
		if err != nil {
			t.Error(err)
			return
		}
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := s.PutIfAbsent(TableUpdateByPrev, []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}

	select {
	case v := <-done:
		if string(v) != "v" {
			t.Errorf("got %q, want %q", v, "v")
		}
	case <-ctx.Done():
		t.Fatal("AwaitGet did not wake on write")
	}
}

func TestAwaitGetRespectsCancellation(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.AwaitGet(ctx, TableUpdateByPrev, []byte("never-written"))
	if err != context.Canceled {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestSignedUpdateRoundTrip(t *testing.T) {
	u := nomad.SignedUpdate{
		Update: nomad.Update{
			HomeDomain:   7,
			PreviousRoot: nomad.Root{0x01},
			NewRoot:      nomad.Root{0x02},
		},
		Signature: nomad.Signature{0x03},
	}
	encoded := EncodeSignedUpdate(u)
	decoded, err := DecodeSignedUpdate(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Update.PreviousRoot != u.Update.PreviousRoot || decoded.Update.NewRoot != u.Update.NewRoot || decoded.Signature != u.Signature {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, u)
	}
}

func TestPutSignedUpdateIndexesBothRoots(t *testing.T) {
	s := newTestStore(t)
	u := nomad.SignedUpdate{
		Update: nomad.Update{PreviousRoot: nomad.Root{0x01}, NewRoot: nomad.Root{0x02}},
	}
	if _, err := s.PutSignedUpdate(u); err != nil {
		t.Fatal(err)
	}

	byOld, found, err := s.GetSignedUpdateByOldRoot(nomad.Root{0x01})
	if err != nil || !found {
		t.Fatalf("by old root: found=%v err=%v", found, err)
	}
	if byOld.Update.NewRoot != u.Update.NewRoot {
		t.Errorf("by old root mismatch")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	byNew, err := s.AwaitSignedUpdateByNewRoot(ctx, nomad.Root{0x02})
	if err != nil {
		t.Fatal(err)
	}
	if byNew.Update.PreviousRoot != u.Update.PreviousRoot {
		t.Errorf("by new root mismatch")
	}
}

func TestRawCommittedMessageRoundTrip(t *testing.T) {
	m := nomad.RawCommittedMessage{
		LeafIndex:     3,
		CommittedRoot: nomad.Root{0xaa},
		Message:       []byte("hello"),
	}
	encoded := EncodeRawCommittedMessage(m)
	decoded, err := DecodeRawCommittedMessage(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.LeafIndex != m.LeafIndex || decoded.CommittedRoot != m.CommittedRoot || string(decoded.Message) != string(m.Message) {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, m)
	}
}

func TestLatestIndexedBlockCheckpoint(t *testing.T) {
	s := newTestStore(t)

	if _, found, err := s.LatestIndexedBlock(); err != nil || found {
		t.Fatalf("expected no checkpoint yet, found=%v err=%v", found, err)
	}

	if err := s.AdvanceLatestIndexedBlock(42); err != nil {
		t.Fatal(err)
	}
	height, found, err := s.LatestIndexedBlock()
	if err != nil || !found || height != 42 {
		t.Fatalf("height=%d found=%v err=%v, want 42/true", height, found, err)
	}

	if err := s.AdvanceLatestIndexedBlock(100); err != nil {
		t.Fatal(err)
	}
	height, _, _ = s.LatestIndexedBlock()
	if height != 100 {
		t.Errorf("got %d, want 100 (checkpoint mutates in place)", height)
	}
}

func TestRehydrateSeen(t *testing.T) {
	s := newTestStore(t)
	u1 := nomad.SignedUpdate{Update: nomad.Update{PreviousRoot: nomad.Root{0x01}, NewRoot: nomad.Root{0x02}}}
	u2 := nomad.SignedUpdate{Update: nomad.Update{PreviousRoot: nomad.Root{0x03}, NewRoot: nomad.Root{0x04}}}
	if _, err := s.PutSignedUpdate(u1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutSignedUpdate(u2); err != nil {
		t.Fatal(err)
	}

	got, err := s.RehydrateSeen()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d updates, want 2", len(got))
	}
	seen := map[nomad.Root]nomad.Root{}
	for _, u := range got {
		seen[u.Update.PreviousRoot] = u.Update.NewRoot
	}
	if seen[nomad.Root{0x01}] != (nomad.Root{0x02}) || seen[nomad.Root{0x03}] != (nomad.Root{0x04}) {
		t.Errorf("rehydrated set mismatch: %+v", seen)
	}
}
