package detector

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/nomad-xyz/watcher/internal/nomad"
	"github.com/nomad-xyz/watcher/internal/store"
	"github.com/nomad-xyz/watcher/pkg/kvdb"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(kvdb.NewKVAdapter(dbm.NewMemDB()))
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestDetectorEmitsOnConflictingUpdates(t *testing.T) {
	st := newTestStore(t)
	updates := make(chan nomad.SignedUpdate, 2)
	d := New("moonbeam", st, updates, testLogger())

	prev := nomad.Root{0x01}
	a := nomad.SignedUpdate{Update: nomad.Update{PreviousRoot: prev, NewRoot: nomad.Root{0x02}}, Signature: nomad.Signature{0x0a}}
	b := nomad.SignedUpdate{Update: nomad.Update{PreviousRoot: prev, NewRoot: nomad.Root{0x03}}, Signature: nomad.Signature{0x0b}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := d.Run(ctx)
	updates <- a
	updates <- b

	select {
	case du := <-out:
		if du.PreviousRoot != prev {
			t.Errorf("previous_root = %s, want %s", du.PreviousRoot, prev)
		}
		if du.NewRoots[0] == du.NewRoots[1] {
			t.Error("expected two distinct new roots")
		}
	case <-ctx.Done():
		t.Fatal("expected a DoubleUpdate, got none")
	}
}

func TestDetectorIgnoresDuplicateUpdates(t *testing.T) {
	st := newTestStore(t)
	updates := make(chan nomad.SignedUpdate, 2)
	d := New("moonbeam", st, updates, testLogger())

	u := nomad.SignedUpdate{Update: nomad.Update{PreviousRoot: nomad.Root{0x01}, NewRoot: nomad.Root{0x02}}}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	out := d.Run(ctx)
	updates <- u
	updates <- u // identical replay, not a conflict

	select {
	case du := <-out:
		t.Fatalf("expected no DoubleUpdate for a duplicate, got %+v", du)
	case <-ctx.Done():
		// expected: the detector never trips on a duplicate
	}
}

func TestDetectorEmitsAtMostOncePerLifetime(t *testing.T) {
	st := newTestStore(t)
	updates := make(chan nomad.SignedUpdate, 4)
	d := New("moonbeam", st, updates, testLogger())

	prev := nomad.Root{0x01}
	a := nomad.SignedUpdate{Update: nomad.Update{PreviousRoot: prev, NewRoot: nomad.Root{0x02}}}
	b := nomad.SignedUpdate{Update: nomad.Update{PreviousRoot: prev, NewRoot: nomad.Root{0x03}}}
	c := nomad.SignedUpdate{Update: nomad.Update{PreviousRoot: prev, NewRoot: nomad.Root{0x04}}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out := d.Run(ctx)
	updates <- a
	updates <- b
	updates <- c

	first := <-out
	if first.PreviousRoot != prev {
		t.Fatalf("unexpected first emission: %+v", first)
	}
	if _, ok := <-out; ok {
		t.Fatal("expected the output channel to close after the first emission")
	}
}

func TestDetectorRehydrateSeedsSeenMap(t *testing.T) {
	st := newTestStore(t)
	prior := nomad.SignedUpdate{Update: nomad.Update{PreviousRoot: nomad.Root{0x01}, NewRoot: nomad.Root{0x02}}}
	if _, err := st.PutSignedUpdate(prior); err != nil {
		t.Fatal(err)
	}

	updates := make(chan nomad.SignedUpdate, 1)
	d := New("moonbeam", st, updates, testLogger())
	if err := d.Rehydrate(); err != nil {
		t.Fatal(err)
	}

	conflicting := nomad.SignedUpdate{Update: nomad.Update{PreviousRoot: nomad.Root{0x01}, NewRoot: nomad.Root{0x99}}}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out := d.Run(ctx)
	updates <- conflicting

	select {
	case du := <-out:
		if du.PreviousRoot != (nomad.Root{0x01}) {
			t.Errorf("unexpected previous_root %s", du.PreviousRoot)
		}
	case <-ctx.Done():
		t.Fatal("expected a DoubleUpdate against the rehydrated update")
	}
}
