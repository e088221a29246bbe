package substrate

import (
	"context"
	"testing"

	"github.com/nomad-xyz/watcher/internal/nomad"
	"github.com/nomad-xyz/watcher/internal/nomaderr"
)

func TestEncodeDoubleUpdateCall(t *testing.T) {
	du := nomad.DoubleUpdate{
		PreviousRoot: nomad.Root{0x01},
		NewRoots:     [2]nomad.Root{{0x02}, {0x03}},
		Signatures:   [2]nomad.Signature{{0x0a}, {0x0b}},
	}
	encoded := encodeDoubleUpdateCall(du)

	want := 32 + 32 + 32 // previous root + two new roots
	want += len(encodeBytes(du.Signatures[0][:]))
	want += len(encodeBytes(du.Signatures[1][:]))
	if len(encoded) != want {
		t.Fatalf("got %d bytes, want %d", len(encoded), want)
	}
	if !bytesEqual(encoded[0:32], du.PreviousRoot[:]) {
		t.Error("previous root not encoded first")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestUnimplementedCapabilitiesReturnConfigErrors(t *testing.T) {
	d, err := Dial(context.Background(), "http://localhost:9933", Config{LocalDomain: 5})
	if err != nil {
		t.Fatal(err)
	}

	if d.Platform() != "substrate" {
		t.Errorf("platform = %q", d.Platform())
	}
	if d.Home().LocalDomain() != 5 {
		t.Errorf("local domain = %d, want 5", d.Home().LocalDomain())
	}

	checkConfigError := func(name string, err error) {
		t.Helper()
		if err == nil {
			t.Errorf("%s: expected an error", name)
			return
		}
		if kind, ok := nomaderr.KindOf(err); !ok || kind != nomaderr.KindConfig {
			t.Errorf("%s: got kind %v, want ConfigError", name, kind)
		}
	}

	_, err = d.Home().CommittedRoot(context.Background())
	checkConfigError("CommittedRoot", err)

	_, err = d.RecoverUpdateSigner(nomad.SignedUpdate{})
	checkConfigError("RecoverUpdateSigner", err)

	_, err = d.WatcherAddress()
	checkConfigError("WatcherAddress", err)

	if _, ok := d.ConnectionManager("ethereum"); ok {
		t.Error("expected no ConnectionManager support yet")
	}
}
