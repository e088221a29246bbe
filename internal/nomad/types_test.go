package nomad

import "testing"

func root(b byte) Root {
	var r Root
	r[0] = b
	return r
}

func TestUpdateValidate(t *testing.T) {
	u := Update{HomeDomain: 1000, PreviousRoot: root(1), NewRoot: root(1)}
	if err := u.Validate(); err == nil {
		t.Fatal("expected error when new_root equals previous_root")
	}

	u.NewRoot = root(2)
	if err := u.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewDoubleUpdateCanonicalizesOrder(t *testing.T) {
	a := SignedUpdate{Update: Update{PreviousRoot: root(9), NewRoot: root(3)}, Signature: Signature{1}}
	b := SignedUpdate{Update: Update{PreviousRoot: root(9), NewRoot: root(2)}, Signature: Signature{2}}

	du1, err := NewDoubleUpdate(a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	du2, err := NewDoubleUpdate(b, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if du1 != du2 {
		t.Fatalf("double update not canonicalized: %+v != %+v", du1, du2)
	}
	if !du1.NewRoots[0].Less(du1.NewRoots[1]) {
		t.Fatal("expected new_roots sorted ascending")
	}
}

func TestNewDoubleUpdateRejectsMismatch(t *testing.T) {
	a := SignedUpdate{Update: Update{PreviousRoot: root(1), NewRoot: root(2)}}
	b := SignedUpdate{Update: Update{PreviousRoot: root(9), NewRoot: root(3)}}
	if _, err := NewDoubleUpdate(a, b); err == nil {
		t.Fatal("expected error for mismatched previous_root")
	}

	c := SignedUpdate{Update: Update{PreviousRoot: root(1), NewRoot: root(2)}}
	if _, err := NewDoubleUpdate(a, c); err == nil {
		t.Fatal("expected error when new_root values collide")
	}
}
