package resource

import "testing"

func TestOptimisticValidateAndUpdate(t *testing.T) {
	o := NewOptimisticLockManager()

	v := o.AcquireLock("doc")
	if v != 1 {
		t.Fatalf("first version = %d, want 1", v)
	}

	if !o.ValidateAndUpdate("doc", "a1", v) {
		t.Fatal("update with current version must succeed")
	}
	if o.Version("doc") != 2 {
		t.Fatalf("version = %d, want 2 after update", o.Version("doc"))
	}

	// Stale version fails and leaves state untouched.
	if o.ValidateAndUpdate("doc", "a2", v) {
		t.Fatal("update with stale version must fail")
	}
	if o.Version("doc") != 2 {
		t.Fatalf("version = %d, stale update must not mutate", o.Version("doc"))
	}
}

func TestOptimisticUnknownResource(t *testing.T) {
	o := NewOptimisticLockManager()

	if o.Version("ghost") != 0 {
		t.Fatal("untracked resource must report version 0")
	}
	if o.ValidateAndUpdate("ghost", "a1", 1) {
		t.Fatal("update on untracked resource must fail")
	}
}

func TestOptimisticConcurrentWriters(t *testing.T) {
	o := NewOptimisticLockManager()
	v := o.AcquireLock("doc")

	// Both writers read version 1; only one commit wins.
	first := o.ValidateAndUpdate("doc", "a1", v)
	second := o.ValidateAndUpdate("doc", "a2", v)
	if !first || second {
		t.Fatalf("commits = (%v, %v), want exactly the first to win", first, second)
	}
}
