package pseudonym

import (
	"errors"
	"sync"
	"testing"

	"v2x-privacy/go-backend/internal/testutil/entropy"
)

func TestGetOrCreateIsStable(t *testing.T) {
	r := NewRegistry()
	first, err := r.GetOrCreate(1)
	if err != nil {
		t.Fatalf("get or create failed: %v", err)
	}
	if !Valid(first) {
		t.Fatalf("expected 32-char lowercase hex, got %q", first)
	}
	second, err := r.GetOrCreate(1)
	if err != nil {
		t.Fatalf("get or create failed: %v", err)
	}
	if first != second {
		t.Fatalf("pseudonym changed without rotation: %s != %s", first, second)
	}
	other, err := r.GetOrCreate(2)
	if err != nil {
		t.Fatalf("get or create failed: %v", err)
	}
	if other == first {
		t.Fatal("distinct nodes must get distinct pseudonyms")
	}
	if id, ok := r.Lookup(first); !ok || id != 1 {
		t.Fatalf("lookup failed: id=%d ok=%v", id, ok)
	}
	if r.Len() != 2 {
		t.Fatalf("unexpected registry size %d", r.Len())
	}
}

func TestRotateReplacesPseudonym(t *testing.T) {
	r := NewRegistry()
	old, err := r.GetOrCreate(1)
	if err != nil {
		t.Fatalf("get or create failed: %v", err)
	}
	rotated, err := r.Rotate(1)
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if rotated == old {
		t.Fatal("rotate must issue a new pseudonym")
	}
	if _, ok := r.Lookup(old); ok {
		t.Fatal("old pseudonym must not resolve after rotation")
	}
	current, err := r.GetOrCreate(1)
	if err != nil {
		t.Fatalf("get or create failed: %v", err)
	}
	if current != rotated {
		t.Fatalf("expected rotated pseudonym, got %s", current)
	}
	if r.Len() != 1 {
		t.Fatalf("expected exactly one pseudonym, got %d", r.Len())
	}
}

func TestRotateRemovesStaleDuplicates(t *testing.T) {
	r := NewRegistry()
	r.byPse["00000000000000000000000000000001"] = 4
	r.byPse["00000000000000000000000000000002"] = 4
	r.byPse["00000000000000000000000000000003"] = 5
	if _, err := r.Rotate(4); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("expected stale duplicates removed, got %d entries", r.Len())
	}
	if _, ok := r.Lookup("00000000000000000000000000000003"); !ok {
		t.Fatal("other nodes must keep their pseudonyms")
	}
}

func TestRotateUnknownNodeCreates(t *testing.T) {
	r := NewRegistry()
	p, err := r.Rotate(8)
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if id, ok := r.Lookup(p); !ok || id != 8 {
		t.Fatal("rotate must insert a pseudonym for a node without one")
	}
}

func TestRevoke(t *testing.T) {
	r := NewRegistry()
	p, err := r.GetOrCreate(1)
	if err != nil {
		t.Fatalf("get or create failed: %v", err)
	}
	if !r.Revoke(1) {
		t.Fatal("expected revoke to report removal")
	}
	if r.Revoke(1) {
		t.Fatal("second revoke should report nothing removed")
	}
	if _, ok := r.Lookup(p); ok {
		t.Fatal("revoked pseudonym must not resolve")
	}
	if r.Len() != 0 {
		t.Fatalf("revoked node must have no pseudonym left, got %d entries", r.Len())
	}
	fresh, err := r.GetOrCreate(1)
	if err != nil {
		t.Fatalf("get or create failed: %v", err)
	}
	if fresh == p {
		t.Fatal("expected a fresh pseudonym after revocation")
	}
}

func TestEntropyFailureLeavesStateUntouched(t *testing.T) {
	r := NewRegistry()
	p, err := r.GetOrCreate(1)
	if err != nil {
		t.Fatalf("get or create failed: %v", err)
	}
	r.rand = entropy.Failing{}
	if _, err := r.Rotate(1); !errors.Is(err, ErrEntropy) {
		t.Fatalf("expected ErrEntropy, got %v", err)
	}
	if _, ok := r.Lookup(p); !ok {
		t.Fatal("failed rotation must keep the old pseudonym")
	}

	empty := newRegistryWithReader(entropy.Failing{})
	if _, err := empty.GetOrCreate(2); !errors.Is(err, ErrEntropy) {
		t.Fatalf("expected ErrEntropy, got %v", err)
	}
}

func TestConcurrentGetOrCreateAssignsOnePseudonym(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	results := make([]string, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.GetOrCreate(7)
			if err != nil {
				t.Errorf("get or create failed: %v", err)
				return
			}
			results[i] = p
		}(i)
	}
	wg.Wait()
	for _, p := range results {
		if p != results[0] {
			t.Fatalf("concurrent callers saw different pseudonyms: %s vs %s", p, results[0])
		}
	}
	if r.Len() != 1 {
		t.Fatalf("expected one pseudonym, got %d", r.Len())
	}
}

func TestValid(t *testing.T) {
	cases := map[string]bool{
		"0123456789abcdef0123456789abcdef":  true,
		"0123456789ABCDEF0123456789abcdef":  false,
		"0123456789abcdef0123456789abcde":   false,
		"0123456789abcdef0123456789abcdeg":  false,
		"0123456789abcdef0123456789abcdef0": false,
	}
	for in, want := range cases {
		if got := Valid(in); got != want {
			t.Fatalf("Valid(%q) = %v, want %v", in, got, want)
		}
	}
}
