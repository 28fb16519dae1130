package mempool

import (
	"testing"
)

func TestReqToTokenPoolLifecycle(t *testing.T) {
	p, err := NewReqToTokenPool(4, 128)
	if err != nil {
		t.Fatalf("NewReqToTokenPool: %v", err)
	}
	if p.AvailableSize() != 4 {
		t.Errorf("available = %d, want 4", p.AvailableSize())
	}

	seen := make(map[int32]bool)
	for i := 0; i < 4; i++ {
		idx, err := p.Alloc()
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		if seen[idx] {
			t.Errorf("slot %d handed out twice", idx)
		}
		seen[idx] = true
	}
	if _, err := p.Alloc(); err == nil {
		t.Error("expected exhaustion error")
	}

	p.Free(2)
	idx, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc after free: %v", err)
	}
	if idx != 2 {
		t.Errorf("recycled slot = %d, want 2", idx)
	}
}

func TestReqToTokenPoolWriteTokenLocs(t *testing.T) {
	p, err := NewReqToTokenPool(2, 8)
	if err != nil {
		t.Fatalf("NewReqToTokenPool: %v", err)
	}
	idx, _ := p.Alloc()

	if err := p.WriteTokenLocs(idx, 2, []int32{70, 71, 72}); err != nil {
		t.Fatalf("WriteTokenLocs: %v", err)
	}
	row := p.Entry(idx)
	for j, want := range []int32{70, 71, 72} {
		if row[2+j] != want {
			t.Errorf("row[%d] = %d, want %d", 2+j, row[2+j], want)
		}
	}

	if err := p.WriteTokenLocs(idx, 6, []int32{1, 2, 3}); err == nil {
		t.Error("expected overflow error past max context len")
	}
	if err := p.WriteTokenLocs(99, 0, []int32{1}); err == nil {
		t.Error("expected out-of-range slot error")
	}
	if p.Entry(99) != nil {
		t.Error("Entry for out-of-range slot should be nil")
	}
}

func TestTokenToKVPoolAllocFree(t *testing.T) {
	p, err := NewTokenToKVPool(64, 16)
	if err != nil {
		t.Fatalf("NewTokenToKVPool: %v", err)
	}
	if p.Size() != 64 || p.AvailableSize() != 64 {
		t.Fatalf("size = %d, available = %d", p.Size(), p.AvailableSize())
	}

	locs, err := p.Alloc(10)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(locs) != 10 {
		t.Fatalf("got %d locs, want 10", len(locs))
	}
	seen := make(map[int32]bool)
	for _, l := range locs {
		if l < 0 || l >= 64 {
			t.Errorf("loc %d out of range", l)
		}
		if seen[l] {
			t.Errorf("loc %d handed out twice", l)
		}
		seen[l] = true
	}
	if p.AvailableSize() != 54 {
		t.Errorf("available = %d, want 54", p.AvailableSize())
	}

	if _, err := p.Alloc(55); err == nil {
		t.Error("expected exhaustion error")
	}

	p.Free(locs)
	if p.AvailableSize() != 64 {
		t.Errorf("available after free = %d, want 64", p.AvailableSize())
	}

	if got, err := p.Alloc(0); err != nil || got != nil {
		t.Errorf("Alloc(0) = %v, %v; want nil, nil", got, err)
	}
	if _, err := p.Alloc(-1); err == nil {
		t.Error("expected error for negative allocation")
	}
}

func TestNewTokenToKVPoolRejectsBadShape(t *testing.T) {
	if _, err := NewTokenToKVPool(0, 16); err == nil {
		t.Error("expected error for zero size")
	}
	if _, err := NewTokenToKVPool(100, 16); err == nil {
		t.Error("expected error for non-page-aligned size")
	}
	if _, err := NewReqToTokenPool(0, 10); err == nil {
		t.Error("expected error for zero req pool size")
	}
}

func TestBlockHashChaining(t *testing.T) {
	a := []int32{1, 2, 3, 4}
	b := []int32{5, 6, 7, 8}

	h1 := BlockHash(0, a)
	h2 := BlockHash(h1, b)

	if h1 == h2 {
		t.Error("chained hash equals first block hash")
	}
	if BlockHash(0, a) != h1 {
		t.Error("hash not deterministic")
	}
	// Same second block under a different prefix must not collide trivially.
	if BlockHash(BlockHash(0, b), b) == h2 {
		t.Error("chain ignores prefix hash")
	}
}

func TestPrefixRegisterMatch(t *testing.T) {
	p, err := NewTokenToKVPool(64, 4)
	if err != nil {
		t.Fatalf("NewTokenToKVPool: %v", err)
	}

	tokens := []int32{10, 11, 12, 13, 14, 15, 16, 17, 18, 19} // 2.5 pages
	locs, _ := p.Alloc(len(tokens))
	if err := p.RegisterPrefix(tokens, locs); err != nil {
		t.Fatalf("RegisterPrefix: %v", err)
	}

	// Full-prefix lookup matches the two whole pages, not the partial tail.
	match := p.MatchPrefix(tokens)
	if len(match) != 8 {
		t.Fatalf("matched %d locs, want 8", len(match))
	}
	for i := 0; i < 8; i++ {
		if match[i] != locs[i] {
			t.Errorf("match[%d] = %d, want %d", i, match[i], locs[i])
		}
	}

	// A diverging second page only matches the first.
	diverged := append([]int32{10, 11, 12, 13}, 99, 99, 99, 99)
	if got := p.MatchPrefix(diverged); len(got) != 4 {
		t.Errorf("diverged prefix matched %d locs, want 4", len(got))
	}

	// Shorter than a page matches nothing.
	if got := p.MatchPrefix(tokens[:3]); got != nil {
		t.Errorf("sub-page prefix matched %v", got)
	}

	p.UnregisterPrefix(tokens)
	if got := p.MatchPrefix(tokens); got != nil {
		t.Errorf("match after unregister: %v", got)
	}

	if err := p.RegisterPrefix(tokens, locs[:4]); err == nil {
		t.Error("expected length mismatch error")
	}
}
