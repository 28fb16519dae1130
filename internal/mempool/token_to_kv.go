package mempool

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/BabyChouSr/sglang/internal/metrics"
)

// TokenToKVPool hands out flat slot indices into the KV cache storage, one
// slot per token. Slots are recycled through a free stack; the pool never
// touches the cache tensors themselves.
type TokenToKVPool struct {
	mu        sync.Mutex
	size      int
	pageSize  int
	freeSlots []int32

	// pages maps a chained block hash to the KV locations of that page,
	// enabling page-aligned prefix reuse across requests. Registered pages
	// must be unregistered before their slots are freed.
	pages map[uint64][]int32
}

func NewTokenToKVPool(size, pageSize int) (*TokenToKVPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid pool size: %d", size)
	}
	if pageSize <= 0 || size%pageSize != 0 {
		return nil, fmt.Errorf("pool size %d not divisible by page size %d", size, pageSize)
	}

	p := &TokenToKVPool{
		size:      size,
		pageSize:  pageSize,
		freeSlots: make([]int32, size),
		pages:     make(map[uint64][]int32),
	}
	for i := 0; i < size; i++ {
		p.freeSlots[i] = int32(size - 1 - i)
	}
	metrics.RecordKVPoolStats(size, 0)
	return p, nil
}

// Alloc reserves n KV slots and returns their indices. The indices are not
// required to be contiguous.
func (p *TokenToKVPool) Alloc(n int) ([]int32, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid allocation size: %d", n)
	}
	if n == 0 {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if n > len(p.freeSlots) {
		metrics.KVPoolAllocFailures.Inc()
		return nil, fmt.Errorf("kv pool exhausted: want %d slots, have %d", n, len(p.freeSlots))
	}
	out := make([]int32, n)
	copy(out, p.freeSlots[len(p.freeSlots)-n:])
	p.freeSlots = p.freeSlots[:len(p.freeSlots)-n]
	metrics.RecordKVPoolStats(p.size, p.size-len(p.freeSlots))
	return out, nil
}

// Free returns slots to the pool.
func (p *TokenToKVPool) Free(locs []int32) {
	if len(locs) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.freeSlots = append(p.freeSlots, locs...)
	metrics.RecordKVPoolStats(p.size, p.size-len(p.freeSlots))
}

func (p *TokenToKVPool) Size() int { return p.size }

func (p *TokenToKVPool) PageSize() int { return p.pageSize }

func (p *TokenToKVPool) AvailableSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.freeSlots)
}

// BlockHash chains a page of token ids onto a previous block hash, so equal
// hashes identify equal token prefixes page by page.
func BlockHash(prev uint64, tokens []int32) uint64 {
	h := xxhash.New()
	var buf [8]byte
	if prev != 0 {
		binary.LittleEndian.PutUint64(buf[:], prev)
		h.Write(buf[:8])
	}
	for _, tok := range tokens {
		binary.LittleEndian.PutUint32(buf[:4], uint32(tok))
		h.Write(buf[:4])
	}
	return h.Sum64()
}

// RegisterPrefix indexes the KV locations of tokens page by page, making the
// prefix reusable by later requests. Partial trailing pages are not indexed.
func (p *TokenToKVPool) RegisterPrefix(tokens, locs []int32) error {
	if len(tokens) != len(locs) {
		return fmt.Errorf("%d tokens but %d locations", len(tokens), len(locs))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var h uint64
	for start := 0; start+p.pageSize <= len(tokens); start += p.pageSize {
		h = BlockHash(h, tokens[start:start+p.pageSize])
		if _, ok := p.pages[h]; ok {
			continue
		}
		page := make([]int32, p.pageSize)
		copy(page, locs[start:start+p.pageSize])
		p.pages[h] = page
	}
	return nil
}

// MatchPrefix returns the KV locations of the longest page-aligned prefix of
// tokens already registered. The result length is always a multiple of the
// page size.
func (p *TokenToKVPool) MatchPrefix(tokens []int32) []int32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var h uint64
	var locs []int32
	for start := 0; start+p.pageSize <= len(tokens); start += p.pageSize {
		h = BlockHash(h, tokens[start:start+p.pageSize])
		page, ok := p.pages[h]
		metrics.RecordPrefixLookup(ok)
		if !ok {
			break
		}
		locs = append(locs, page...)
	}
	return locs
}

// UnregisterPrefix drops the page index entries for tokens. Call before
// freeing the underlying slots.
func (p *TokenToKVPool) UnregisterPrefix(tokens []int32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var h uint64
	for start := 0; start+p.pageSize <= len(tokens); start += p.pageSize {
		h = BlockHash(h, tokens[start:start+p.pageSize])
		delete(p.pages, h)
	}
}
