// Package mempool implements the two allocators the forward-batch assembler
// borrows handles from: a request-tracking pool mapping each in-flight
// request to a row of KV cache locations, and a flat paged pool of KV cache
// slots. Allocation always happens before batch assembly; the assembler only
// threads the handed-out indices through.
package mempool

import (
	"fmt"
	"sync"

	"github.com/BabyChouSr/sglang/internal/metrics"
)

// ReqToTokenPool tracks one slot per in-flight request. Each slot is a row of
// maxContextLen KV cache locations, indexed by token position. Slot indices
// are the req_pool_indices carried by forward batches.
type ReqToTokenPool struct {
	mu            sync.Mutex
	size          int
	maxContextLen int
	freeSlots     []int32
	table         [][]int32
}

func NewReqToTokenPool(size, maxContextLen int) (*ReqToTokenPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid pool size: %d", size)
	}
	if maxContextLen <= 0 {
		return nil, fmt.Errorf("invalid max context len: %d", maxContextLen)
	}

	p := &ReqToTokenPool{
		size:          size,
		maxContextLen: maxContextLen,
		freeSlots:     make([]int32, size),
		table:         make([][]int32, size),
	}
	// Stack order, lowest index on top.
	for i := 0; i < size; i++ {
		p.freeSlots[i] = int32(size - 1 - i)
		p.table[i] = make([]int32, maxContextLen)
	}
	metrics.RecordReqPoolStats(size, 0)
	return p, nil
}

// Alloc reserves one request slot.
func (p *ReqToTokenPool) Alloc() (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.freeSlots) == 0 {
		return -1, fmt.Errorf("req pool exhausted: all %d slots in use", p.size)
	}
	idx := p.freeSlots[len(p.freeSlots)-1]
	p.freeSlots = p.freeSlots[:len(p.freeSlots)-1]
	metrics.RecordReqPoolStats(p.size, p.size-len(p.freeSlots))
	return idx, nil
}

// Free returns a slot to the pool. The row is not cleared; the next owner
// overwrites it as tokens are placed.
func (p *ReqToTokenPool) Free(idx int32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.freeSlots = append(p.freeSlots, idx)
	metrics.RecordReqPoolStats(p.size, p.size-len(p.freeSlots))
}

// WriteTokenLocs records the KV cache locations for a run of token positions
// starting at start in the request's sequence.
func (p *ReqToTokenPool) WriteTokenLocs(idx int32, start int, locs []int32) error {
	if idx < 0 || int(idx) >= p.size {
		return fmt.Errorf("req slot %d out of range [0, %d)", idx, p.size)
	}
	if start < 0 || start+len(locs) > p.maxContextLen {
		return fmt.Errorf("token run [%d, %d) exceeds max context len %d", start, start+len(locs), p.maxContextLen)
	}
	copy(p.table[idx][start:], locs)
	return nil
}

// Entry returns the token->KV-location row for one request slot. The returned
// slice aliases pool memory; callers treat it as read-only.
func (p *ReqToTokenPool) Entry(idx int32) []int32 {
	if idx < 0 || int(idx) >= p.size {
		return nil
	}
	return p.table[idx]
}

func (p *ReqToTokenPool) Size() int { return p.size }

func (p *ReqToTokenPool) AvailableSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.freeSlots)
}
