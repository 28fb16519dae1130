package schedule

import (
	"fmt"

	"github.com/BabyChouSr/sglang/internal/forward"
	"github.com/BabyChouSr/sglang/internal/mempool"
)

// Batch is the in-flight batch the scheduler hands to the assembler: the
// chosen requests plus the flat bookkeeping arrays, all in request order.
// Cache slots are reserved at construction, before assembly ever runs.
type Batch struct {
	Reqs []*Req
	Mode forward.ForwardMode

	InputIDs       []int32
	ReqPoolIndices []int32
	SeqLens        []int32
	OutCacheLoc    []int32

	// Extend bookkeeping; nil on decode batches.
	PrefixLens []int32
	ExtendLens []int32

	ReturnLogprob          bool
	TopLogprobsNums        []int
	ExtendLogprobStartLens []int

	reqPool *mempool.ReqToTokenPool
	kvPool  *mempool.TokenToKVPool
	backend forward.AttentionBackend
}

func (b *Batch) BatchSize() int { return len(b.Reqs) }

// NewExtendBatch builds a batch for an extend-bearing pass. Mode must be
// extend, mixed, or the deprecated prefill tag. For every request it reserves
// a request slot if needed, allocates one KV slot per new token, and records
// the slot locations in the request pool.
func NewExtendBatch(mode forward.ForwardMode, reqs []*Req, reqPool *mempool.ReqToTokenPool, kvPool *mempool.TokenToKVPool, backend forward.AttentionBackend) (*Batch, error) {
	if mode.IsDecode() || !mode.Valid() {
		return nil, fmt.Errorf("mode %s cannot carry extend requests", mode)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no requests")
	}

	b := &Batch{
		Reqs:    reqs,
		Mode:    mode,
		reqPool: reqPool,
		kvPool:  kvPool,
		backend: backend,
	}

	total := 0
	for _, r := range reqs {
		if r.ExtendLen() < 0 {
			return nil, fmt.Errorf("request %s: prefix %d exceeds fill %d", r.RID, r.PrefixLen, len(r.FillIDs))
		}
		total += r.ExtendLen()
	}
	locs, err := kvPool.Alloc(total)
	if err != nil {
		return nil, fmt.Errorf("reserving %d kv slots: %w", total, err)
	}

	// On failure every slot taken during this call goes back, including
	// request slots handed to earlier requests in the same batch.
	var fresh []*Req
	release := func() {
		kvPool.Free(locs)
		for _, r := range fresh {
			reqPool.Free(r.PoolIdx)
			r.PoolIdx = -1
		}
	}

	used := 0
	for _, r := range reqs {
		if r.PoolIdx < 0 {
			idx, err := reqPool.Alloc()
			if err != nil {
				release()
				return nil, fmt.Errorf("request %s: %w", r.RID, err)
			}
			r.PoolIdx = idx
			fresh = append(fresh, r)
		}

		n := r.ExtendLen()
		reqLocs := locs[used : used+n]
		used += n
		if err := reqPool.WriteTokenLocs(r.PoolIdx, r.PrefixLen, reqLocs); err != nil {
			release()
			return nil, fmt.Errorf("request %s: %w", r.RID, err)
		}

		b.InputIDs = append(b.InputIDs, r.FillIDs[r.PrefixLen:]...)
		b.OutCacheLoc = append(b.OutCacheLoc, reqLocs...)
		b.ReqPoolIndices = append(b.ReqPoolIndices, r.PoolIdx)
		b.SeqLens = append(b.SeqLens, int32(r.SeqLen()))
		b.PrefixLens = append(b.PrefixLens, int32(r.PrefixLen))
		b.ExtendLens = append(b.ExtendLens, int32(n))
	}

	b.fillLogprobFields()
	return b, nil
}

// NewDecodeBatch builds a batch for a decode pass: one new token per request,
// the last sampled one, with one KV slot reserved for it.
func NewDecodeBatch(reqs []*Req, reqPool *mempool.ReqToTokenPool, kvPool *mempool.TokenToKVPool, backend forward.AttentionBackend) (*Batch, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no requests")
	}

	b := &Batch{
		Reqs:    reqs,
		Mode:    forward.ModeDecode,
		reqPool: reqPool,
		kvPool:  kvPool,
		backend: backend,
	}

	locs, err := kvPool.Alloc(len(reqs))
	if err != nil {
		return nil, fmt.Errorf("reserving %d kv slots: %w", len(reqs), err)
	}

	for i, r := range reqs {
		if r.PoolIdx < 0 {
			kvPool.Free(locs)
			return nil, fmt.Errorf("request %s: decode before any extend pass", r.RID)
		}
		if r.ExtendLen() != 1 {
			kvPool.Free(locs)
			return nil, fmt.Errorf("request %s: decode with %d uncached tokens", r.RID, r.ExtendLen())
		}
		if err := reqPool.WriteTokenLocs(r.PoolIdx, r.PrefixLen, locs[i:i+1]); err != nil {
			kvPool.Free(locs)
			return nil, fmt.Errorf("request %s: %w", r.RID, err)
		}

		b.InputIDs = append(b.InputIDs, r.LastToken())
		b.OutCacheLoc = append(b.OutCacheLoc, locs[i])
		b.ReqPoolIndices = append(b.ReqPoolIndices, r.PoolIdx)
		b.SeqLens = append(b.SeqLens, int32(r.SeqLen()))
	}

	b.fillLogprobFields()
	return b, nil
}

// fillLogprobFields derives the batch-wide logprob flag and per-request top-k
// counts. The flag is set when any request asks for logprobs; the array is
// then fully populated, zero for requests that asked for none.
func (b *Batch) fillLogprobFields() {
	for _, r := range b.Reqs {
		if r.ReturnLogprob {
			b.ReturnLogprob = true
			break
		}
	}
	if !b.ReturnLogprob {
		return
	}

	b.TopLogprobsNums = make([]int, len(b.Reqs))
	for i, r := range b.Reqs {
		b.TopLogprobsNums[i] = r.TopLogprobsNum
	}
	if !b.Mode.IsDecode() {
		b.ExtendLogprobStartLens = make([]int, len(b.Reqs))
		for i, r := range b.Reqs {
			// Relative to this pass's new tokens, clamped to the span.
			start := r.LogprobStartLen - r.PrefixLen
			if start < 0 {
				start = 0
			}
			if n := r.ExtendLen(); start > n {
				start = n
			}
			b.ExtendLogprobStartLens[i] = start
		}
	}
}

// Descriptor exposes the batch in the form the assembler consumes. The
// returned descriptor shares the batch's arrays; the assembler copies them
// and never mutates the descriptor.
func (b *Batch) Descriptor() *forward.Descriptor {
	desc := &forward.Descriptor{
		Mode:                   b.Mode,
		InputIDs:               b.InputIDs,
		OutCacheLoc:            b.OutCacheLoc,
		ReqPoolIndices:         b.ReqPoolIndices,
		SeqLens:                b.SeqLens,
		PrefixLens:             b.PrefixLens,
		ExtendLens:             b.ExtendLens,
		ReturnLogprob:          b.ReturnLogprob,
		TopLogprobsNums:        b.TopLogprobsNums,
		ExtendLogprobStartLens: b.ExtendLogprobStartLens,
		LoRAPaths:              make([]string, len(b.Reqs)),
		ReqToTokenPool:         b.reqPool,
		TokenToKVPool:          b.kvPool,
		AttnBackend:            b.backend,
	}
	for i, r := range b.Reqs {
		desc.LoRAPaths[i] = r.LoRAPath
	}
	if !b.Mode.IsDecode() {
		desc.ImageInputs = make([]*forward.ImageInputs, len(b.Reqs))
		for i, r := range b.Reqs {
			desc.ImageInputs[i] = r.ImageInputs
		}
	}
	return desc
}

// Retract releases every slot the batch holds, used when a pass fails before
// dispatch. Requests keep their pool rows only if they had cached tokens
// before this batch.
func (b *Batch) Retract() {
	b.kvPool.Free(b.OutCacheLoc)
	for _, r := range b.Reqs {
		if r.PrefixLen == 0 && r.PoolIdx >= 0 {
			b.reqPool.Free(r.PoolIdx)
			r.PoolIdx = -1
		}
	}
}
