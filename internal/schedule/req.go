// Package schedule holds the scheduler side of the forward-batch contract:
// per-request bookkeeping and the in-flight batch descriptor handed to the
// assembler. Admission policy itself lives with the engine driver; this
// package only turns a chosen set of requests into a well-formed descriptor.
package schedule

import (
	"github.com/google/uuid"

	"github.com/BabyChouSr/sglang/internal/forward"
)

// Req is one in-flight generation request.
type Req struct {
	RID uuid.UUID

	// OriginInputIDs is the prompt; OutputIDs is everything generated so far.
	OriginInputIDs []int32
	OutputIDs      []int32

	// FillIDs is the token sequence to be resident in the KV cache after the
	// next pass: prompt plus generated tokens. PrefixLen of them are cached
	// already.
	FillIDs   []int32
	PrefixLen int

	// PoolIdx is this request's slot in the request-tracking pool, -1 until
	// allocated.
	PoolIdx int32

	ImageInputs *forward.ImageInputs
	LoRAPath    string

	ReturnLogprob   bool
	TopLogprobsNum  int
	LogprobStartLen int
}

func NewReq(inputIDs []int32) *Req {
	fill := make([]int32, len(inputIDs))
	copy(fill, inputIDs)
	origin := make([]int32, len(inputIDs))
	copy(origin, inputIDs)
	return &Req{
		RID:            uuid.New(),
		OriginInputIDs: origin,
		FillIDs:        fill,
		PoolIdx:        -1,
	}
}

// SeqLen is the total sequence length after the next pass, including the new
// tokens it contributes.
func (r *Req) SeqLen() int { return len(r.FillIDs) }

// ExtendLen is the number of new tokens this request contributes to an extend
// pass. Zero means the fill is fully cached.
func (r *Req) ExtendLen() int { return len(r.FillIDs) - r.PrefixLen }

// AppendOutput records a sampled token. The previous fill is now fully
// cached, and the new token becomes the single uncached tail the next decode
// pass consumes.
func (r *Req) AppendOutput(tokenID int32) {
	r.PrefixLen = len(r.FillIDs)
	r.OutputIDs = append(r.OutputIDs, tokenID)
	r.FillIDs = append(r.FillIDs, tokenID)
}

// LastToken returns the most recent token of the sequence.
func (r *Req) LastToken() int32 { return r.FillIDs[len(r.FillIDs)-1] }
