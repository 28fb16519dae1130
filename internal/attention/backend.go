// Package attention holds the backend side of the forward-batch contract:
// turning one assembled batch record into the per-request span plan a kernel
// consumes. Kernel math itself lives with the device layer; this package owns
// kernel selection and index consumption.
package attention

import (
	"fmt"

	"github.com/BabyChouSr/sglang/internal/forward"
)

// Span locates one request's contribution inside the flat per-token arrays of
// a batch record.
type Span struct {
	// Start is the offset of the request's first new token in the flat
	// InputIDs/Positions/OutCacheLoc arrays.
	Start int32
	// Len is the number of new tokens the request contributes this pass.
	Len int32
	// PrefixLen is the number of tokens already present in the KV cache.
	PrefixLen int32
}

// Plan is the kernel dispatch decision for one forward pass: which kernel
// family runs and where each request's tokens live.
type Plan struct {
	Mode   forward.ForwardMode
	Kernel string
	Spans  []Span
}

// BuildPlan derives the dispatch plan from a batch record. The kernel choice
// is an exhaustive branch on the forward mode.
func BuildPlan(b *forward.Batch) (*Plan, error) {
	plan := &Plan{Mode: b.ForwardMode}

	switch b.ForwardMode {
	case forward.ModeDecode:
		plan.Kernel = "decode_attention"
	case forward.ModeExtend, forward.ModePrefill:
		plan.Kernel = "extend_attention"
	case forward.ModeMixed:
		plan.Kernel = "extend_attention"
	default:
		return nil, fmt.Errorf("unknown forward mode %d", int(b.ForwardMode))
	}

	if b.ForwardMode.IsDecode() {
		plan.Spans = make([]Span, b.BatchSize)
		for i := range plan.Spans {
			plan.Spans[i] = Span{
				Start:     int32(i),
				Len:       1,
				PrefixLen: b.SeqLens[i] - 1,
			}
		}
		return plan, nil
	}

	if b.Extend == nil {
		return nil, fmt.Errorf("%s batch carries no extend payload", b.ForwardMode)
	}
	plan.Spans = make([]Span, b.BatchSize)
	for i := range plan.Spans {
		plan.Spans[i] = Span{
			Start:     b.Extend.StartLoc[i],
			Len:       b.Extend.SeqLens[i],
			PrefixLen: b.Extend.PrefixLens[i],
		}
	}
	return plan, nil
}

// RefBackend is the reference implementation of forward.AttentionBackend. It
// runs no kernels; PrepareForward rebuilds the dispatch plan and verifies
// every index the kernels would consume, which makes it the consumer of
// record invariants in tests and simulation.
type RefBackend struct {
	plan *Plan
}

func NewRefBackend() *RefBackend {
	return &RefBackend{}
}

func (r *RefBackend) Name() string { return "reference" }

// Plan returns the plan built by the last PrepareForward call.
func (r *RefBackend) Plan() *Plan { return r.plan }

// PrepareForward validates the record the way a kernel would address it: the
// spans must partition the flat arrays in request order, positions must form
// the ascending run [prefix, prefix+len) per request, and every cache write
// location must fall inside the KV pool.
func (r *RefBackend) PrepareForward(b *forward.Batch) error {
	plan, err := BuildPlan(b)
	if err != nil {
		return err
	}

	numTokens := int32(len(b.InputIDs))
	if len(b.Positions) != int(numTokens) {
		return fmt.Errorf("positions has %d entries, input_ids has %d", len(b.Positions), numTokens)
	}
	if len(b.OutCacheLoc) != int(numTokens) {
		return fmt.Errorf("out_cache_loc has %d entries, input_ids has %d", len(b.OutCacheLoc), numTokens)
	}

	var next int32
	for i, s := range plan.Spans {
		if s.Start != next {
			return fmt.Errorf("request %d: span starts at %d, expected %d", i, s.Start, next)
		}
		for j := int32(0); j < s.Len; j++ {
			want := int64(s.PrefixLen + j)
			if got := b.Positions[s.Start+j]; got != want {
				return fmt.Errorf("request %d: position[%d] = %d, want %d", i, s.Start+j, got, want)
			}
		}
		next += s.Len
	}
	if next != numTokens {
		return fmt.Errorf("spans cover %d tokens, batch has %d", next, numTokens)
	}

	if b.TokenToKVPool != nil {
		size := int32(b.TokenToKVPool.Size())
		for i, loc := range b.OutCacheLoc {
			if loc < 0 || loc >= size {
				return fmt.Errorf("out_cache_loc[%d] = %d outside kv pool [0, %d)", i, loc, size)
			}
		}
	}

	r.plan = plan
	return nil
}
