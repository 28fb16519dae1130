// Package forward assembles the per-pass metadata record consumed by the
// attention backend and the KV cache pools. It translates the scheduler's
// request-level bookkeeping (variable-length, per-request) into flat,
// kernel-ready arrays whose shapes and offsets are mutually consistent.
package forward

import (
	"errors"
	"fmt"
	"time"

	"github.com/BabyChouSr/sglang/internal/logger"
	"github.com/BabyChouSr/sglang/internal/metrics"
)

var (
	// ErrInvalidBatch reports per-request arrays whose lengths disagree with
	// the batch size, or a batch shape the declared mode cannot satisfy.
	ErrInvalidBatch = errors.New("invalid batch")

	// ErrConfiguration reports a mode/field mismatch in the descriptor, e.g.
	// extend bookkeeping supplied under decode mode. Always a caller bug.
	ErrConfiguration = errors.New("configuration error")
)

// ImageInputs is the multimodal payload a request can carry into an extend
// pass. The pixel data itself lives with the model executor; this core only
// threads identity and placement through to the backend.
type ImageInputs struct {
	Hashes         []uint64
	ImageOffsets   []int32
	PadValues      []int32
	NumImageTokens int
}

// ReqTokenPool is the request-tracking pool handle carried by a batch record.
// The pool is owned by the scheduler side; the record only borrows it.
type ReqTokenPool interface {
	// Entry returns the token->KV-location row for one request slot.
	Entry(idx int32) []int32
}

// KVPool is the paged token-to-KV pool handle carried by a batch record. Slot
// allocation happens before assembly; the record never allocates or frees.
type KVPool interface {
	Size() int
	AvailableSize() int
}

// AttentionBackend consumes a finished batch record, branching its kernel
// selection on the forward mode.
type AttentionBackend interface {
	Name() string
	PrepareForward(*Batch) error
}

// Descriptor is the in-flight batch as handed over by the scheduler: flat
// per-request arrays in request order, with cache slots already reserved by
// the KV pool. The assembler reads it and never mutates it.
type Descriptor struct {
	Mode ForwardMode

	// One entry per new token, concatenated in request order.
	InputIDs    []int32
	OutCacheLoc []int32

	// One entry per request.
	ReqPoolIndices []int32
	SeqLens        []int32

	// Extend bookkeeping; must be nil for decode batches and present for
	// extend-bearing ones.
	PrefixLens []int32
	ExtendLens []int32

	ReturnLogprob          bool
	TopLogprobsNums        []int
	ExtendLogprobStartLens []int

	ImageInputs []*ImageInputs
	LoRAPaths   []string

	ReqToTokenPool ReqTokenPool
	TokenToKVPool  KVPool
	AttnBackend    AttentionBackend
}

// ExtendInfo is the extend-only payload of a batch record. A decode record
// carries a nil ExtendInfo, so extend offsets cannot even be addressed there.
type ExtendInfo struct {
	SeqLens    []int32
	PrefixLens []int32
	// StartLoc[i] is the offset of request i's new tokens within the flat
	// InputIDs/Positions arrays: the exclusive prefix sum of SeqLens.
	StartLoc []int32

	// Host-resident mirrors used for logprob slicing after the pass without a
	// device round-trip.
	SeqLensCPU          []int
	LogprobStartLensCPU []int
}

// Batch is the metadata record for exactly one forward pass. It is built
// fresh by NewBatch, read-only while the kernels run, and discarded after the
// pass. Every flat array keeps the descriptor's request order.
type Batch struct {
	ForwardMode ForwardMode
	BatchSize   int

	InputIDs       []int32
	ReqPoolIndices []int32
	SeqLens        []int32
	OutCacheLoc    []int32
	Positions      []int64

	// Extend is nil unless the mode is extend-bearing.
	Extend *ExtendInfo

	ReturnLogprob   bool
	TopLogprobsNums []int

	// ImageInputs is populated only on extend passes; decode passes never
	// introduce new image tokens.
	ImageInputs []*ImageInputs
	LoRAPaths   []string

	// Borrowed handles, owned by their subsystems.
	ReqToTokenPool ReqTokenPool
	TokenToKVPool  KVPool
	AttnBackend    AttentionBackend
}

// NumTokens returns the number of new tokens this pass contributes.
func (b *Batch) NumTokens() int { return len(b.InputIDs) }

// NewBatch assembles the metadata record for one forward pass from the
// scheduler's descriptor. It validates the descriptor's shape against the
// declared mode, computes positions and extend offsets, and copies every
// array so the record never aliases caller memory. On any error no partial
// record is produced.
func NewBatch(desc *Descriptor) (*Batch, error) {
	start := time.Now()

	if err := validate(desc); err != nil {
		metrics.RecordBatchRejected(desc.Mode.String(), rejectReason(err))
		return nil, err
	}

	b := &Batch{
		ForwardMode:     desc.Mode,
		BatchSize:       len(desc.SeqLens),
		InputIDs:        cloneInt32(desc.InputIDs),
		ReqPoolIndices:  cloneInt32(desc.ReqPoolIndices),
		SeqLens:         cloneInt32(desc.SeqLens),
		OutCacheLoc:     cloneInt32(desc.OutCacheLoc),
		ReturnLogprob:   desc.ReturnLogprob,
		TopLogprobsNums: cloneInts(desc.TopLogprobsNums),
		LoRAPaths:       cloneStrings(desc.LoRAPaths),
		ReqToTokenPool:  desc.ReqToTokenPool,
		TokenToKVPool:   desc.TokenToKVPool,
		AttnBackend:     desc.AttnBackend,
	}

	if desc.Mode.IsDecode() {
		positions, err := decodePositions(desc.SeqLens)
		if err != nil {
			metrics.RecordBatchRejected(desc.Mode.String(), rejectReason(err))
			return nil, err
		}
		b.Positions = positions
	} else {
		positions, startLoc, err := extendPositions(desc.PrefixLens, desc.ExtendLens)
		if err != nil {
			metrics.RecordBatchRejected(desc.Mode.String(), rejectReason(err))
			return nil, err
		}
		b.Positions = positions
		b.Extend = &ExtendInfo{
			SeqLens:             cloneInt32(desc.ExtendLens),
			PrefixLens:          cloneInt32(desc.PrefixLens),
			StartLoc:            startLoc,
			SeqLensCPU:          toInts(desc.ExtendLens),
			LogprobStartLensCPU: cloneInts(desc.ExtendLogprobStartLens),
		}
		b.ImageInputs = cloneImages(desc.ImageInputs)
	}

	metrics.RecordForwardBatch(b.ForwardMode.String(), b.BatchSize, b.NumTokens(), time.Since(start))
	logger.Log.Debug("assembled forward batch",
		"mode", b.ForwardMode.String(),
		"batch_size", b.BatchSize,
		"num_tokens", b.NumTokens())
	return b, nil
}

// validate checks the descriptor's shape against its declared mode before any
// arrays are built. Mode/field mismatches are configuration errors; length
// disagreements are invalid batches.
func validate(desc *Descriptor) error {
	if !desc.Mode.Valid() {
		return fmt.Errorf("%w: unknown forward mode %d", ErrConfiguration, int(desc.Mode))
	}

	bs := len(desc.SeqLens)
	if bs == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	if len(desc.ReqPoolIndices) != bs {
		return fmt.Errorf("%w: req_pool_indices has %d entries, want %d", ErrInvalidBatch, len(desc.ReqPoolIndices), bs)
	}
	if desc.LoRAPaths != nil && len(desc.LoRAPaths) != bs {
		return fmt.Errorf("%w: lora_paths has %d entries, want %d", ErrInvalidBatch, len(desc.LoRAPaths), bs)
	}
	// Every scheduled request owns at least one token, in any mode.
	for i, n := range desc.SeqLens {
		if n < 1 {
			return fmt.Errorf("%w: seq_lens[%d] = %d, want >= 1", ErrInvalidBatch, i, n)
		}
	}

	if desc.Mode.IsDecode() {
		if desc.PrefixLens != nil || desc.ExtendLens != nil {
			return fmt.Errorf("%w: extend bookkeeping supplied under decode mode", ErrConfiguration)
		}
		if desc.ExtendLogprobStartLens != nil {
			return fmt.Errorf("%w: extend logprob start lens supplied under decode mode", ErrConfiguration)
		}
		// One new token per request.
		if len(desc.InputIDs) != bs {
			return fmt.Errorf("%w: decode batch has %d input ids, want %d", ErrInvalidBatch, len(desc.InputIDs), bs)
		}
	} else {
		if desc.PrefixLens == nil || desc.ExtendLens == nil {
			return fmt.Errorf("%w: %s mode requires extend bookkeeping", ErrConfiguration, desc.Mode)
		}
		if len(desc.PrefixLens) != bs || len(desc.ExtendLens) != bs {
			return fmt.Errorf("%w: extend bookkeeping has %d/%d entries, want %d",
				ErrInvalidBatch, len(desc.PrefixLens), len(desc.ExtendLens), bs)
		}
		var total int32
		for i := range desc.ExtendLens {
			if desc.ExtendLens[i] < 0 {
				return fmt.Errorf("%w: extend_seq_lens[%d] = %d, want >= 0", ErrInvalidBatch, i, desc.ExtendLens[i])
			}
			if desc.PrefixLens[i] < 0 {
				return fmt.Errorf("%w: prefix_lens[%d] = %d, want >= 0", ErrInvalidBatch, i, desc.PrefixLens[i])
			}
			if got := desc.PrefixLens[i] + desc.ExtendLens[i]; got != desc.SeqLens[i] {
				return fmt.Errorf("%w: request %d: prefix %d + extend %d != seq_len %d",
					ErrInvalidBatch, i, desc.PrefixLens[i], desc.ExtendLens[i], desc.SeqLens[i])
			}
			total += desc.ExtendLens[i]
		}
		if int32(len(desc.InputIDs)) != total {
			return fmt.Errorf("%w: %d input ids, extend lens sum to %d", ErrInvalidBatch, len(desc.InputIDs), total)
		}
		if desc.ImageInputs != nil && len(desc.ImageInputs) != bs {
			return fmt.Errorf("%w: image_inputs has %d entries, want %d", ErrInvalidBatch, len(desc.ImageInputs), bs)
		}
		if desc.ExtendLogprobStartLens != nil && len(desc.ExtendLogprobStartLens) != bs {
			return fmt.Errorf("%w: extend_logprob_start_lens has %d entries, want %d",
				ErrInvalidBatch, len(desc.ExtendLogprobStartLens), bs)
		}
	}

	if len(desc.OutCacheLoc) != len(desc.InputIDs) {
		return fmt.Errorf("%w: out_cache_loc has %d entries, input_ids has %d",
			ErrInvalidBatch, len(desc.OutCacheLoc), len(desc.InputIDs))
	}

	if desc.ReturnLogprob {
		// The upstream contract requires a fully populated top-k array
		// whenever the flag is set; no default is guessed here.
		if desc.TopLogprobsNums == nil {
			return fmt.Errorf("%w: return_logprob set without top_logprobs_nums", ErrInvalidBatch)
		}
		if len(desc.TopLogprobsNums) != bs {
			return fmt.Errorf("%w: top_logprobs_nums has %d entries, want %d", ErrInvalidBatch, len(desc.TopLogprobsNums), bs)
		}
	}

	return nil
}

func rejectReason(err error) string {
	if errors.Is(err, ErrConfiguration) {
		return "configuration"
	}
	return "invalid_batch"
}

func cloneInt32(s []int32) []int32 {
	if s == nil {
		return nil
	}
	out := make([]int32, len(s))
	copy(out, s)
	return out
}

func cloneInts(s []int) []int {
	if s == nil {
		return nil
	}
	out := make([]int, len(s))
	copy(out, s)
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func toInts(s []int32) []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = int(v)
	}
	return out
}

func cloneImages(s []*ImageInputs) []*ImageInputs {
	if s == nil {
		return nil
	}
	out := make([]*ImageInputs, len(s))
	copy(out, s)
	return out
}
