package forward

import "fmt"

// decodePositions computes per-token absolute positions for a decode pass:
// one new token per request, sitting at index seqLens[i]-1 of its sequence.
func decodePositions(seqLens []int32) ([]int64, error) {
	if len(seqLens) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	positions := make([]int64, len(seqLens))
	for i, n := range seqLens {
		if n < 1 {
			return nil, fmt.Errorf("%w: seq_lens[%d] = %d, want >= 1", ErrInvalidBatch, i, n)
		}
		positions[i] = int64(n) - 1
	}
	return positions, nil
}

// extendPositions computes the flat position array and per-request start
// offsets for an extend or mixed pass. Request i contributes the ascending run
// [prefixLens[i], prefixLens[i]+extendLens[i]), and startLoc is the exclusive
// prefix sum of extendLens. A zero-length extend contributes an empty run but
// still occupies a startLoc entry, so later offsets stay correct.
func extendPositions(prefixLens, extendLens []int32) (positions []int64, startLoc []int32, err error) {
	if len(extendLens) == 0 {
		return nil, nil, fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	if len(prefixLens) != len(extendLens) {
		return nil, nil, fmt.Errorf("%w: prefix_lens has %d entries, extend_seq_lens has %d",
			ErrInvalidBatch, len(prefixLens), len(extendLens))
	}

	startLoc = make([]int32, len(extendLens))
	var total int32
	for i := range extendLens {
		if prefixLens[i] < 0 {
			return nil, nil, fmt.Errorf("%w: prefix_lens[%d] = %d, want >= 0", ErrInvalidBatch, i, prefixLens[i])
		}
		if extendLens[i] < 0 {
			return nil, nil, fmt.Errorf("%w: extend_seq_lens[%d] = %d, want >= 0", ErrInvalidBatch, i, extendLens[i])
		}
		startLoc[i] = total
		total += extendLens[i]
	}

	positions = make([]int64, 0, total)
	for i := range extendLens {
		for p := prefixLens[i]; p < prefixLens[i]+extendLens[i]; p++ {
			positions = append(positions, int64(p))
		}
	}
	return positions, startLoc, nil
}
