package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BabyChouSr/sglang/internal/attention"
	"github.com/BabyChouSr/sglang/internal/forward"
	"github.com/BabyChouSr/sglang/internal/mempool"
)

func newPools(t *testing.T) (*mempool.ReqToTokenPool, *mempool.TokenToKVPool) {
	t.Helper()
	reqPool, err := mempool.NewReqToTokenPool(8, 256)
	require.NoError(t, err)
	kvPool, err := mempool.NewTokenToKVPool(1024, 16)
	require.NoError(t, err)
	return reqPool, kvPool
}

func TestNewReq(t *testing.T) {
	prompt := []int32{1, 2, 3}
	r := NewReq(prompt)

	assert.Equal(t, 3, r.SeqLen())
	assert.Equal(t, 3, r.ExtendLen())
	assert.EqualValues(t, -1, r.PoolIdx)
	assert.NotEqual(t, NewReq(prompt).RID, r.RID)

	prompt[0] = 99
	assert.EqualValues(t, 1, r.FillIDs[0], "request must copy the prompt")
}

func TestAppendOutput(t *testing.T) {
	r := NewReq([]int32{1, 2, 3})
	r.AppendOutput(7)

	assert.Equal(t, 4, r.SeqLen())
	assert.Equal(t, 3, r.PrefixLen)
	assert.Equal(t, 1, r.ExtendLen())
	assert.EqualValues(t, 7, r.LastToken())
	assert.Equal(t, []int32{7}, r.OutputIDs)
}

func TestNewExtendBatch(t *testing.T) {
	reqPool, kvPool := newPools(t)
	backend := attention.NewRefBackend()

	r1 := NewReq([]int32{1, 2, 3, 4, 5})
	r2 := NewReq([]int32{6, 7, 8})

	b, err := NewExtendBatch(forward.ModeExtend, []*Req{r1, r2}, reqPool, kvPool, backend)
	require.NoError(t, err)

	assert.Equal(t, 2, b.BatchSize())
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6, 7, 8}, b.InputIDs)
	assert.Equal(t, []int32{5, 3}, b.SeqLens)
	assert.Equal(t, []int32{0, 0}, b.PrefixLens)
	assert.Equal(t, []int32{5, 3}, b.ExtendLens)
	assert.Len(t, b.OutCacheLoc, 8)
	assert.Equal(t, 1024-8, kvPool.AvailableSize())
	assert.GreaterOrEqual(t, r1.PoolIdx, int32(0))
	assert.GreaterOrEqual(t, r2.PoolIdx, int32(0))

	// The request pool rows must mirror the handed-out cache locations.
	row := reqPool.Entry(r1.PoolIdx)
	assert.Equal(t, b.OutCacheLoc[:5], row[:5])

	// The descriptor must assemble and satisfy the backend.
	fb, err := forward.NewBatch(b.Descriptor())
	require.NoError(t, err)
	require.NoError(t, backend.PrepareForward(fb))
}

func TestNewExtendBatchWithCachedPrefix(t *testing.T) {
	reqPool, kvPool := newPools(t)

	r := NewReq([]int32{1, 2, 3, 4, 5, 6})
	r.PrefixLen = 4 // first four tokens already cached

	b, err := NewExtendBatch(forward.ModeExtend, []*Req{r}, reqPool, kvPool, nil)
	require.NoError(t, err)

	assert.Equal(t, []int32{5, 6}, b.InputIDs)
	assert.Equal(t, []int32{4}, b.PrefixLens)
	assert.Equal(t, []int32{2}, b.ExtendLens)
	assert.Equal(t, []int32{6}, b.SeqLens)

	fb, err := forward.NewBatch(b.Descriptor())
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, fb.Positions)
}

func TestNewExtendBatchRejectsDecodeMode(t *testing.T) {
	reqPool, kvPool := newPools(t)
	r := NewReq([]int32{1})

	_, err := NewExtendBatch(forward.ModeDecode, []*Req{r}, reqPool, kvPool, nil)
	assert.Error(t, err)

	_, err = NewExtendBatch(forward.ModeExtend, nil, reqPool, kvPool, nil)
	assert.Error(t, err)
}

func TestNewDecodeBatch(t *testing.T) {
	reqPool, kvPool := newPools(t)
	backend := attention.NewRefBackend()

	r := NewReq([]int32{1, 2, 3})
	_, err := NewExtendBatch(forward.ModeExtend, []*Req{r}, reqPool, kvPool, backend)
	require.NoError(t, err)
	r.AppendOutput(42)

	b, err := NewDecodeBatch([]*Req{r}, reqPool, kvPool, backend)
	require.NoError(t, err)

	assert.Equal(t, forward.ModeDecode, b.Mode)
	assert.Equal(t, []int32{42}, b.InputIDs)
	assert.Equal(t, []int32{4}, b.SeqLens)
	assert.Nil(t, b.PrefixLens)
	assert.Nil(t, b.ExtendLens)

	fb, err := forward.NewBatch(b.Descriptor())
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, fb.Positions)
	assert.Nil(t, fb.Extend)
	require.NoError(t, backend.PrepareForward(fb))
}

func TestNewDecodeBatchRejectsFreshRequest(t *testing.T) {
	reqPool, kvPool := newPools(t)
	r := NewReq([]int32{1, 2, 3})

	_, err := NewDecodeBatch([]*Req{r}, reqPool, kvPool, nil)
	assert.Error(t, err)
}

func TestNewExtendBatchPoolExhaustion(t *testing.T) {
	reqPool, err := mempool.NewReqToTokenPool(8, 256)
	require.NoError(t, err)
	kvPool, err := mempool.NewTokenToKVPool(16, 16)
	require.NoError(t, err)

	r := NewReq(make([]int32, 32)) // larger than the pool
	_, err = NewExtendBatch(forward.ModeExtend, []*Req{r}, reqPool, kvPool, nil)
	assert.Error(t, err)
	assert.Equal(t, 16, kvPool.AvailableSize(), "failed batch must not leak slots")
}

func TestNewExtendBatchReqPoolExhaustion(t *testing.T) {
	reqPool, err := mempool.NewReqToTokenPool(1, 256)
	require.NoError(t, err)
	kvPool, err := mempool.NewTokenToKVPool(64, 16)
	require.NoError(t, err)

	r1 := NewReq([]int32{1, 2, 3})
	r2 := NewReq([]int32{4, 5})
	_, err = NewExtendBatch(forward.ModeExtend, []*Req{r1, r2}, reqPool, kvPool, nil)
	assert.Error(t, err)

	// The slot handed to the first request comes back with everything else.
	assert.Equal(t, int32(-1), r1.PoolIdx)
	assert.Equal(t, int32(-1), r2.PoolIdx)
	assert.Equal(t, 1, reqPool.AvailableSize(), "failed batch must not leak request slots")
	assert.Equal(t, 64, kvPool.AvailableSize(), "failed batch must not leak kv slots")
}

func TestLogprobFields(t *testing.T) {
	reqPool, kvPool := newPools(t)

	r1 := NewReq([]int32{1, 2, 3, 4})
	r1.ReturnLogprob = true
	r1.TopLogprobsNum = 5
	r1.LogprobStartLen = 2
	r2 := NewReq([]int32{5, 6})

	b, err := NewExtendBatch(forward.ModeExtend, []*Req{r1, r2}, reqPool, kvPool, nil)
	require.NoError(t, err)

	assert.True(t, b.ReturnLogprob)
	assert.Equal(t, []int{5, 0}, b.TopLogprobsNums)
	assert.Equal(t, []int{2, 0}, b.ExtendLogprobStartLens)

	fb, err := forward.NewBatch(b.Descriptor())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, fb.Extend.LogprobStartLensCPU)
}

func TestRetract(t *testing.T) {
	reqPool, kvPool := newPools(t)

	r := NewReq([]int32{1, 2, 3})
	b, err := NewExtendBatch(forward.ModeExtend, []*Req{r}, reqPool, kvPool, nil)
	require.NoError(t, err)
	require.Equal(t, 1024-3, kvPool.AvailableSize())

	b.Retract()
	assert.Equal(t, 1024, kvPool.AvailableSize())
	assert.EqualValues(t, -1, r.PoolIdx)
	assert.Equal(t, 8, reqPool.AvailableSize())
}
