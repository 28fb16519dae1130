// batchsim drives a synthetic continuous-batching loop against the forward
// batch assembler: admit requests, run one extend pass, then decode the whole
// running set one token per step until every request finishes. No model runs;
// the reference attention backend checks every index the kernels would
// consume.
package main

import (
	"flag"
	"math/rand"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BabyChouSr/sglang/internal/attention"
	"github.com/BabyChouSr/sglang/internal/config"
	"github.com/BabyChouSr/sglang/internal/forward"
	"github.com/BabyChouSr/sglang/internal/logger"
	"github.com/BabyChouSr/sglang/internal/mempool"
	"github.com/BabyChouSr/sglang/internal/metrics"
	"github.com/BabyChouSr/sglang/internal/schedule"
)

var (
	numReqs     = flag.Int("reqs", 32, "Number of synthetic requests")
	minPrompt   = flag.Int("min-prompt", 8, "Minimum prompt length in tokens")
	maxPrompt   = flag.Int("max-prompt", 256, "Maximum prompt length in tokens")
	decodeSteps = flag.Int("decode-steps", 32, "Tokens to decode per request")
	seed        = flag.Int64("seed", 42, "PRNG seed")
	logLevel    = flag.String("log-level", "info", "Log level (debug/info/warn/error)")
	logFormat   = flag.String("log-format", "console", "Log format (console/json)")
	metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics, empty to disable")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log.Component("batchsim")

	cfg := config.Default()
	cfg.MaxRunningReqs = *numReqs
	if need := *maxPrompt + *decodeSteps; need > cfg.MaxContextLen {
		cfg.MaxContextLen = need
	}
	if need := (*maxPrompt + *decodeSteps) * *numReqs; need > cfg.KVPoolSize {
		cfg.KVPoolSize = ((need + cfg.PageSize - 1) / cfg.PageSize) * cfg.PageSize
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			log.Info("metrics serving", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	reqPool, err := mempool.NewReqToTokenPool(cfg.MaxRunningReqs, cfg.MaxContextLen)
	if err != nil {
		log.Error("req pool init failed", "error", err)
		return
	}
	kvPool, err := mempool.NewTokenToKVPool(cfg.KVPoolSize, cfg.PageSize)
	if err != nil {
		log.Error("kv pool init failed", "error", err)
		return
	}
	backend := attention.NewRefBackend()
	rng := rand.New(rand.NewSource(*seed))

	waiting := make([]*schedule.Req, 0, *numReqs)
	for i := 0; i < *numReqs; i++ {
		promptLen := *minPrompt + rng.Intn(*maxPrompt-*minPrompt+1)
		prompt := make([]int32, promptLen)
		for j := range prompt {
			prompt[j] = int32(rng.Intn(32000))
		}
		req := schedule.NewReq(prompt)
		if i%4 == 0 {
			req.ReturnLogprob = true
			req.TopLogprobsNum = 5
		}
		waiting = append(waiting, req)
	}
	log.Info("admitted requests", "count", len(waiting))

	running := make([]*schedule.Req, 0, len(waiting))
	steps := 0

	// Prefill in chunks bounded by the prefill token budget.
	for len(waiting) > 0 {
		batchReqs := make([]*schedule.Req, 0, len(waiting))
		budget := cfg.MaxPrefillTokens
		for len(waiting) > 0 && waiting[0].ExtendLen() <= budget {
			req := waiting[0]
			budget -= req.ExtendLen()
			batchReqs = append(batchReqs, req)
			waiting = waiting[1:]
		}
		if len(batchReqs) == 0 {
			log.Error("prefill budget too small", "budget", cfg.MaxPrefillTokens)
			return
		}

		if err := runPass(forward.ModeExtend, batchReqs, reqPool, kvPool, backend, rng); err != nil {
			log.Error("extend pass failed", "error", err)
			return
		}
		steps++
		running = append(running, batchReqs...)
		log.Info("extend pass complete", "batch_size", len(batchReqs), "running", len(running))
	}

	// Decode lockstep until every request has its tokens.
	for step := 0; step < *decodeSteps; step++ {
		if err := runPass(forward.ModeDecode, running, reqPool, kvPool, backend, rng); err != nil {
			log.Error("decode pass failed", "error", err, "step", step)
			return
		}
		steps++
	}

	// Release everything.
	for _, req := range running {
		row := reqPool.Entry(req.PoolIdx)
		kvPool.Free(row[:req.PrefixLen])
		reqPool.Free(req.PoolIdx)
	}

	log.Info("simulation complete",
		"passes", steps,
		"total_tokens", metrics.GetTotalTokens(),
		"kv_slots_free", kvPool.AvailableSize(),
		"req_slots_free", reqPool.AvailableSize())
}

// runPass builds the scheduler batch, assembles the forward batch, hands it
// to the backend, and samples one synthetic token per request.
func runPass(mode forward.ForwardMode, reqs []*schedule.Req, reqPool *mempool.ReqToTokenPool, kvPool *mempool.TokenToKVPool, backend *attention.RefBackend, rng *rand.Rand) error {
	var (
		sb  *schedule.Batch
		err error
	)
	if mode.IsDecode() {
		sb, err = schedule.NewDecodeBatch(reqs, reqPool, kvPool, backend)
	} else {
		sb, err = schedule.NewExtendBatch(mode, reqs, reqPool, kvPool, backend)
	}
	if err != nil {
		return err
	}

	fb, err := forward.NewBatch(sb.Descriptor())
	if err != nil {
		sb.Retract()
		return err
	}
	if err := backend.PrepareForward(fb); err != nil {
		sb.Retract()
		return err
	}

	for _, req := range reqs {
		req.AppendOutput(int32(rng.Intn(32000)))
	}
	return nil
}
