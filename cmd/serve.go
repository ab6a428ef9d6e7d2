// cmd/serve.go
package cmd

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/corebatch/corebatch/core"
)

var (
	configPath    string
	kvBlocks      int
	vocabSize     int
	arrivalRate   float64
	numRequests   int
	producers     int
	promptTokens  int
	maxOutputTok  int
	serveSeed     int64
	serveLogLevel string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler against a synthetic Poisson workload",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(serveLogLevel)
		if err != nil {
			logrus.Fatalf("invalid log level: %s", serveLogLevel)
		}
		logrus.SetLevel(level)

		cfg := core.DefaultConfig()
		if configPath != "" {
			cfg, err = core.LoadConfig(configPath)
			if err != nil {
				logrus.Fatalf("loading config: %v", err)
			}
		}

		alloc := core.NewAllocator(kvBlocks)
		engine := core.NewNoopEngine(vocabSize, int64(kvBlocks)*int64(cfg.BlockSize)*2, serveSeed)
		sched := core.NewScheduler(cfg, engine, alloc, nil)
		sched.Start()

		logrus.Infof("serving %d KV blocks (block_size=%d), preemption=%s, waiting_order=%s",
			kvBlocks, cfg.BlockSize, cfg.PreemptionMode, cfg.WaitingOrder)

		var completed int64
		var wg sync.WaitGroup
		wg.Add(numRequests)

		// Several concurrent producers submit against the shared request
		// counter, the same way independent client connections would feed a
		// real transport in front of this Scheduler.
		var remaining int64 = int64(numRequests)
		var eg errgroup.Group
		for p := 0; p < producers; p++ {
			seed := serveSeed + int64(p)
			eg.Go(func() error {
				rng := rand.New(rand.NewSource(seed))
				for atomic.AddInt64(&remaining, -1) >= 0 {
					// Poisson process: inter-arrival times are exponentially
					// distributed with mean 1/rate.
					interArrival := -math.Log(1-rng.Float64()) / (arrivalRate / float64(producers))
					time.Sleep(time.Duration(interArrival * float64(time.Second)))

					spec := syntheticRequestSpec(rng, promptTokens, maxOutputTok)
					sched.Submit(spec, func(ev core.OutputEvent) bool {
						if ev.Err != nil {
							logrus.WithError(ev.Err).Warn("request failed")
							atomic.AddInt64(&completed, 1)
							wg.Done()
							return false
						}
						if ev.Final != nil {
							atomic.AddInt64(&completed, 1)
							wg.Done()
						}
						return true
					})
				}
				return nil
			})
		}
		_ = eg.Wait()

		wg.Wait()
		if err := sched.Close(); err != nil {
			logrus.WithError(err).Error("scheduler loop exited with error")
		}

		// Metrics() returns a prometheus.Collector; a real deployment registers
		// it with its own registry instead of printing here.
		fmt.Printf("completed %d/%d requests\n", completed, numRequests)
	},
}

func syntheticRequestSpec(rng *rand.Rand, meanPromptTokens, maxOutputTokens int) core.RequestSpec {
	n := 1 + rng.Intn(meanPromptTokens)
	prompt := make([]int, n)
	for i := range prompt {
		prompt[i] = 1 + rng.Intn(vocabSize-1)
	}
	return core.RequestSpec{
		Prompt: prompt,
		Params: core.SamplingParams{
			Temperature: 1.0,
			TopP:        0.95,
			TopK:        50,
			MaxTokens:   1 + rng.Intn(maxOutputTokens),
			N:           1,
			BestOf:      1,
			Seed:        rng.Int63(),
		},
		Stream:        true,
		MaxContextLen: meanPromptTokens*2 + maxOutputTokens,
		EOSTokenID:    -1,
	}
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Path to a scheduler config YAML file (defaults to DefaultConfig)")
	serveCmd.Flags().IntVar(&kvBlocks, "kv-blocks", 256, "Total number of KV cache blocks")
	serveCmd.Flags().IntVar(&vocabSize, "vocab", 32000, "Vocabulary size for the placeholder engine")
	serveCmd.Flags().Float64Var(&arrivalRate, "rate", 5.0, "Poisson arrival rate (requests per second)")
	serveCmd.Flags().IntVar(&numRequests, "requests", 200, "Number of synthetic requests to submit")
	serveCmd.Flags().IntVar(&producers, "producers", 4, "Number of concurrent synthetic producer goroutines")
	serveCmd.Flags().IntVar(&promptTokens, "prompt-tokens", 64, "Max synthetic prompt length")
	serveCmd.Flags().IntVar(&maxOutputTok, "max-output-tokens", 64, "Max synthetic completion length")
	serveCmd.Flags().Int64Var(&serveSeed, "seed", 1, "RNG seed for synthetic workload and the placeholder engine")
	serveCmd.Flags().StringVar(&serveLogLevel, "log", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
}
