// Command nanobatch drives the scheduler package from the command line:
// a demo subcommand for eyeballing scheduling decisions, and a bench
// subcommand for throughput under synthetic load.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nanobatch/nanobatch"
)

var (
	blockSize           int
	numKVBlocks         int
	maxNumBatchedTokens int
	maxNumSeqs          int
	dynamicSplitFuse    bool
	enablePrefixCaching bool
	logLevel            string

	numRequests  int
	minPromptLen int
	maxPromptLen int
	maxTokens    int
)

var rootCmd = &cobra.Command{
	Use:   "nanobatch",
	Short: "Continuous-batching scheduler for transformer text generation",
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a handful of prompts through the engine and print the completions",
	Run: func(cmd *cobra.Command, args []string) {
		configureLogging()

		config := buildConfig()
		vocab := 256
		eos := 10 // '\n' in the mock byte tokenizer, a plausible stop token

		engine := nanobatch.NewEngine(config, nanobatch.NewMockModelRunner(vocab, eos), nanobatch.NewMockTokenizer(eos))
		defer engine.Close()

		prompts := []string{
			"hello there",
			"the quick brown fox",
			"continuous batching schedules",
		}

		outputs, err := engine.Generate(prompts, maxTokens)
		if err != nil {
			logrus.Fatalf("generation failed: %v", err)
		}

		for i, out := range outputs {
			fmt.Printf("prompt %d: %q\n", i, prompts[i])
			fmt.Printf("  completion tokens: %d\n", len(out.TokenIDs))
			fmt.Printf("  decoded: %q\n\n", out.Text)
		}
	},
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Push synthetic requests through the engine and report throughput",
	Run: func(cmd *cobra.Command, args []string) {
		configureLogging()

		config := buildConfig()
		vocab := 32000
		eos := 2

		engine := nanobatch.NewEngine(config, nanobatch.NewMockModelRunner(vocab, eos), nanobatch.NewMockTokenizer(eos))
		defer engine.Close()

		rng := rand.New(rand.NewSource(42))
		prompts := make([][]int, numRequests)
		for i := range prompts {
			n := minPromptLen + rng.Intn(maxPromptLen-minPromptLen+1)
			ids := make([]int, n)
			for j := range ids {
				ids[j] = rng.Intn(vocab)
			}
			prompts[i] = ids
		}

		for _, ids := range prompts {
			if _, err := engine.AddRequest(ids, maxTokens); err != nil {
				logrus.Fatalf("add request: %v", err)
			}
		}

		bar := progressbar.NewOptions(numRequests,
			progressbar.OptionSetDescription("scheduling"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
		)

		start := time.Now()
		totalTokens := 0
		steps := 0
		for !engine.IsFinished() {
			res, err := engine.Step()
			if err != nil {
				logrus.Fatalf("step %d failed: %v", steps, err)
			}
			steps++
			totalTokens += res.ScheduledRequests
			for range res.Finished {
				bar.Add(1)
			}
		}
		bar.Finish()

		elapsed := time.Since(start).Seconds()
		fmt.Printf("\n%d requests, %d steps, %.1f requests/s\n", numRequests, steps, float64(numRequests)/elapsed)
	},
}

func buildConfig() *nanobatch.SchedulerConfig {
	return nanobatch.NewSchedulerConfig(
		nanobatch.WithBlockSize(blockSize),
		nanobatch.WithNumKVBlocks(numKVBlocks),
		nanobatch.WithMaxNumBatchedTokens(maxNumBatchedTokens),
		nanobatch.WithMaxNumSeqs(maxNumSeqs),
		nanobatch.WithDynamicSplitFuse(dynamicSplitFuse),
		nanobatch.WithEnablePrefixCaching(enablePrefixCaching),
	)
}

func configureLogging() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

func init() {
	for _, cmd := range []*cobra.Command{demoCmd, benchCmd} {
		cmd.Flags().IntVar(&blockSize, "block-size", 16, "tokens per KV cache block")
		cmd.Flags().IntVar(&numKVBlocks, "num-kv-blocks", 1024, "size of the KV block pool")
		cmd.Flags().IntVar(&maxNumBatchedTokens, "max-num-batched-tokens", 2048, "per-step token budget")
		cmd.Flags().IntVar(&maxNumSeqs, "max-num-seqs", 256, "vLLM mode concurrent-group cap")
		cmd.Flags().BoolVar(&dynamicSplitFuse, "dynamic-split-fuse", false, "use split-fuse batching instead of vLLM mode")
		cmd.Flags().BoolVar(&enablePrefixCaching, "enable-prefix-caching", false, "reuse KV blocks across requests with shared prompt prefixes")
		cmd.Flags().IntVar(&maxTokens, "max-tokens", 32, "maximum completion tokens per request")
		cmd.Flags().StringVar(&logLevel, "log", "warn", "log level (trace, debug, info, warn, error, fatal, panic)")
	}

	benchCmd.Flags().IntVar(&numRequests, "num-requests", 256, "number of synthetic requests")
	benchCmd.Flags().IntVar(&minPromptLen, "min-prompt-len", 32, "minimum synthetic prompt length")
	benchCmd.Flags().IntVar(&maxPromptLen, "max-prompt-len", 512, "maximum synthetic prompt length")

	rootCmd.AddCommand(demoCmd, benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
