package nanobatch

import "fmt"

// SchedulerConfig configures the scheduler and the block manager it
// owns. Constructed via functional options, validated eagerly, exactly
// like the teacher's Config/ConfigOption.
type SchedulerConfig struct {
	NumKVBlocks         int
	BlockSize           int
	MaxNumBatchedTokens int
	MaxNumSeqs          int
	DynamicSplitFuse    bool
	EnablePrefixCaching bool
}

// SchedulerOption is a functional option for SchedulerConfig.
type SchedulerOption func(*SchedulerConfig)

// NewSchedulerConfig builds a config with sane defaults and applies opts
// on top, panicking with ErrConfigInvalid if the result is inconsistent.
func NewSchedulerConfig(opts ...SchedulerOption) *SchedulerConfig {
	c := &SchedulerConfig{
		NumKVBlocks:         1024,
		BlockSize:           16,
		MaxNumBatchedTokens: 2048,
		MaxNumSeqs:          256,
		DynamicSplitFuse:    false,
		EnablePrefixCaching: false,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		panic(err)
	}
	return c
}

func (c *SchedulerConfig) validate() error {
	if c.NumKVBlocks < 1 {
		return fmt.Errorf("%w: num_kv_blocks must be >= 1, got %d", ErrConfigInvalid, c.NumKVBlocks)
	}
	if c.BlockSize < 1 {
		return fmt.Errorf("%w: block_size must be > 0, got %d", ErrConfigInvalid, c.BlockSize)
	}
	if c.MaxNumBatchedTokens < 1 {
		return fmt.Errorf("%w: max_num_batched_tokens must be > 0, got %d", ErrConfigInvalid, c.MaxNumBatchedTokens)
	}
	if c.MaxNumSeqs < 1 {
		return fmt.Errorf("%w: max_num_seqs must be > 0, got %d", ErrConfigInvalid, c.MaxNumSeqs)
	}
	if !c.DynamicSplitFuse && c.MaxNumSeqs > c.MaxNumBatchedTokens {
		return fmt.Errorf("%w: max_num_seqs (%d) must be <= max_num_batched_tokens (%d) in vLLM mode",
			ErrConfigInvalid, c.MaxNumSeqs, c.MaxNumBatchedTokens)
	}
	return nil
}

// WithNumKVBlocks sets the block pool size.
func WithNumKVBlocks(n int) SchedulerOption {
	return func(c *SchedulerConfig) { c.NumKVBlocks = n }
}

// WithBlockSize sets the number of tokens per block.
func WithBlockSize(n int) SchedulerOption {
	return func(c *SchedulerConfig) { c.BlockSize = n }
}

// WithMaxNumBatchedTokens sets the per-step token budget.
func WithMaxNumBatchedTokens(n int) SchedulerOption {
	return func(c *SchedulerConfig) { c.MaxNumBatchedTokens = n }
}

// WithMaxNumSeqs sets the vLLM-mode concurrent-group cap.
func WithMaxNumSeqs(n int) SchedulerOption {
	return func(c *SchedulerConfig) { c.MaxNumSeqs = n }
}

// WithDynamicSplitFuse selects the split-fuse policy instead of vLLM
// mode.
func WithDynamicSplitFuse(b bool) SchedulerOption {
	return func(c *SchedulerConfig) { c.DynamicSplitFuse = b }
}

// WithEnablePrefixCaching turns on the prefix-cache index.
func WithEnablePrefixCaching(b bool) SchedulerOption {
	return func(c *SchedulerConfig) { c.EnablePrefixCaching = b }
}
