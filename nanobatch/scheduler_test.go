package nanobatch

import "testing"

// Scenario 1: single prompt, vLLM mode.
func TestSchedulerVLLMSinglePrompt(t *testing.T) {
	s := NewScheduler(NewSchedulerConfig(
		WithBlockSize(4),
		WithNumKVBlocks(8),
		WithMaxNumBatchedTokens(16),
		WithMaxNumSeqs(4),
		WithDynamicSplitFuse(false),
	))

	prompt := make([]int, 10)
	for i := range prompt {
		prompt[i] = i + 1
	}
	group := NewSequenceGroup(prompt, 50)
	groups := []*SequenceGroup{group}

	out := s.Schedule(groups)

	if !out.IsPrompt {
		t.Fatalf("expected is_prompt=true")
	}
	if out.TotalScheduledTokens != 10 {
		t.Errorf("expected total_scheduled=10, got %d", out.TotalScheduledTokens)
	}
	if len(out.ScheduledGroupIDs) != 1 || out.ScheduledGroupIDs[0] != 0 {
		t.Errorf("expected scheduled_group_ids=[0], got %v", out.ScheduledGroupIDs)
	}
	seq := group.GetRunningSequences()[0]
	if n := len(s.GetBlockTable(seq.ID)); n != 3 {
		t.Errorf("expected 3 blocks allocated, got %d", n)
	}
}

// Scenario 2: two prompts, vLLM padding.
func TestSchedulerVLLMPromptPadding(t *testing.T) {
	s := NewScheduler(NewSchedulerConfig(
		WithBlockSize(4),
		WithNumKVBlocks(8),
		WithMaxNumBatchedTokens(16),
		WithMaxNumSeqs(4),
		WithDynamicSplitFuse(false),
	))

	g1 := NewSequenceGroup([]int{1, 2, 3, 4, 5}, 50)
	g2 := NewSequenceGroup([]int{1, 2, 3}, 50)
	groups := []*SequenceGroup{g1, g2}

	out := s.Schedule(groups)

	if out.TotalScheduledTokens != 10 {
		t.Fatalf("expected total_scheduled=10 (max_len 5 * 2 groups), got %d", out.TotalScheduledTokens)
	}
	if len(out.ScheduledGroupIDs) != 2 {
		t.Fatalf("expected both groups scheduled, got %v", out.ScheduledGroupIDs)
	}

	seq1 := g1.GetRunningSequences()[0]
	seq2 := g2.GetRunningSequences()[0]
	if n := len(s.GetBlockTable(seq1.ID)); n != 2 {
		t.Errorf("expected 2 blocks for the 5-token prompt, got %d", n)
	}
	if n := len(s.GetBlockTable(seq2.ID)); n != 1 {
		t.Errorf("expected 1 block for the 3-token prompt, got %d", n)
	}
}

// Scenario 3: generate-phase split-fuse growing a sequence past its
// first full block.
func TestSchedulerSplitFuseGeneratePhase(t *testing.T) {
	s := NewScheduler(NewSchedulerConfig(
		WithBlockSize(4),
		WithNumKVBlocks(4),
		WithMaxNumBatchedTokens(8),
		WithDynamicSplitFuse(true),
	))

	prompt := []int{1, 2, 3, 4}
	group := NewSequenceGroup(prompt, 50)
	seq := group.GetRunningSequences()[0]

	if err := s.bm.Allocate(seq, 1, prompt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	group.NumProcessedTokens = 4
	seq.AppendToken(99)

	out := s.Schedule([]*SequenceGroup{group})

	if out.TotalScheduledTokens != 1 {
		t.Fatalf("expected total_scheduled=1, got %d", out.TotalScheduledTokens)
	}
	if len(out.ScheduledGroupIDs) != 1 {
		t.Fatalf("expected the group to be scheduled, got %v", out.ScheduledGroupIDs)
	}
	if n := len(s.GetBlockTable(seq.ID)); n != 2 {
		t.Errorf("expected append_slots to grow the table to 2 blocks, got %d", n)
	}
}

// Scenario 5: preemption by recompute.
func TestSchedulerPreemptionByRecompute(t *testing.T) {
	s := NewScheduler(NewSchedulerConfig(
		WithBlockSize(2),
		WithNumKVBlocks(3),
		WithMaxNumBatchedTokens(16),
		WithDynamicSplitFuse(true),
	))

	groupA := NewSequenceGroup([]int{1, 2, 3, 4}, 100)
	seqA := groupA.GetRunningSequences()[0]
	if err := s.bm.Allocate(seqA, 2, groupA.PromptIDs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	groupA.NumProcessedTokens = 4
	seqA.AppendToken(99)

	groupB := NewSequenceGroup([]int{5, 6}, 100)
	seqB := groupB.GetRunningSequences()[0]
	if err := s.bm.Allocate(seqB, 1, groupB.PromptIDs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	groupB.NumProcessedTokens = 2
	seqB.AppendToken(88)

	groups := []*SequenceGroup{groupA, groupB}
	out := s.Schedule(groups)

	if len(out.ScheduledGroupIDs) != 1 || out.ScheduledGroupIDs[0] != 0 {
		t.Fatalf("expected only group A scheduled this step, got %v", out.ScheduledGroupIDs)
	}
	if groupB.Status != GroupWaiting {
		t.Errorf("expected group B preempted to waiting, got status %v", groupB.Status)
	}
	if groupB.NumProcessedTokens != 0 {
		t.Errorf("expected group B fully rewound, got processed=%d", groupB.NumProcessedTokens)
	}
	if n := len(s.GetBlockTable(seqA.ID)); n != 3 {
		t.Errorf("expected group A's table to grow to 3 blocks after B's eviction freed room, got %d", n)
	}
}

// P2: token budget is never exceeded.
func TestSchedulerRespectsTokenBudget(t *testing.T) {
	s := NewScheduler(NewSchedulerConfig(
		WithBlockSize(4),
		WithNumKVBlocks(64),
		WithMaxNumBatchedTokens(6),
		WithDynamicSplitFuse(true),
	))

	var groups []*SequenceGroup
	for i := 0; i < 5; i++ {
		groups = append(groups, NewSequenceGroup([]int{1, 2, 3, 4, 5}, 50))
	}

	out := s.Schedule(groups)
	if out.TotalScheduledTokens > 6 {
		t.Errorf("expected total_scheduled <= 6, got %d", out.TotalScheduledTokens)
	}
}

// P3: block budget and usage fraction stay in range.
func TestSchedulerBlockBudgetInRange(t *testing.T) {
	s := NewScheduler(NewSchedulerConfig(
		WithBlockSize(4),
		WithNumKVBlocks(4),
		WithMaxNumBatchedTokens(64),
		WithDynamicSplitFuse(true),
	))

	group := NewSequenceGroup(make([]int, 40), 50)
	out := s.Schedule([]*SequenceGroup{group})

	if out.CacheUsageFraction < 0 || out.CacheUsageFraction > 1 {
		t.Errorf("expected cache_usage_fraction in [0,1], got %f", out.CacheUsageFraction)
	}
	if s.bm.NumFreeBlocks() < 0 {
		t.Errorf("free block count must never go negative")
	}
}

// P4: no phantom work -- scheduled groups have staged tokens, others don't.
func TestSchedulerNoPhantomWork(t *testing.T) {
	s := NewScheduler(NewSchedulerConfig(
		WithBlockSize(4),
		WithNumKVBlocks(2),
		WithMaxNumBatchedTokens(64),
		WithDynamicSplitFuse(true),
	))

	scheduled := NewSequenceGroup([]int{1, 2, 3, 4}, 50)
	starved := NewSequenceGroup(make([]int, 40), 50)
	groups := []*SequenceGroup{scheduled, starved}

	out := s.Schedule(groups)

	scheduledSet := map[int]bool{}
	for _, id := range out.ScheduledGroupIDs {
		scheduledSet[id] = true
	}
	for i, g := range groups {
		if scheduledSet[i] && g.NumScheduledTokens == 0 {
			t.Errorf("group %d listed as scheduled but has no staged tokens", i)
		}
		if !scheduledSet[i] && g.NumScheduledTokens != 0 {
			t.Errorf("group %d not listed as scheduled but has %d staged tokens", i, g.NumScheduledTokens)
		}
	}
}

// P9: FIFO priority -- when only one of two schedulable groups fits, the
// earlier one wins.
func TestSchedulerFIFOPriority(t *testing.T) {
	s := NewScheduler(NewSchedulerConfig(
		WithBlockSize(4),
		WithNumKVBlocks(8),
		WithMaxNumBatchedTokens(16),
		WithMaxNumSeqs(4),
		WithDynamicSplitFuse(false),
	))

	first := NewSequenceGroup(make([]int, 12), 50)
	second := NewSequenceGroup(make([]int, 12), 50)
	groups := []*SequenceGroup{first, second}

	out := s.Schedule(groups)

	if len(out.ScheduledGroupIDs) != 1 || out.ScheduledGroupIDs[0] != 0 {
		t.Fatalf("expected only the first group scheduled (a budget of 16 fits one 12-token prompt, not two), got %v", out.ScheduledGroupIDs)
	}
}

// P10: scheduling with no eligible groups is a no-op.
func TestSchedulerEmptyStepIsIdempotent(t *testing.T) {
	s := NewScheduler(NewSchedulerConfig(WithBlockSize(4), WithNumKVBlocks(8)))

	freeBefore := s.bm.NumFreeBlocks()
	out := s.Schedule(nil)

	if len(out.ScheduledGroupIDs) != 0 {
		t.Errorf("expected no scheduled groups, got %v", out.ScheduledGroupIDs)
	}
	if out.TotalScheduledTokens != 0 {
		t.Errorf("expected total_scheduled=0, got %d", out.TotalScheduledTokens)
	}
	if s.bm.NumFreeBlocks() != freeBefore {
		t.Errorf("expected block manager untouched by an empty step")
	}
}
