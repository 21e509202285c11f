package nanobatch

import (
	"github.com/sirupsen/logrus"
)

// Output is everything the executor needs to run one model step: which
// groups participate, how many tokens each contributes, their current
// block tables, and the KV copies that must happen before the forward
// pass.
type Output struct {
	ScheduledGroupIDs    []int
	BlockCopyPlan        CopyPlan
	BlockTables          map[int64][]int
	TotalScheduledTokens int
	IsPrompt             bool
	CacheUsageFraction   float64
}

// Scheduler is C5: it owns the block manager and, given the executor's
// ordered list of sequence groups, decides what runs this step. It holds
// no other state -- two calls to Schedule with the same groups and block
// manager state produce the same output.
type Scheduler struct {
	config *SchedulerConfig
	bm     *BlockManager
	log    *logrus.Entry
}

// NewScheduler constructs a scheduler over a fresh block manager sized
// per config. Panics with ErrConfigInvalid if config is inconsistent.
func NewScheduler(config *SchedulerConfig) *Scheduler {
	if err := config.validate(); err != nil {
		panic(err)
	}
	return &Scheduler{
		config: config,
		bm:     NewBlockManager(config.NumKVBlocks, config.BlockSize, config.EnablePrefixCaching),
		log:    logrus.WithField("component", "scheduler"),
	}
}

// GetConfig returns the scheduler's configuration.
func (s *Scheduler) GetConfig() *SchedulerConfig {
	return s.config
}

// GetBlockTable returns the current block table for a sequence.
func (s *Scheduler) GetBlockTable(seqID int64) []int {
	return s.bm.GetBlockTable(seqID)
}

// HasBlockTable reports whether a sequence currently holds a table.
func (s *Scheduler) HasBlockTable(seqID int64) bool {
	return s.bm.HasBlockTable(seqID)
}

// FreeSequence releases all of a sequence's blocks.
func (s *Scheduler) FreeSequence(seqID int64) {
	s.bm.FreeSequence(seqID)
}

// ForkSequence gives childID a copy-on-write share of parentID's table.
func (s *Scheduler) ForkSequence(parentID, childID int64) {
	s.bm.ForkSequence(parentID, childID)
}

// RestoreCachedBlocks is the pre-scheduling hook for prefix caching.
func (s *Scheduler) RestoreCachedBlocks(group *SequenceGroup) {
	s.bm.RestoreCachedBlocks(group, s.config.BlockSize)
}

// Schedule produces one step's worth of scheduling decisions over the
// executor-supplied, FIFO-ordered groups.
func (s *Scheduler) Schedule(groups []*SequenceGroup) *Output {
	out := &Output{
		BlockCopyPlan: CopyPlan{},
		BlockTables:   make(map[int64][]int),
	}

	if s.config.DynamicSplitFuse {
		// Generate phase always runs first, then whatever budget is
		// left over is spent chunking pending prompts.
		s.scheduleGenerateSplitFuse(groups, out)
		s.schedulePromptSplitFuse(groups, out)
	} else {
		s.schedulePromptVLLM(groups, out)
		if !out.IsPrompt {
			// No prompt could be scheduled this step (all groups are
			// either already generating or blocked) -- fall back to a
			// pure generate batch.
			s.scheduleGenerateSplitFuse(groups, out)
		}
	}

	for _, g := range groups {
		g.ClearWaitingSequences()
	}
	out.CacheUsageFraction = s.bm.UsedFraction()
	return out
}

func numRunningSequenceGroups(groups []*SequenceGroup) int {
	n := 0
	for _, g := range groups {
		if g.CanGenerateTokens() {
			n++
		}
	}
	return n
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// scheduleGenerateSplitFuse schedules one (or, after a partial
// recompute-preemption, more than one) generation token per running
// sequence for every eligible group, preempting lower-priority groups
// by recompute when the block budget runs out.
func (s *Scheduler) scheduleGenerateSplitFuse(groups []*SequenceGroup, out *Output) {
	for groupID, group := range groups {
		if !group.CanGenerateTokens() || group.IsWaiting() {
			continue
		}
		if group.HasFinished() {
			invariantViolation("finished group %d reached the generate phase", groupID)
		}

		numRunningSeqs := group.NumRunningSeqs()
		tokensInMegabatch := s.config.MaxNumBatchedTokens - out.TotalScheduledTokens
		availablePerSeq := tokensInMegabatch / numRunningSeqs
		if availablePerSeq == 0 {
			continue
		}

		numAvailable := group.GetNumAvailableTokensForBatching()
		numScheduled := min(availablePerSeq, numAvailable)
		group.ScheduleTokens(numScheduled)

		s.applyPreemption(groupID, groups)

		if !s.bm.CanAppendSlots(group) {
			group.ClearScheduledTokens()
			continue
		}

		plan, err := s.bm.AppendSlots(group)
		if err != nil {
			group.ClearScheduledTokens()
			continue
		}

		out.ScheduledGroupIDs = append(out.ScheduledGroupIDs, groupID)
		out.TotalScheduledTokens += numScheduled * numRunningSeqs
		out.BlockCopyPlan.merge(plan)
		for _, seq := range group.GetRunningSequences() {
			out.BlockTables[seq.ID] = s.bm.GetBlockTable(seq.ID)
		}

		if out.TotalScheduledTokens == s.config.MaxNumBatchedTokens {
			break
		}
	}
}

// schedulePromptSplitFuse spends whatever token budget the generate
// phase left over on chunks of pending prompts, FIFO, clamped by the KV
// block budget.
func (s *Scheduler) schedulePromptSplitFuse(groups []*SequenceGroup, out *Output) {
	for groupID, group := range groups {
		if group.CanGenerateTokens() || group.IsWaiting() {
			continue
		}
		if group.NumRunningSeqs() != 1 {
			invariantViolation("prompt phase group %d has more than one running sequence", groupID)
		}
		seq := group.GetRunningSequences()[0]

		tokensInMegabatch := s.config.MaxNumBatchedTokens - out.TotalScheduledTokens
		numAvailable := group.GetNumAvailableTokensForBatching()
		numScheduled := min(tokensInMegabatch, numAvailable)

		table := s.bm.GetBlockTable(seq.ID)
		availableSlots := len(table)*s.config.BlockSize - group.GetNumProcessedTokens()
		requiredSlots := 0
		if numScheduled > availableSlots {
			requiredSlots = numScheduled - availableSlots
		}
		numRequiredBlocks := ceilDiv(requiredSlots, s.config.BlockSize)
		numFreeBlocks := s.bm.NumFreeBlocks()
		numScheduledBlocks := min(numRequiredBlocks, numFreeBlocks)
		numScheduled = min(numScheduled, availableSlots+numScheduledBlocks*s.config.BlockSize)

		if numScheduled > 0 {
			if numScheduledBlocks > 0 {
				if err := s.bm.Allocate(seq, numScheduledBlocks, group.PromptIDs); err != nil {
					continue
				}
			}
			group.ScheduleTokens(numScheduled)

			out.ScheduledGroupIDs = append(out.ScheduledGroupIDs, groupID)
			out.BlockTables[seq.ID] = s.bm.GetBlockTable(seq.ID)
			out.TotalScheduledTokens += numScheduled * group.NumRunningSeqs()
		}

		if out.TotalScheduledTokens == s.config.MaxNumBatchedTokens {
			break
		}
	}
}

// schedulePromptVLLM schedules a pure prompt batch, padding every
// included group's token count up to the longest prompt in the batch so
// the executor can run them as one rectangular tensor.
func (s *Scheduler) schedulePromptVLLM(groups []*SequenceGroup, out *Output) {
	if len(out.ScheduledGroupIDs) != 0 {
		invariantViolation("vLLM prompt phase must run first on a step it runs at all")
	}
	if s.config.MaxNumSeqs > s.config.MaxNumBatchedTokens {
		invariantViolation("max_num_seqs (%d) must be <= max_num_batched_tokens (%d)", s.config.MaxNumSeqs, s.config.MaxNumBatchedTokens)
	}

	numRunningGroups := numRunningSequenceGroups(groups)
	maxSequenceLen := 0

	for groupID, group := range groups {
		if group.CanGenerateTokens() || group.IsWaiting() {
			continue
		}
		if group.NumRunningSeqs() != 1 {
			invariantViolation("prompt phase group %d has more than one running sequence", groupID)
		}
		if !s.config.EnablePrefixCaching && group.GetNumProcessedTokens() != 0 {
			invariantViolation("group %d must be scheduled in a single shot with no prior context", groupID)
		}

		seq := group.GetRunningSequences()[0]
		availableInMegabatch := s.config.MaxNumBatchedTokens - out.TotalScheduledTokens
		sequenceLen := group.GetNumAvailableTokensForBatching()
		maxSequenceLen = max(maxSequenceLen, sequenceLen)

		if sequenceLen > s.config.MaxNumBatchedTokens {
			invariantViolation("sequence length (%d) exceeds max_num_batched_tokens (%d)", sequenceLen, s.config.MaxNumBatchedTokens)
		}

		if numRunningGroups >= s.config.MaxNumSeqs {
			break
		}
		if availableInMegabatch < maxSequenceLen {
			break
		}

		numRequiredBlocks := ceilDiv(sequenceLen, s.config.BlockSize)
		if !s.bm.CanAllocateBlocks(numRequiredBlocks) {
			break
		}

		group.ScheduleTokens(sequenceLen)
		if numRequiredBlocks > 0 {
			if err := s.bm.Allocate(seq, numRequiredBlocks, group.PromptIDs); err != nil {
				invariantViolation("allocate failed for group %d after can_allocate_blocks passed", groupID)
			}
		}

		out.ScheduledGroupIDs = append(out.ScheduledGroupIDs, groupID)
		out.BlockTables[seq.ID] = s.bm.GetBlockTable(seq.ID)
		out.TotalScheduledTokens = maxSequenceLen * len(out.ScheduledGroupIDs)
		out.IsPrompt = true
		numRunningGroups++
	}
}

// lowPrioritySequenceGroupID scans from the tail of the FIFO list for
// the first group holding reserved KV blocks (some processed tokens),
// i.e. the cheapest-to-justify preemption victim under strict FIFO
// priority. Returns -1 if no group qualifies.
func lowPrioritySequenceGroupID(groups []*SequenceGroup) int {
	for i := len(groups) - 1; i >= 0; i-- {
		if groups[i].GetNumProcessedTokens() > 0 {
			return i
		}
	}
	return -1
}

// applyPreemption evicts lower-priority groups by recompute until
// groupID's staged tokens fit, or until no further eviction is possible
// (the only remaining victim would be groupID itself or something ahead
// of it in priority).
func (s *Scheduler) applyPreemption(groupID int, groups []*SequenceGroup) {
	group := groups[groupID]
	for !s.bm.CanAppendSlots(group) {
		victimID := lowPrioritySequenceGroupID(groups)
		if victimID == -1 || victimID <= groupID {
			break
		}
		blocksNeeded := s.bm.RequiredBlocksCount(group)
		if !s.preemptByRecompute(groups[victimID], blocksNeeded) {
			break
		}
	}
}

// preemptByRecompute frees victim's blocks -- fully if it holds no more
// than blocksNeeded, partially otherwise -- and rewinds its processed
// token count so it will recompute the freed portion on a later step.
//
// The partial-release branch's return value intentionally mirrors a
// quirk in the original OpenVINO GenAI source (the variable tracking
// "did we free anything" is never incremented there), so it always
// reports false. That makes applyPreemption's loop stop after at most
// one partial preemption per call even when the partial release did
// free blocks -- preserved deliberately for behavioral parity; see
// DESIGN.md.
func (s *Scheduler) preemptByRecompute(victim *SequenceGroup, blocksNeeded int) bool {
	processedTokens := victim.GetNumProcessedTokens()
	blockSize := s.config.BlockSize
	prevFree := s.bm.NumFreeBlocks()
	occupied := s.bm.GetNumberOfBlocksOccupiedBySequence(victim)

	if occupied <= blocksNeeded {
		for _, seq := range victim.GetRunningSequences() {
			s.bm.FreeSequence(seq.ID)
		}
		victim.PreemptTokens(processedTokens)
		victim.SetWaiting()
		freed := s.bm.NumFreeBlocks() > prevFree
		s.log.WithField("request_id", victim.RequestID).Debug("preempted group fully")
		return freed
	}

	logicalReleased := s.bm.FreeGroupPartially(victim, blocksNeeded)

	tokensInLastBlock := processedTokens % blockSize
	if tokensInLastBlock == 0 {
		tokensInLastBlock = blockSize
	}
	preemptedTokens := tokensInLastBlock + max(logicalReleased-1, 0)*blockSize

	if !s.config.DynamicSplitFuse && processedTokens-preemptedTokens < victim.GetPromptLen() {
		// Partial preemption would leave the prompt itself half-ingested;
		// escalate to a full rewind instead.
		preemptedTokens = processedTokens
		s.bm.FreeSequence(victim.Sequences[0].ID)
	}

	victim.PreemptTokens(preemptedTokens)
	victim.SetWaiting()
	s.log.WithFields(logrus.Fields{
		"request_id": victim.RequestID,
		"tokens":     preemptedTokens,
	}).Warn("preempted group partially")

	return false
}
