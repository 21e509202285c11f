package nanobatch

import (
	"sync/atomic"

	"github.com/google/uuid"
)

var seqCounter int64

func nextSeqID() int64 {
	return atomic.AddInt64(&seqCounter, 1) - 1
}

// Sequence is a single generation trace within a group (C4). Its block
// table lives in the BlockManager, keyed by ID -- a Sequence never holds
// a pointer to a Block or to its own table, only the id the block
// manager needs to look it up.
type Sequence struct {
	ID       int64
	TokenIDs []int
	Finished bool
}

// NewSequence creates a sequence seeded with the given token ids
// (typically the group's prompt).
func NewSequence(tokenIDs []int) *Sequence {
	tokens := make([]int, len(tokenIDs))
	copy(tokens, tokenIDs)
	return &Sequence{ID: nextSeqID(), TokenIDs: tokens}
}

// Len returns the sequence's current token count (prompt + generated so
// far), i.e. its context length.
func (s *Sequence) Len() int {
	return len(s.TokenIDs)
}

// AppendToken records a newly sampled token.
func (s *Sequence) AppendToken(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
}

// Fork creates a sibling sequence starting from the same tokens,
// carrying a fresh id -- the caller is responsible for asking the block
// manager to fork the corresponding block table.
func (s *Sequence) Fork() *Sequence {
	return &Sequence{ID: nextSeqID(), TokenIDs: append([]int(nil), s.TokenIDs...)}
}

// GroupStatus is a sequence group's lifecycle state.
type GroupStatus int

const (
	GroupWaiting GroupStatus = iota
	GroupRunning
	GroupFinished
)

// SequenceGroup is a user-level request (C4): prompt, the set of child
// sequences (beams), and the token-accounting counters the scheduler
// drives every step.
type SequenceGroup struct {
	RequestID uuid.UUID
	PromptIDs []int
	PromptLen int

	Sequences []*Sequence

	NumProcessedTokens  int
	NumScheduledTokens  int
	Status              GroupStatus
	MaxTokens           int

	isWaiting bool // transient "just preempted this step" guard
}

// NewSequenceGroup creates a single-beam group in the waiting lifecycle
// state (Status), but not under the transient per-step IsWaiting guard
// -- that guard is reserved for groups preempted mid-step, so a brand
// new request is immediately eligible for prompt scheduling on the very
// next Schedule call.
func NewSequenceGroup(promptIDs []int, maxTokens int) *SequenceGroup {
	prompt := make([]int, len(promptIDs))
	copy(prompt, promptIDs)
	return &SequenceGroup{
		RequestID: uuid.New(),
		PromptIDs: prompt,
		PromptLen: len(prompt),
		Sequences: []*Sequence{NewSequence(prompt)},
		Status:    GroupWaiting,
		MaxTokens: maxTokens,
	}
}

func (g *SequenceGroup) canonicalSequence() *Sequence {
	return g.Sequences[0]
}

// CanGenerateTokens reports whether the group has finished ingesting its
// prompt and is eligible for the generate phase.
func (g *SequenceGroup) CanGenerateTokens() bool {
	return g.NumProcessedTokens >= g.PromptLen
}

// IsWaiting reports the transient per-step "do not touch again this
// call" guard, set by SetWaiting and cleared by ClearWaitingSequences.
func (g *SequenceGroup) IsWaiting() bool {
	return g.isWaiting
}

// SetWaiting marks the group preempted: it re-enters the waiting state
// and is skipped for the remainder of the current schedule() call.
func (g *SequenceGroup) SetWaiting() {
	g.isWaiting = true
	g.Status = GroupWaiting
}

// ClearWaitingSequences clears the transient waiting guard at the end of
// a step, independent of the group's actual Status.
func (g *SequenceGroup) ClearWaitingSequences() {
	g.isWaiting = false
}

// HasFinished reports whether the whole group is done.
func (g *SequenceGroup) HasFinished() bool {
	return g.Status == GroupFinished
}

// GetRunningSequences returns the group's non-finished child sequences.
func (g *SequenceGroup) GetRunningSequences() []*Sequence {
	out := make([]*Sequence, 0, len(g.Sequences))
	for _, s := range g.Sequences {
		if !s.Finished {
			out = append(out, s)
		}
	}
	return out
}

// NumRunningSeqs is the group's current beam width.
func (g *SequenceGroup) NumRunningSeqs() int {
	return len(g.GetRunningSequences())
}

// GetNumProcessedTokens returns tokens already committed to KV.
func (g *SequenceGroup) GetNumProcessedTokens() int {
	return g.NumProcessedTokens
}

// GetNumAvailableTokensForBatching returns the tokens whose KV still
// needs computing: the gap between the canonical sequence's current
// length and what has been processed. That is the prompt remainder for a
// request that has not sampled yet, normally 1 during generation, and
// larger after a recompute-preemption rewound the processed counter
// without discarding the already-sampled tokens.
func (g *SequenceGroup) GetNumAvailableTokensForBatching() int {
	return g.canonicalSequence().Len() - g.NumProcessedTokens
}

// ScheduleTokens stages n tokens for the current step.
func (g *SequenceGroup) ScheduleTokens(n int) {
	g.NumScheduledTokens = n
}

// ClearScheduledTokens unstages this step's tokens, used when a group
// was tentatively staged but scheduling had to be rolled back.
func (g *SequenceGroup) ClearScheduledTokens() {
	g.NumScheduledTokens = 0
}

// PreemptTokens rolls num_processed_tokens back by n.
func (g *SequenceGroup) PreemptTokens(n int) {
	g.NumProcessedTokens -= n
	if g.NumProcessedTokens < 0 {
		g.NumProcessedTokens = 0
	}
}

// GetPromptLen returns the prompt length in tokens.
func (g *SequenceGroup) GetPromptLen() int {
	return g.PromptLen
}

// GetPromptIDs returns the prompt token ids.
func (g *SequenceGroup) GetPromptIDs() []int {
	return g.PromptIDs
}

// GetContextLen returns the canonical sequence's total token count.
func (g *SequenceGroup) GetContextLen() int {
	return g.canonicalSequence().Len()
}

// CommitScheduledTokens is called by the executor after a step completes
// successfully: it folds num_scheduled_tokens into num_processed_tokens
// and clears the staging counter, transitioning Waiting -> Running on
// a group's first successful schedule.
func (g *SequenceGroup) CommitScheduledTokens() {
	g.NumProcessedTokens += g.NumScheduledTokens
	g.NumScheduledTokens = 0
	if g.Status == GroupWaiting {
		g.Status = GroupRunning
	}
}

// NumCompletionTokens returns how many tokens the canonical sequence has
// generated beyond its prompt.
func (g *SequenceGroup) NumCompletionTokens() int {
	return g.canonicalSequence().Len() - g.PromptLen
}
