package nanobatch

import (
	"fmt"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FinishedOutput is a completed request's result.
type FinishedOutput struct {
	RequestID uuid.UUID
	TokenIDs  []int
	Text      string
}

// StepResult summarizes one Engine.Step call.
type StepResult struct {
	Finished           []FinishedOutput
	IsPrompt           bool
	CacheUsageFraction float64
	ScheduledRequests  int
}

// Engine is the orchestrator: it owns the FIFO request queue (the thing
// the teacher's Scheduler used to hide inside a container/list), and
// drives it through the scheduler and model runner one step at a time.
// Grounded on the teacher's LLMEngine, generalized so the scheduler
// itself stays a pure function of an externally supplied group list.
type Engine struct {
	scheduler   *Scheduler
	modelRunner ModelRunner
	tokenizer   Tokenizer
	queue       deque.Deque[*SequenceGroup]
	log         *logrus.Entry
}

// NewEngine wires a scheduler, model runner, and tokenizer together.
func NewEngine(config *SchedulerConfig, modelRunner ModelRunner, tokenizer Tokenizer) *Engine {
	return &Engine{
		scheduler:   NewScheduler(config),
		modelRunner: modelRunner,
		tokenizer:   tokenizer,
		queue:       deque.Deque[*SequenceGroup]{},
		log:         logrus.WithField("component", "engine"),
	}
}

// Close releases the model runner's resources.
func (e *Engine) Close() error {
	return e.modelRunner.Close()
}

// AddRequest admits a new request to the back of the FIFO queue. prompt
// is either a string (encoded via the tokenizer) or a []int of token
// ids. Returns the request id the caller can use to correlate with a
// later FinishedOutput.
func (e *Engine) AddRequest(prompt any, maxTokens int) (uuid.UUID, error) {
	var tokenIDs []int
	switch p := prompt.(type) {
	case string:
		ids, err := e.tokenizer.Encode(p)
		if err != nil {
			return uuid.UUID{}, fmt.Errorf("encode prompt: %w", err)
		}
		tokenIDs = ids
	case []int:
		tokenIDs = p
	default:
		return uuid.UUID{}, fmt.Errorf("prompt must be string or []int")
	}

	group := NewSequenceGroup(tokenIDs, maxTokens)
	e.queue.PushBack(group)
	return group.RequestID, nil
}

// IsFinished reports whether every admitted request has completed.
func (e *Engine) IsFinished() bool {
	return e.queue.Len() == 0
}

func (e *Engine) orderedGroups() []*SequenceGroup {
	groups := make([]*SequenceGroup, e.queue.Len())
	for i := 0; i < e.queue.Len(); i++ {
		groups[i] = e.queue.At(i)
	}
	return groups
}

// Step runs one scheduling round: build the batch, run the model,
// commit token accounting, and retire any requests that just finished.
func (e *Engine) Step() (*StepResult, error) {
	groups := e.orderedGroups()

	if e.scheduler.GetConfig().EnablePrefixCaching {
		for _, g := range groups {
			e.scheduler.RestoreCachedBlocks(g)
		}
	}

	out := e.scheduler.Schedule(groups)
	if len(out.ScheduledGroupIDs) == 0 {
		return nil, fmt.Errorf("%w: %d requests queued, none schedulable", ErrNoProgress, len(groups))
	}

	reqs := make([]StepRequest, 0, len(out.ScheduledGroupIDs))
	scheduled := make([]*SequenceGroup, 0, len(out.ScheduledGroupIDs))
	for _, groupID := range out.ScheduledGroupIDs {
		group := groups[groupID]
		seq := group.GetRunningSequences()[0]
		reqs = append(reqs, StepRequest{
			SequenceID:         seq.ID,
			TokenIDs:           seq.TokenIDs,
			BlockTable:         out.BlockTables[seq.ID],
			NumScheduledTokens: group.NumScheduledTokens,
			IsPrefill:          !group.CanGenerateTokens(),
		})
		scheduled = append(scheduled, group)
	}

	sampled, err := e.modelRunner.Run(reqs)
	if err != nil {
		return nil, fmt.Errorf("model step failed: %w", err)
	}
	if len(sampled) != len(reqs) {
		invariantViolation("model runner returned %d tokens for %d requests", len(sampled), len(reqs))
	}

	result := &StepResult{
		IsPrompt:           out.IsPrompt,
		CacheUsageFraction: out.CacheUsageFraction,
		ScheduledRequests:  len(scheduled),
	}

	for i, group := range scheduled {
		group.CommitScheduledTokens()

		// Only a group that has caught all the way up to the end of its
		// known context produces a new sampled token this step -- a
		// group still mid-chunk on a long prompt just advances its
		// processed counter and waits for a later step.
		if group.GetNumProcessedTokens() != group.GetContextLen() {
			continue
		}

		seq := group.GetRunningSequences()[0]
		tokenID := sampled[i]
		seq.AppendToken(tokenID)

		finished := tokenID == e.tokenizer.EOSTokenID() || group.NumCompletionTokens() >= group.MaxTokens
		if !finished {
			continue
		}

		group.Status = GroupFinished
		for _, s := range group.Sequences {
			s.Finished = true
		}
		e.scheduler.FreeSequence(seq.ID)

		text, derr := e.tokenizer.Decode(seq.TokenIDs[group.PromptLen:])
		if derr != nil {
			return nil, fmt.Errorf("decode completion: %w", derr)
		}
		result.Finished = append(result.Finished, FinishedOutput{
			RequestID: group.RequestID,
			TokenIDs:  append([]int(nil), seq.TokenIDs[group.PromptLen:]...),
			Text:      text,
		})
	}

	e.removeFinished()
	return result, nil
}

func (e *Engine) removeFinished() {
	var remaining deque.Deque[*SequenceGroup]
	for i := 0; i < e.queue.Len(); i++ {
		g := e.queue.At(i)
		if !g.HasFinished() {
			remaining.PushBack(g)
		}
	}
	e.queue = remaining
}

// Generate runs prompts to completion and returns their outputs in
// submission order, blocking until every request finishes.
func (e *Engine) Generate(prompts []string, maxTokens int) ([]FinishedOutput, error) {
	order := make(map[uuid.UUID]int, len(prompts))
	for i, p := range prompts {
		id, err := e.AddRequest(p, maxTokens)
		if err != nil {
			return nil, err
		}
		order[id] = i
	}

	results := make([]FinishedOutput, len(prompts))
	seen := 0
	for !e.IsFinished() {
		res, err := e.Step()
		if err != nil {
			return nil, err
		}
		for _, f := range res.Finished {
			results[order[f.RequestID]] = f
			seen++
		}
	}
	if seen != len(prompts) {
		invariantViolation("generate: %d of %d requests finished", seen, len(prompts))
	}
	return results, nil
}
