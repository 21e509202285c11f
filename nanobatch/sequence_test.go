package nanobatch

import "testing"

func TestSequenceAppendAndFork(t *testing.T) {
	seq := NewSequence([]int{1, 2, 3})
	if seq.Len() != 3 {
		t.Fatalf("expected length 3, got %d", seq.Len())
	}

	seq.AppendToken(4)
	if seq.Len() != 4 {
		t.Errorf("expected length 4 after append, got %d", seq.Len())
	}

	child := seq.Fork()
	if child.ID == seq.ID {
		t.Errorf("forked sequence must have a distinct id")
	}
	if child.Len() != seq.Len() {
		t.Errorf("forked sequence should start with the same tokens")
	}

	seq.AppendToken(5)
	if child.Len() == seq.Len() {
		t.Errorf("forked sequence's token slice must be independent of the parent's")
	}
}

func TestSequenceGroupLifecycle(t *testing.T) {
	g := NewSequenceGroup([]int{1, 2, 3, 4}, 8)

	if g.IsWaiting() {
		t.Fatalf("a freshly created group should be immediately schedulable, not waiting")
	}
	if g.Status != GroupWaiting {
		t.Fatalf("a freshly created group should start in the waiting lifecycle state")
	}
	if g.CanGenerateTokens() {
		t.Errorf("a group with no processed tokens should not be able to generate yet")
	}
	if g.GetNumAvailableTokensForBatching() != 4 {
		t.Errorf("expected 4 available prompt tokens, got %d", g.GetNumAvailableTokensForBatching())
	}

	g.ScheduleTokens(4)
	g.CommitScheduledTokens()
	if g.Status != GroupRunning {
		t.Errorf("expected group to transition to running after its first commit")
	}
	if !g.CanGenerateTokens() {
		t.Errorf("expected group to be able to generate after ingesting its whole prompt")
	}
	if g.NumScheduledTokens != 0 {
		t.Errorf("expected scheduled tokens to be cleared after commit")
	}

	g.ScheduleTokens(1)
	g.ClearScheduledTokens()
	if g.NumScheduledTokens != 0 {
		t.Errorf("expected ClearScheduledTokens to reset the staging counter")
	}

	g.PreemptTokens(4)
	if g.GetNumProcessedTokens() != 0 {
		t.Errorf("expected preempt to rewind processed tokens to 0, got %d", g.GetNumProcessedTokens())
	}

	g.PreemptTokens(1)
	if g.GetNumProcessedTokens() != 0 {
		t.Errorf("preempt should clamp at 0, got %d", g.GetNumProcessedTokens())
	}
}

func TestSequenceGroupWaitingGuard(t *testing.T) {
	g := NewSequenceGroup([]int{1, 2}, 4)
	g.ClearWaitingSequences()
	if g.IsWaiting() {
		t.Fatalf("expected waiting guard cleared")
	}

	g.SetWaiting()
	if !g.IsWaiting() || g.Status != GroupWaiting {
		t.Errorf("expected SetWaiting to mark the group waiting")
	}
}
