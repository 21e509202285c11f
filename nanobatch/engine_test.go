package nanobatch

import "testing"

func TestEngineGenerateSingleRequestSplitFuse(t *testing.T) {
	config := NewSchedulerConfig(
		WithBlockSize(4),
		WithNumKVBlocks(64),
		WithMaxNumBatchedTokens(32),
		WithDynamicSplitFuse(true),
	)
	vocab := 50
	eos := vocab // never produced naturally by the mock's modulo, so maxTokens drives termination
	e := NewEngine(config, NewMockModelRunner(vocab, eos), NewMockTokenizer(eos))

	outputs, err := e.Generate([]string{"hello"}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if len(outputs[0].TokenIDs) != 3 {
		t.Errorf("expected 3 completion tokens, got %d", len(outputs[0].TokenIDs))
	}
	if !e.IsFinished() {
		t.Errorf("expected engine to be finished after its only request completes")
	}
}

func TestEngineGenerateMultipleRequestsVLLM(t *testing.T) {
	config := NewSchedulerConfig(
		WithBlockSize(4),
		WithNumKVBlocks(64),
		WithMaxNumBatchedTokens(64),
		WithMaxNumSeqs(8),
		WithDynamicSplitFuse(false),
	)
	vocab := 50
	eos := vocab
	e := NewEngine(config, NewMockModelRunner(vocab, eos), NewMockTokenizer(eos))

	outputs, err := e.Generate([]string{"hello", "world, a longer prompt"}, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	for i, o := range outputs {
		if len(o.TokenIDs) != 2 {
			t.Errorf("output %d: expected 2 completion tokens, got %d", i, len(o.TokenIDs))
		}
	}
}

func TestEngineAddRequestRejectsBadPromptType(t *testing.T) {
	config := NewSchedulerConfig()
	e := NewEngine(config, NewMockModelRunner(50, 50), NewMockTokenizer(50))

	if _, err := e.AddRequest(42, 5); err == nil {
		t.Errorf("expected an error for a non-string/[]int prompt")
	}
}
