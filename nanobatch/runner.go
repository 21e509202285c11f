package nanobatch

// StepRequest is what the engine hands the model runner for a single
// scheduled sequence this step: enough context to run a forward pass
// over exactly the tokens the scheduler staged, plus the physical block
// table those tokens' KV entries live (or will live) in.
//
// Unlike the teacher's ModelRunner.Run(seqs, isPrefill), which assumes a
// batch is uniformly prefill or uniformly decode, split-fuse batches mix
// prompt chunks and decode steps in the same call -- so IsPrefill is
// carried per request instead of once for the whole batch.
type StepRequest struct {
	SequenceID         int64
	TokenIDs           []int
	BlockTable         []int
	NumScheduledTokens int
	IsPrefill          bool
}

// ModelRunner executes a forward pass over a mixed batch of scheduled
// requests and returns one sampled token id per request, in the same
// order. This can be implemented with CGo bindings to a real runtime,
// HTTP/gRPC calls to an inference server, or (as here) a stand-in for
// exercising the scheduler in isolation.
type ModelRunner interface {
	Run(reqs []StepRequest) ([]int, error)
	Close() error
}

// MockModelRunner is a deterministic stand-in for a real model: it never
// touches weights, but it gives every component downstream of the
// scheduler (token accounting, finish detection, decoding) something to
// exercise.
type MockModelRunner struct {
	vocab      int
	eosTokenID int
}

// NewMockModelRunner creates a mock runner that emits eosTokenID whenever
// a request's token count is a positive multiple of 20, and otherwise
// (SequenceID + token count) mod vocab, so generation loops terminate
// without needing a sampling policy.
func NewMockModelRunner(vocab, eosTokenID int) *MockModelRunner {
	return &MockModelRunner{vocab: vocab, eosTokenID: eosTokenID}
}

// Run generates exactly one mock next-token id per request. The engine
// passes every scheduled request, including prompt chunks that have not
// yet reached the end of their context, and discards the tokens sampled
// for those.
func (m *MockModelRunner) Run(reqs []StepRequest) ([]int, error) {
	out := make([]int, len(reqs))
	for i, r := range reqs {
		n := len(r.TokenIDs)
		tokenID := int((r.SequenceID + int64(n)) % int64(m.vocab))
		if n > 0 && n%20 == 0 {
			tokenID = m.eosTokenID
		}
		out[i] = tokenID
	}
	return out, nil
}

// Close is a no-op for the mock.
func (m *MockModelRunner) Close() error {
	return nil
}

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(tokenIDs []int) (string, error)
	EOSTokenID() int
}

// MockTokenizer is a byte-level stand-in tokenizer.
type MockTokenizer struct {
	eosTokenID int
}

// NewMockTokenizer creates a mock tokenizer reserving eosTokenID as EOS.
func NewMockTokenizer(eosTokenID int) *MockTokenizer {
	return &MockTokenizer{eosTokenID: eosTokenID}
}

// Encode maps each byte of text to a token id.
func (t *MockTokenizer) Encode(text string) ([]int, error) {
	tokens := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		tokens[i] = int(text[i])
	}
	return tokens, nil
}

// Decode maps token ids back to bytes, skipping EOS.
func (t *MockTokenizer) Decode(tokenIDs []int) (string, error) {
	buf := make([]byte, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id == t.eosTokenID {
			continue
		}
		buf = append(buf, byte(id))
	}
	return string(buf), nil
}

// EOSTokenID returns the reserved EOS token id.
func (t *MockTokenizer) EOSTokenID() int {
	return t.eosTokenID
}
