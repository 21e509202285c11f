package nanobatch

import (
	"github.com/sirupsen/logrus"
)

// CopyPlan maps a source block index to the destination block indices
// that must receive a physical copy of its KV contents before the next
// forward pass -- the executor's to-do list for copy-on-write.
type CopyPlan map[int][]int

func (p CopyPlan) merge(other CopyPlan) {
	for src, dsts := range other {
		p[src] = append(p[src], dsts...)
	}
}

// BlockManager owns per-sequence block tables and mediates every
// interaction with the block pool and prefix-cache index (C3). Sequences
// are referenced by id only -- block tables never hold back-pointers to
// sequences, and blocks never point back to the tables that use them.
type BlockManager struct {
	blockSize           int
	enablePrefixCaching bool
	pool                *BlockPool
	prefixCache         *PrefixCacheIndex
	tables              map[int64][]int
	log                 *logrus.Entry
}

// NewBlockManager creates a block manager over a fresh pool of numBlocks
// blocks of blockSize tokens each.
func NewBlockManager(numBlocks, blockSize int, enablePrefixCaching bool) *BlockManager {
	bm := &BlockManager{
		blockSize:           blockSize,
		enablePrefixCaching: enablePrefixCaching,
		pool:                NewBlockPool(numBlocks),
		tables:              make(map[int64][]int),
		log:                 logrus.WithField("component", "block_manager"),
	}
	if enablePrefixCaching {
		bm.prefixCache = NewPrefixCacheIndex(blockSize, numBlocks)
	}
	return bm
}

// NumFreeBlocks exposes the pool's free count (used by the scheduler's
// can_allocate_blocks / can_append_slots checks).
func (bm *BlockManager) NumFreeBlocks() int {
	return bm.pool.NumFree()
}

// CanAllocateBlocks reports whether n blocks can be pulled from the free
// list without eviction.
func (bm *BlockManager) CanAllocateBlocks(n int) bool {
	return bm.pool.CanAllocate(n)
}

// UsedFraction reports current pool occupancy in [0, 1].
func (bm *BlockManager) UsedFraction() float64 {
	return bm.pool.UsedFraction()
}

// GetBlockTable returns the block table for a sequence id.
func (bm *BlockManager) GetBlockTable(seqID int64) []int {
	return bm.tables[seqID]
}

// HasBlockTable reports whether a sequence currently has an allocated
// table.
func (bm *BlockManager) HasBlockTable(seqID int64) bool {
	_, ok := bm.tables[seqID]
	return ok
}

// obtainBlock pulls a fresh block from the pool, evicting a cached-only
// block from the prefix-cache index if the pool is exhausted and
// prefix caching is on. Mirrors spec §4.2: evict() is only invoked when
// the pool needs space and a cached-only (refcount 1) block exists.
func (bm *BlockManager) obtainBlock() (*Block, error) {
	b, err := bm.pool.AllocateOne()
	if err == nil {
		return b, nil
	}
	if bm.enablePrefixCaching && bm.prefixCache.Evict(bm.pool) {
		return bm.pool.AllocateOne()
	}
	return nil, ErrNoFreeBlocks
}

// Allocate appends nBlocks freshly allocated (or prefix-cache-hit)
// blocks to seq's table, computing block hashes over promptIDs as it
// goes so that later requests sharing this prefix can reuse the work.
// promptIDs must be the sequence's full prompt; nBlocks may cover only a
// portion of it when the scheduler is chunking a prompt across steps
// (split-fuse), in which case this is called again later with the same
// promptIDs to extend the table further.
func (bm *BlockManager) Allocate(seq *Sequence, nBlocks int, promptIDs []int) error {
	table, hadTable := bm.tables[seq.ID]
	start := len(table)

	var prefixHash uint64
	if start > 0 {
		prefixHash = bm.pool.Get(table[start-1]).Hash
	}

	for i := start; i < start+nBlocks; i++ {
		lo, hi := i*bm.blockSize, (i+1)*bm.blockSize
		if hi > len(promptIDs) {
			hi = len(promptIDs)
		}
		var chunk []int
		if lo < hi {
			chunk = promptIDs[lo:hi]
		}
		full := len(chunk) == bm.blockSize

		var hash uint64
		if full {
			hash = computeBlockHash(chunk, prefixHash)
		}

		var block *Block
		if bm.enablePrefixCaching && full {
			if cached, ok := bm.prefixCache.Lookup(hash); ok {
				block = cached
				block.NumComputedTokens = bm.blockSize
			}
		}

		if block == nil {
			newBlock, err := bm.obtainBlock()
			if err != nil {
				// Roll back the blocks we already appended this call so
				// the table stays consistent with invariant 1.
				bm.releaseTrailing(seq.ID, i-start)
				if !hadTable {
					delete(bm.tables, seq.ID)
				}
				return ErrNoFreeBlocks
			}
			block = newBlock
			block.NumComputedTokens = len(chunk)
			if full {
				if bm.enablePrefixCaching {
					bm.prefixCache.Insert(hash, block)
				} else {
					block.Hash = hash
				}
			}
		}

		table = append(table, block.Index)
		prefixHash = hash
		bm.tables[seq.ID] = table
	}

	return nil
}

// releaseTrailing drops the last n entries appended to a table during a
// failed Allocate call, decrementing their refcounts.
func (bm *BlockManager) releaseTrailing(seqID int64, n int) {
	table := bm.tables[seqID]
	for i := 0; i < n; i++ {
		last := table[len(table)-1]
		table = table[:len(table)-1]
		bm.releaseBlock(bm.pool.Get(last))
	}
	bm.tables[seqID] = table
}

// releaseBlock decrements a block's refcount, parking it in the
// prefix-cache evictor instead of the pool's free list when it carries
// a hash and prefix caching is enabled.
func (bm *BlockManager) releaseBlock(b *Block) {
	b.RefCount--
	if b.RefCount > 0 {
		return
	}
	if bm.enablePrefixCaching && b.Hash != 0 {
		bm.prefixCache.Park(b)
		return
	}
	b.RefCount = 0
	bm.pool.reclaim(b)
}

// numSeqsNeedingNewBlock counts how many of the group's running
// sequences lack capacity for the tokens already staged via
// schedule_tokens (normally one token; more after a recompute that only
// partially rewound the sequence).
func (bm *BlockManager) numSeqsNeedingNewBlock(group *SequenceGroup) int {
	required := group.NumProcessedTokens + group.NumScheduledTokens
	count := 0
	for _, seq := range group.GetRunningSequences() {
		table := bm.tables[seq.ID]
		capacity := len(table) * bm.blockSize
		if capacity < required {
			count++
		}
	}
	return count
}

// CanAppendSlots reports whether the pool has at least as many free
// blocks as there are running sequences that lack capacity for the
// staged tokens. A copy-on-write block for a shared tail, or a second
// new block for a sequence that needs more than one, is not counted, so
// AppendSlots can still run out of blocks when this returns true.
func (bm *BlockManager) CanAppendSlots(group *SequenceGroup) bool {
	return bm.pool.NumFree() >= bm.numSeqsNeedingNewBlock(group)
}

// RequiredBlocksCount returns the number of running sequences that lack
// capacity for the staged tokens. Each such sequence counts once, however
// many blocks it needs; copy-on-write blocks are not counted.
func (bm *BlockManager) RequiredBlocksCount(group *SequenceGroup) int {
	return bm.numSeqsNeedingNewBlock(group)
}

// AppendSlots ensures every running sequence in the group has KV
// capacity for the tokens staged this step, performing copy-on-write on
// any shared tail block along the way.
func (bm *BlockManager) AppendSlots(group *SequenceGroup) (CopyPlan, error) {
	plan := CopyPlan{}
	required := group.NumProcessedTokens + group.NumScheduledTokens

	for _, seq := range group.GetRunningSequences() {
		table := bm.tables[seq.ID]
		if len(table) == 0 {
			invariantViolation("append_slots: sequence %d has no block table", seq.ID)
		}

		lastIdx := len(table) - 1
		last := bm.pool.Get(table[lastIdx])
		occupiedInLast := required - lastIdx*bm.blockSize

		if occupiedInLast <= bm.blockSize && last.RefCount > 1 {
			dst, err := bm.obtainBlock()
			if err != nil {
				return nil, ErrNoFreeBlocks
			}
			dst.Hash = last.Hash
			dst.NumComputedTokens = last.NumComputedTokens
			plan[last.Index] = append(plan[last.Index], dst.Index)
			table[lastIdx] = dst.Index
			bm.releaseBlock(last)
			last = dst
		}

		capacity := len(table) * bm.blockSize
		for capacity < required {
			fresh, err := bm.obtainBlock()
			if err != nil {
				return nil, ErrNoFreeBlocks
			}
			table = append(table, fresh.Index)
			capacity += bm.blockSize
		}
		bm.tables[seq.ID] = table

		bm.maybeHashFilledBlock(seq, table, required)
	}

	return plan, nil
}

// maybeHashFilledBlock computes and registers the hash of the last block
// once it becomes exactly full, so future requests can reuse it through
// the prefix cache -- the decode-time counterpart of Allocate's
// prompt-time hashing.
func (bm *BlockManager) maybeHashFilledBlock(seq *Sequence, table []int, processed int) {
	if !bm.enablePrefixCaching {
		return
	}
	lastIdx := len(table) - 1
	last := bm.pool.Get(table[lastIdx])
	if last.Hash != 0 {
		return
	}
	occupied := processed - lastIdx*bm.blockSize
	if occupied != bm.blockSize {
		return
	}
	tokenIDs := seq.TokenIDs
	lo, hi := lastIdx*bm.blockSize, lastIdx*bm.blockSize+bm.blockSize
	if hi > len(tokenIDs) {
		return
	}
	var prefixHash uint64
	if lastIdx > 0 {
		prefixHash = bm.pool.Get(table[lastIdx-1]).Hash
	}
	hash := computeBlockHash(tokenIDs[lo:hi], prefixHash)
	last.NumComputedTokens = bm.blockSize
	bm.prefixCache.Insert(hash, last)
}

// FreeSequence decrements the refcounts of every block in seq's table
// and removes the table entry entirely.
func (bm *BlockManager) FreeSequence(seqID int64) {
	table := bm.tables[seqID]
	for i := len(table) - 1; i >= 0; i-- {
		bm.releaseBlock(bm.pool.Get(table[i]))
	}
	delete(bm.tables, seqID)
}

// ForkSequence gives childID a copy of parentID's block table, bumping
// every referenced block's refcount -- the classical beam-search fork.
func (bm *BlockManager) ForkSequence(parentID, childID int64) {
	parentTable := bm.tables[parentID]
	childTable := make([]int, len(parentTable))
	copy(childTable, parentTable)
	for _, idx := range childTable {
		bm.pool.Get(idx).RefCount++
	}
	bm.tables[childID] = childTable
}

// FreeGroupPartially releases the trailing n logical block positions
// shared by the group's running sequences, decrementing refcounts on
// every sequence's copy of each position. Returns the number of
// distinct logical positions actually released (<= n), which the
// preemptor uses to compute how many tokens were rewound.
func (bm *BlockManager) FreeGroupPartially(group *SequenceGroup, n int) int {
	seqs := group.GetRunningSequences()
	if len(seqs) == 0 || n == 0 {
		return 0
	}

	released := 0
	for released < n {
		allEmpty := true
		for _, seq := range seqs {
			table := bm.tables[seq.ID]
			if len(table) == 0 {
				continue
			}
			allEmpty = false
			last := table[len(table)-1]
			bm.tables[seq.ID] = table[:len(table)-1]
			bm.releaseBlock(bm.pool.Get(last))
		}
		if allEmpty {
			break
		}
		released++
	}
	return released
}

// GetNumberOfBlocksOccupiedBySequence returns the count of distinct
// blocks the group holds across all its running sequences, counting
// blocks shared between siblings only once.
func (bm *BlockManager) GetNumberOfBlocksOccupiedBySequence(group *SequenceGroup) int {
	seen := make(map[int]struct{})
	for _, seq := range group.GetRunningSequences() {
		for _, idx := range bm.tables[seq.ID] {
			seen[idx] = struct{}{}
		}
	}
	return len(seen)
}

// RestoreCachedBlocks is the pre-scheduling hook that, with prefix
// caching enabled, pre-populates the group's canonical sequence's block
// table with any prefix-cache hits on its prompt, and advances the
// group's processed-token counter to reflect the recovered prefix so the
// scheduler only schedules the genuinely new tokens.
func (bm *BlockManager) RestoreCachedBlocks(group *SequenceGroup, blockSize int) {
	if !bm.enablePrefixCaching || group.NumProcessedTokens > 0 {
		return
	}
	seq := group.canonicalSequence()
	promptIDs := group.PromptIDs

	var prefixHash uint64
	restored := 0
	for i := 0; i*blockSize+blockSize <= len(promptIDs); i++ {
		lo, hi := i*blockSize, i*blockSize+blockSize
		hash := computeBlockHash(promptIDs[lo:hi], prefixHash)
		block, ok := bm.prefixCache.Lookup(hash)
		if !ok {
			break
		}
		table := bm.tables[seq.ID]
		bm.tables[seq.ID] = append(table, block.Index)
		restored += blockSize
		prefixHash = hash
	}
	if restored > 0 {
		bm.log.WithFields(logrus.Fields{
			"request_id": group.RequestID,
			"tokens":     restored,
		}).Debug("restored prompt prefix from cache")
		group.NumProcessedTokens = restored
	}
}
