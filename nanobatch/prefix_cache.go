package nanobatch

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// computeBlockHash hashes a block-aligned run of token ids, chaining in
// the hash of the preceding block so that two prompts only collide on a
// block if their entire prefix up to and including that block matches.
// Grounded on the teacher's BlockManager.ComputeHash.
func computeBlockHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()
	if prefixHash != 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}
	buf := make([]byte, 4)
	for _, id := range tokenIDs {
		binary.LittleEndian.PutUint32(buf, uint32(id))
		h.Write(buf)
	}
	return h.Sum64()
}

// PrefixCacheIndex is the content-addressed map from block-aligned
// prompt-prefix hashes to cached blocks (C2). While sequence tables use an
// indexed block, its RefCount is the number of those tables; the index
// itself adds no reference. When the last table releases it, the block
// manager parks it here instead of returning it to the block pool:
// a parked block is cached-only (RefCount pinned at 1 by the cache, not
// referenced by any live sequence table) and is tracked in an LRU so the
// block manager has a concrete victim to reclaim when the pool runs dry.
//
// The evictor is backed by hashicorp/golang-lru/v2, the same library
// matrixinfer-ai-kthena's infer-gateway prefix-aware scorer uses for its
// own block cache (pkg/infer-gateway/scheduler/plugins/cache/lru.go).
// Its recency policy matches the LRU-by-timestamp Evictor described in
// the original OpenVINO GenAI test suite (tests/cpp/evictor.cpp).
type PrefixCacheIndex struct {
	blockSize int
	byHash    map[uint64]*Block
	evictor   *lru.Cache[uint64, *Block]
}

// NewPrefixCacheIndex creates an index whose evictor can hold up to
// capacity cached-only blocks (in practice: the pool's block count,
// since that's an upper bound on how many blocks could ever be
// cached-only at once).
func NewPrefixCacheIndex(blockSize, capacity int) *PrefixCacheIndex {
	evictor, err := lru.New[uint64, *Block](capacity)
	if err != nil {
		// Only returns an error for capacity <= 0, which a correctly
		// configured scheduler never passes.
		invariantViolation("prefix cache evictor: %v", err)
	}
	return &PrefixCacheIndex{
		blockSize: blockSize,
		byHash:    make(map[uint64]*Block),
		evictor:   evictor,
	}
}

// Lookup returns the cached block for hash, if any, counting the caller
// as a new owner. A parked block is un-parked from the evictor and its
// pinned reference becomes the caller's; a block already in use by other
// tables has its refcount incremented.
func (idx *PrefixCacheIndex) Lookup(hash uint64) (*Block, bool) {
	b, ok := idx.byHash[hash]
	if !ok {
		return nil, false
	}
	if idx.evictor.Contains(hash) {
		idx.evictor.Remove(hash)
		return b, true
	}
	b.RefCount++
	return b, true
}

// Insert records that hash is now backed by block b. Called whenever a
// full block's contents become known (prompt allocation or a block that
// just filled up during decode).
func (idx *PrefixCacheIndex) Insert(hash uint64, b *Block) {
	b.Hash = hash
	idx.byHash[hash] = b
}

// Park marks a block as cached-only: its last active owner released it,
// but since it carries a hash it is kept alive (refcount pinned at 1,
// outside the block pool's free list) as an eviction candidate instead
// of being returned to the pool immediately.
func (idx *PrefixCacheIndex) Park(b *Block) {
	b.RefCount = 1
	idx.evictor.Add(b.Hash, b)
}

// Evict reclaims the least-recently-used cached-only block back into
// pool, removing it from the index entirely. Returns false if the
// evictor is empty.
func (idx *PrefixCacheIndex) Evict(pool *BlockPool) bool {
	keys := idx.evictor.Keys()
	if len(keys) == 0 {
		return false
	}
	hash := keys[0]
	b, ok := idx.evictor.Peek(hash)
	if !ok {
		return false
	}
	idx.evictor.Remove(hash)
	delete(idx.byHash, hash)
	pool.reclaim(b)
	return true
}

// NumCachedOnly reports how many blocks are currently parked purely for
// reuse (not referenced by any live sequence table).
func (idx *PrefixCacheIndex) NumCachedOnly() int {
	return idx.evictor.Len()
}
