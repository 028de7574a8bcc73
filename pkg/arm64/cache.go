package arm64

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

type cacheKey struct {
	pc   uint64
	word uint32
}

// CachedDecoder memoizes another Decoder. Rules scan the same windows
// repeatedly (function bodies, call sites) so most lookups hit.
type CachedDecoder struct {
	inner Decoder
	cache *lru.Cache[cacheKey, Instruction]
}

// NewCachedDecoder wraps inner with an LRU cache holding size entries.
func NewCachedDecoder(inner Decoder, size int) (*CachedDecoder, error) {
	if inner == nil {
		inner = Decomposed
	}
	c, err := lru.New[cacheKey, Instruction](size)
	if err != nil {
		return nil, err
	}
	return &CachedDecoder{inner: inner, cache: c}, nil
}

// Decode implements Decoder.
func (d *CachedDecoder) Decode(word uint32, pc uint64) Instruction {
	key := cacheKey{pc: pc, word: word}
	if i, ok := d.cache.Get(key); ok {
		return i
	}
	i := d.inner.Decode(word, pc)
	d.cache.Add(key, i)
	return i
}

// Len returns the number of cached instructions.
func (d *CachedDecoder) Len() int { return d.cache.Len() }
