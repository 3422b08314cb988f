// Package embedcache memoizes embeddings in Redis keyed by model and text.
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/triage"
)

const keyPrefix = "sift:emb:"

// KV is the subset of the go-redis client the cache needs.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Hooks are optional observability callbacks.
type Hooks struct {
	OnLookup func(hit bool)
}

// Cache implements triage.Embedder in front of another Embedder. Redis
// failures degrade to a direct call and are never returned.
type Cache struct {
	kv     KV
	next   triage.Embedder
	model  string
	ttl    time.Duration
	logger log.Logger
	hooks  Hooks
}

// New creates a cache. model namespaces keys so a model change never serves
// stale vectors.
func New(kv KV, next triage.Embedder, model string, ttl time.Duration, logger log.Logger, hooks Hooks) *Cache {
	if logger == nil {
		logger = log.Nop()
	}
	return &Cache{kv: kv, next: next, model: model, ttl: ttl, logger: logger, hooks: hooks}
}

// Embed returns the cached vector for text or computes and stores it.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	key := Key(c.model, text)

	raw, err := c.kv.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if vec, derr := Decode(raw); derr == nil {
			c.lookup(true)
			return vec, nil
		}
		c.logger.Warn(ctx, "discarding corrupt cached embedding", "key", key)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn(ctx, "embedding cache read failed", "error", err)
	}
	c.lookup(false)

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.kv.Set(ctx, key, Encode(vec), c.ttl).Err(); err != nil {
		c.logger.Warn(ctx, "embedding cache write failed", "error", err)
	}
	return vec, nil
}

func (c *Cache) lookup(hit bool) {
	if c.hooks.OnLookup != nil {
		c.hooks.OnLookup(hit)
	}
}

// Key derives the cache key for model and text.
func Key(model, text string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Encode packs v as little-endian float32s.
func Encode(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

// Decode is the inverse of Encode.
func Decode(b []byte) ([]float32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("decode embedding: %d bytes is not a float32 vector", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}
