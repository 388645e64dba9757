// SPDX-License-Identifier: MIT

// Package artifact maps request fingerprints to previously delivered upload handles.
package artifact

import (
	"context"
	// MD5 is fine here: the fingerprint is a cache key, not a security boundary.
	"crypto/md5" // #nosec G501
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	keyPrefix  = "artifact:"
	defaultTTL = 7 * 24 * time.Hour
	opTimeout  = 2 * time.Second
)

// Record holds the upload handles returned by the messenger transport.
type Record struct {
	VideoHandle string `json:"video_handle,omitempty"`
	AudioHandle string `json:"audio_handle,omitempty"`
}

// Cache is the Redis-backed delivered-artifact cache.
type Cache struct {
	client *redis.Client
	logger zerolog.Logger
	ttl    time.Duration
}

// NewCache builds a Cache with the standard 7-day TTL.
func NewCache(client *redis.Client, logger zerolog.Logger) *Cache {
	return &Cache{client: client, logger: logger, ttl: defaultTTL}
}

// Fingerprint returns the hex MD5 of the canonical resolved URL.
func Fingerprint(resolvedURL string) string {
	sum := md5.Sum([]byte(resolvedURL)) // #nosec G401
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached record for fp. Store errors degrade to a miss.
func (c *Cache) Lookup(ctx context.Context, fp string) (Record, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, keyPrefix+fp).Bytes()
	if err == redis.Nil {
		return Record{}, false
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("fingerprint", fp).Msg("artifact lookup failed")
		return Record{}, false
	}

	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		c.logger.Warn().Err(err).Str("fingerprint", fp).Msg("artifact record unmarshal failed")
		return Record{}, false
	}
	if rec.VideoHandle == "" && rec.AudioHandle == "" {
		return Record{}, false
	}
	return rec, true
}

// Store persists the record under fp. Failures are logged, never fatal.
func (c *Cache) Store(ctx context.Context, fp string, rec Record) {
	if rec.VideoHandle == "" && rec.AudioHandle == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn().Err(err).Str("fingerprint", fp).Msg("artifact record marshal failed")
		return
	}
	if err := c.client.Set(ctx, keyPrefix+fp, data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("fingerprint", fp).Msg("artifact store failed")
	}
}

// Invalidate drops the record, used after the transport rejects a stale handle.
func (c *Cache) Invalidate(ctx context.Context, fp string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, keyPrefix+fp).Err(); err != nil {
		c.logger.Warn().Err(err).Str("fingerprint", fp).Msg("artifact invalidate failed")
	}
}
