// SPDX-License-Identifier: MIT

// Package slots implements advisory concurrency admission backed by Redis counters.
package slots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/savebot/savebot/internal/metrics"
)

// ErrSlotUnavailable is returned when a capped counter is already at its cap.
var ErrSlotUnavailable = errors.New("slots: no slot available")

const (
	userKeyPrefix = "downloads:user:"
	ffmpegKey     = "ffmpeg:active"

	activeDownloadsKey = "counter:active_downloads"
	activeUploadsKey   = "counter:active_uploads"

	counterTTL = 5 * time.Minute
	opTimeout  = 2 * time.Second
)

// Config carries the caps and TTLs for the capped slots.
type Config struct {
	UserCap   int
	UserTTL   time.Duration
	FFmpegCap int
	FFmpegTTL time.Duration
}

// DefaultConfig mirrors the production caps.
func DefaultConfig() Config {
	return Config{
		UserCap:   2,
		UserTTL:   5 * time.Minute,
		FFmpegCap: 5,
		FFmpegTTL: 10 * time.Minute,
	}
}

// Controller manages the slot ledger. All operations are advisory and
// fail-open: a broken counter store never blocks work.
type Controller struct {
	client *redis.Client
	logger zerolog.Logger
	cfg    Config
}

// NewController builds a Controller.
func NewController(client *redis.Client, cfg Config, logger zerolog.Logger) *Controller {
	return &Controller{client: client, logger: logger, cfg: cfg}
}

// AcquireUser increments the per-user counter. If the post-increment value
// exceeds the cap the increment is reverted and ErrSlotUnavailable returned.
func (c *Controller) AcquireUser(ctx context.Context, userID int64) error {
	key := fmt.Sprintf("%s%d", userKeyPrefix, userID)
	err := c.acquire(ctx, key, c.cfg.UserCap, c.cfg.UserTTL)
	if errors.Is(err, ErrSlotUnavailable) {
		metrics.RecordSlotRejection("user")
	}
	return err
}

// ReleaseUser decrements the per-user counter, clamping at zero.
func (c *Controller) ReleaseUser(ctx context.Context, userID int64) {
	c.release(ctx, fmt.Sprintf("%s%d", userKeyPrefix, userID))
}

// AcquireFFmpeg takes the process-global ffmpeg slot.
func (c *Controller) AcquireFFmpeg(ctx context.Context) error {
	err := c.acquire(ctx, ffmpegKey, c.cfg.FFmpegCap, c.cfg.FFmpegTTL)
	if errors.Is(err, ErrSlotUnavailable) {
		metrics.RecordSlotRejection("ffmpeg")
	}
	return err
}

// ReleaseFFmpeg returns the ffmpeg slot.
func (c *Controller) ReleaseFFmpeg(ctx context.Context) {
	c.release(ctx, ffmpegKey)
}

// IncActiveDownloads bumps the observability counter at the request boundary.
func (c *Controller) IncActiveDownloads(ctx context.Context) { c.inc(ctx, activeDownloadsKey) }

// DecActiveDownloads decrements the observability counter, clamping at zero.
func (c *Controller) DecActiveDownloads(ctx context.Context) { c.release(ctx, activeDownloadsKey) }

// IncActiveUploads bumps the upload-boundary observability counter.
func (c *Controller) IncActiveUploads(ctx context.Context) { c.inc(ctx, activeUploadsKey) }

// DecActiveUploads decrements the upload-boundary counter, clamping at zero.
func (c *Controller) DecActiveUploads(ctx context.Context) { c.release(ctx, activeUploadsKey) }

func (c *Controller) acquire(ctx context.Context, key string, cap int, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		// Fail open: counter store trouble must not block downloads.
		c.logger.Warn().Err(err).Str("key", key).Msg("slot acquire failed, proceeding without slot")
		return nil
	}
	c.client.Expire(ctx, key, ttl)

	if n > int64(cap) {
		if err := c.client.Decr(ctx, key).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("slot revert failed")
		}
		return ErrSlotUnavailable
	}
	return nil
}

func (c *Controller) release(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := c.client.Decr(ctx, key).Result()
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("slot release failed")
		return
	}
	if n < 0 {
		// Clamp: a crashed process may have lost its increment to the TTL.
		if err := c.client.Set(ctx, key, 0, counterTTL).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("slot clamp failed")
		}
	}
}

func (c *Controller) inc(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Incr(ctx, key).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("counter increment failed")
		return
	}
	c.client.Expire(ctx, key, counterTTL)
}
