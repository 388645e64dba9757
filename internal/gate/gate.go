// SPDX-License-Identifier: MIT

// Package gate decides whether a download proceeds directly or the user is
// shown a subscription prompt first. The gate never blocks on infrastructure
// problems: any store or checker failure resolves to Allow.
package gate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/savebot/savebot/internal/metrics"
)

// Decision is the gate outcome for one request.
type Decision string

const (
	Allow  Decision = "allow"
	Prompt Decision = "prompt"
)

// Checker reports whether the user has an active subscription. The messenger
// side implements it; the gate only consumes the answer.
type Checker interface {
	IsSubscribed(ctx context.Context, userID int64) (bool, error)
}

// Config carries the free-tier knobs.
type Config struct {
	FreeDays             int // grace period after first contact
	FreeDownloads        int // total downloads before any prompting
	YouTubeFullFreeCount int // free full-length videos, lifetime
	InstagramCheckEvery  int // prompt on every Nth instagram download
}

const opTimeout = 2 * time.Second

type Gate struct {
	rdb     *redis.Client
	checker Checker
	cfg     Config
	logger  zerolog.Logger
}

func New(rdb *redis.Client, checker Checker, cfg Config, logger zerolog.Logger) *Gate {
	if cfg.InstagramCheckEvery <= 0 {
		cfg.InstagramCheckEvery = 3
	}
	return &Gate{
		rdb:     rdb,
		checker: checker,
		cfg:     cfg,
		logger:  logger.With().Str("component", "gate").Logger(),
	}
}

func firstSeenKey(userID int64) string { return fmt.Sprintf("gate:first_seen:%d", userID) }
func totalKey(userID int64) string     { return fmt.Sprintf("gate:total:%d", userID) }
func sourceKeyCount(userID int64, group string) string {
	return fmt.Sprintf("gate:count:%s:%d", group, userID)
}

// Check evaluates the prompt policy for one request. The evaluation order is
// subscription, free period, free download budget, then per-platform policy.
func (g *Gate) Check(ctx context.Context, userID int64, sourceKey string) Decision {
	d := g.check(ctx, userID, sourceKey)
	metrics.RecordGateCheck(string(d))
	return d
}

func (g *Gate) check(ctx context.Context, userID int64, sourceKey string) Decision {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if g.checker != nil {
		subscribed, err := g.checker.IsSubscribed(ctx, userID)
		if err != nil {
			g.logger.Warn().Err(err).Int64("user_id", userID).Msg("subscription check failed, allowing")
			return Allow
		}
		if subscribed {
			return Allow
		}
	}

	if g.withinFreePeriod(ctx, userID) {
		return Allow
	}
	if g.counter(ctx, totalKey(userID)) < int64(g.cfg.FreeDownloads) {
		return Allow
	}

	switch {
	case sourceKey == "tiktok" || sourceKey == "pinterest" || sourceKey == "youtube_shorts":
		return Allow
	case sourceKey == "youtube_full":
		if g.counter(ctx, sourceKeyCount(userID, "youtube_full")) < int64(g.cfg.YouTubeFullFreeCount) {
			return Allow
		}
		return Prompt
	case strings.HasPrefix(sourceKey, "instagram_"):
		// The stored count is completed downloads; gate when the one being
		// requested is the Nth.
		n := g.counter(ctx, sourceKeyCount(userID, "instagram"))
		if (n+1)%int64(g.cfg.InstagramCheckEvery) == 0 {
			return Prompt
		}
		return Allow
	}
	return Allow
}

// RecordDownload bumps the counters after a successful delivery.
func (g *Gate) RecordDownload(ctx context.Context, userID int64, sourceKey string) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := g.rdb.Incr(ctx, totalKey(userID)).Err(); err != nil {
		g.logger.Warn().Err(err).Msg("gate total counter update failed")
		return
	}
	switch {
	case sourceKey == "youtube_full":
		_ = g.rdb.Incr(ctx, sourceKeyCount(userID, "youtube_full")).Err()
	case strings.HasPrefix(sourceKey, "instagram_"):
		_ = g.rdb.Incr(ctx, sourceKeyCount(userID, "instagram")).Err()
	}
}

// withinFreePeriod stamps first contact and reports whether the grace window
// is still open. Store errors count as open.
func (g *Gate) withinFreePeriod(ctx context.Context, userID int64) bool {
	if g.cfg.FreeDays <= 0 {
		return false
	}
	key := firstSeenKey(userID)
	now := time.Now().Unix()

	set, err := g.rdb.SetNX(ctx, key, strconv.FormatInt(now, 10), 0).Result()
	if err != nil {
		g.logger.Warn().Err(err).Msg("first-seen stamp failed, treating as free period")
		return true
	}
	if set {
		return true
	}
	raw, err := g.rdb.Get(ctx, key).Result()
	if err != nil {
		return true
	}
	first, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	return now-first < int64(g.cfg.FreeDays)*86400
}

func (g *Gate) counter(ctx context.Context, key string) int64 {
	raw, err := g.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0
	}
	if err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("gate counter read failed, assuming zero")
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
