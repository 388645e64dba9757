// SPDX-License-Identifier: MIT

// Package routing resolves the provider chain for a source key from the
// config store, with operator overrides and built-in defaults.
package routing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	baselineKeyPrefix = "routing:"
	overrideKeyPrefix = "routing_override:"
	opTimeout         = 2 * time.Second

	defaultDownloadTimeoutSec = 60
	defaultConnectTimeoutSec  = 5
)

// ProviderSpec describes one entry of a provider chain.
type ProviderSpec struct {
	Name               string `json:"name"`
	Enabled            bool   `json:"enabled"`
	DownloadTimeoutSec int    `json:"download_timeout_sec"`
	ConnectTimeoutSec  int    `json:"connect_timeout_sec"`
}

// Chain is an ordered provider list for one source key.
type Chain struct {
	SourceKey string
	Providers []ProviderSpec
	Override  bool // true when served from a time-bounded operator override
}

// override is the persisted shape of routing_override:<key>.
type override struct {
	Chain     []string `json:"chain"`
	ExpiresAt string   `json:"expires_at"`
}

// defaults is the built-in chain table. Every supported source key resolves
// to a non-empty chain even with an empty config store.
var defaults = map[string][]string{
	"youtube_full":       {"ytdlp", "pytubefix", "savenow"},
	"youtube_shorts":     {"ytdlp", "pytubefix", "savenow"},
	"tiktok":             {"ytdlp", "rapidapi"},
	"pinterest":          {"ytdlp", "rapidapi"},
	"instagram_reel":     {"rapidapi"},
	"instagram_post":     {"rapidapi"},
	"instagram_story":    {"rapidapi"},
	"instagram_carousel": {"rapidapi"},
}

// Engine reads chains from the config store.
type Engine struct {
	client *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine builds an Engine.
func NewEngine(client *redis.Client, logger zerolog.Logger) *Engine {
	return &Engine{client: client, logger: logger, now: time.Now}
}

// GetChain resolves the chain for sourceKey: unexpired override first, then
// the persisted baseline, then the built-in default. Read errors against
// the store are logged and fall through; the result is never empty.
func (e *Engine) GetChain(ctx context.Context, sourceKey string) Chain {
	if chain, ok := e.readOverride(ctx, sourceKey); ok {
		return chain
	}
	if chain, ok := e.readBaseline(ctx, sourceKey); ok {
		return chain
	}
	return defaultChain(sourceKey)
}

func (e *Engine) readOverride(ctx context.Context, sourceKey string) (Chain, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := e.client.Get(ctx, overrideKeyPrefix+sourceKey).Bytes()
	if err == redis.Nil {
		return Chain{}, false
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("source_key", sourceKey).Msg("routing override read failed")
		return Chain{}, false
	}

	var ov override
	if err := json.Unmarshal(val, &ov); err != nil {
		e.logger.Warn().Err(err).Str("source_key", sourceKey).Msg("routing override unmarshal failed")
		return Chain{}, false
	}
	expires, err := time.Parse(time.RFC3339, ov.ExpiresAt)
	if err != nil || !expires.After(e.now()) {
		return Chain{}, false
	}
	if len(ov.Chain) == 0 {
		return Chain{}, false
	}

	specs := make([]ProviderSpec, 0, len(ov.Chain))
	for _, name := range ov.Chain {
		specs = append(specs, ProviderSpec{
			Name:               name,
			Enabled:            true,
			DownloadTimeoutSec: defaultDownloadTimeoutSec,
			ConnectTimeoutSec:  defaultConnectTimeoutSec,
		})
	}
	return Chain{SourceKey: sourceKey, Providers: specs, Override: true}, true
}

func (e *Engine) readBaseline(ctx context.Context, sourceKey string) (Chain, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := e.client.Get(ctx, baselineKeyPrefix+sourceKey).Bytes()
	if err == redis.Nil {
		return Chain{}, false
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("source_key", sourceKey).Msg("routing baseline read failed")
		return Chain{}, false
	}

	var specs []ProviderSpec
	if err := json.Unmarshal(val, &specs); err != nil {
		e.logger.Warn().Err(err).Str("source_key", sourceKey).Msg("routing baseline unmarshal failed")
		return Chain{}, false
	}

	enabled := make([]ProviderSpec, 0, len(specs))
	for _, s := range specs {
		if !s.Enabled {
			continue
		}
		if s.DownloadTimeoutSec <= 0 {
			s.DownloadTimeoutSec = defaultDownloadTimeoutSec
		}
		if s.ConnectTimeoutSec <= 0 {
			s.ConnectTimeoutSec = defaultConnectTimeoutSec
		}
		enabled = append(enabled, s)
	}
	if len(enabled) == 0 {
		return Chain{}, false
	}
	return Chain{SourceKey: sourceKey, Providers: enabled}, true
}

func defaultChain(sourceKey string) Chain {
	names, ok := defaults[sourceKey]
	if !ok {
		// Unknown keys still get a usable chain.
		names = []string{"ytdlp"}
	}
	specs := make([]ProviderSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, ProviderSpec{
			Name:               name,
			Enabled:            true,
			DownloadTimeoutSec: defaultDownloadTimeoutSec,
			ConnectTimeoutSec:  defaultConnectTimeoutSec,
		})
	}
	return Chain{SourceKey: sourceKey, Providers: specs}
}
