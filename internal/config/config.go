// SPDX-License-Identifier: MIT

// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full runtime configuration of the service.
type Config struct {
	// Transport
	BotToken     string
	BotUsername  string // public @name used in captions
	PollTimeout  time.Duration

	// Stores
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string

	// Filesystem
	DownloadDir  string
	MessagesPath string

	// Ops HTTP surface
	OpsAddr string

	// Concurrency caps
	UserSlotCap   int
	UserSlotTTL   time.Duration
	FFmpegSlotCap int
	FFmpegSlotTTL time.Duration
	FFmpegWorkers int64 // in-process semaphore for ffmpeg invocations

	// Delivery size policy. Divergent on purpose: YouTube full videos above
	// SendAsDocumentOver are still deliverable as documents up to HardRejectOver.
	SendAsDocumentOver int64
	HardRejectOver     int64

	// Gate policy
	FreeDays              int
	FreeDownloads         int
	YouTubeFullFreeCount  int
	InstagramCheckEvery   int
	SubscriptionChatID    int64 // channel the gate checks membership against; 0 disables

	// Provider endpoints
	YtdlpPath        string
	PytubefixBaseURL string
	SavenowBaseURL   string
	RapidAPIBaseURL  string
	RapidAPIKey      string

	// Tracing
	TracingEnabled  bool
	TracingExporter string // "grpc" or "http"
	TracingEndpoint string
}

// FromEnv builds a Config from environment variables, applying defaults.
func FromEnv() (*Config, error) {
	cfg := &Config{
		BotToken:     os.Getenv("BOT_TOKEN"),
		BotUsername:  envStr("BOT_USERNAME", "savebot"),
		PollTimeout:  envDuration("POLL_TIMEOUT", 30*time.Second),

		RedisAddr:     envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		SQLitePath:    envStr("SQLITE_PATH", "savebot.db"),

		DownloadDir:  envStr("DOWNLOAD_DIR", "/tmp/downloads"),
		MessagesPath: envStr("MESSAGES_PATH", "messages.yaml"),

		OpsAddr: envStr("OPS_ADDR", ":9090"),

		UserSlotCap:   envInt("USER_SLOT_CAP", 2),
		UserSlotTTL:   envDuration("USER_SLOT_TTL", 5*time.Minute),
		FFmpegSlotCap: envInt("FFMPEG_SLOT_CAP", 5),
		FFmpegSlotTTL: envDuration("FFMPEG_SLOT_TTL", 10*time.Minute),
		FFmpegWorkers: int64(envInt("FFMPEG_WORKERS", 4)),

		SendAsDocumentOver: envInt64("SEND_AS_DOCUMENT_OVER", 50<<20),
		HardRejectOver:     envInt64("HARD_REJECT_OVER", 2<<30),

		FreeDays:             envInt("FREE_DAYS", 3),
		FreeDownloads:        envInt("FREE_DOWNLOADS", 5),
		YouTubeFullFreeCount: envInt("YOUTUBE_FULL_FREE_COUNT", 3),
		InstagramCheckEvery:  envInt("INSTAGRAM_CHECK_EVERY", 3),
		SubscriptionChatID:   envInt64("SUBSCRIPTION_CHAT_ID", 0),

		YtdlpPath:        envStr("YTDLP_PATH", "yt-dlp"),
		PytubefixBaseURL: os.Getenv("PYTUBEFIX_BASE_URL"),
		SavenowBaseURL:   os.Getenv("SAVENOW_BASE_URL"),
		RapidAPIBaseURL:  os.Getenv("RAPIDAPI_BASE_URL"),
		RapidAPIKey:      os.Getenv("RAPIDAPI_KEY"),

		TracingEnabled:  envBool("TRACING_ENABLED", false),
		TracingExporter: envStr("TRACING_EXPORTER", "http"),
		TracingEndpoint: envStr("TRACING_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface mid-request.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("config: BOT_TOKEN is required")
	}
	if c.UserSlotCap < 1 {
		return fmt.Errorf("config: USER_SLOT_CAP must be >= 1, got %d", c.UserSlotCap)
	}
	if c.FFmpegSlotCap < 1 {
		return fmt.Errorf("config: FFMPEG_SLOT_CAP must be >= 1, got %d", c.FFmpegSlotCap)
	}
	if c.FFmpegWorkers < 1 {
		return fmt.Errorf("config: FFMPEG_WORKERS must be >= 1, got %d", c.FFmpegWorkers)
	}
	if c.SendAsDocumentOver <= 0 || c.HardRejectOver <= 0 {
		return fmt.Errorf("config: size thresholds must be positive")
	}
	if c.SendAsDocumentOver >= c.HardRejectOver {
		return fmt.Errorf("config: SEND_AS_DOCUMENT_OVER (%d) must be below HARD_REJECT_OVER (%d)",
			c.SendAsDocumentOver, c.HardRejectOver)
	}
	if c.InstagramCheckEvery < 1 {
		return fmt.Errorf("config: INSTAGRAM_CHECK_EVERY must be >= 1, got %d", c.InstagramCheckEvery)
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
