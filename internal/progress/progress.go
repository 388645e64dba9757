// SPDX-License-Identifier: MIT

// Package progress keeps the status message fresh during long downloads.
package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/savebot/savebot/internal/errmap"
	"github.com/savebot/savebot/internal/transport"
)

const tickInterval = 60 * time.Second

// Updater edits one status message on a fixed cadence until stopped. Byte
// counts arrive from the provider's progress callback; without them the
// message falls back to a waiting line.
type Updater struct {
	tr        transport.Transport
	chatID    int64
	messageID int
	msgs      *errmap.Messages
	lang      string
	logger    zerolog.Logger

	downloaded atomic.Int64
	total      atomic.Int64

	limiter  *rate.Limiter
	done     chan struct{}
	stopOnce sync.Once
}

func NewUpdater(tr transport.Transport, chatID int64, messageID int, msgs *errmap.Messages, lang string, logger zerolog.Logger) *Updater {
	return &Updater{
		tr:        tr,
		chatID:    chatID,
		messageID: messageID,
		msgs:      msgs,
		lang:      lang,
		logger:    logger.With().Str("component", "progress").Logger(),
		// One edit per 30s ceiling regardless of ticker behavior.
		limiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
		done:    make(chan struct{}),
	}
}

// OnProgress is wired as the provider progress callback.
func (u *Updater) OnProgress(downloadedBytes, totalBytes int64) {
	u.downloaded.Store(downloadedBytes)
	if totalBytes > 0 {
		u.total.Store(totalBytes)
	}
}

// Run blocks until Stop or context cancellation, editing the status message
// once per tick. Edit failures are logged and skipped; the message may have
// been deleted by the user.
func (u *Updater) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-u.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !u.limiter.Allow() {
				continue
			}
			text := u.render(time.Since(start))
			if err := u.tr.EditMessageText(ctx, u.chatID, u.messageID, text); err != nil {
				u.logger.Debug().Err(err).Msg("status edit failed")
			}
		}
	}
}

// Stop is idempotent and safe from any goroutine.
func (u *Updater) Stop() {
	u.stopOnce.Do(func() { close(u.done) })
}

func (u *Updater) render(elapsed time.Duration) string {
	minutes := int(elapsed.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	dl, total := u.downloaded.Load(), u.total.Load()
	if total > 0 {
		return fmt.Sprintf(u.msgs.Get(errmap.KeyProgress, u.lang), minutes, formatMB(dl), formatMB(total))
	}
	return fmt.Sprintf(u.msgs.Get(errmap.KeyProgressWait, u.lang), minutes)
}

func formatMB(b int64) string {
	return fmt.Sprintf("%.1f MB", float64(b)/(1024*1024))
}
