// SPDX-License-Identifier: MIT

// Package delivery pushes finished media to the messenger, applying the size
// policy, caption rules and the transient-failure retry loop.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/savebot/savebot/internal/metrics"
	"github.com/savebot/savebot/internal/transport"
)

// ErrTooLarge rejects files above the hard cap before any upload starts.
var ErrTooLarge = errors.New("delivery: file exceeds size limit")

// Mode selects the messenger method for a video file.
type Mode int

const (
	ModeVideo Mode = iota
	ModeDocument
)

// Per-call upload deadlines. Large documents crawl on slow uplinks, photo
// and audio sends are small and fail fast.
const (
	videoTimeout    = 2700 * time.Second
	documentTimeout = 2700 * time.Second
	photoTimeout    = 300 * time.Second
	albumTimeout    = 1200 * time.Second
	audioTimeout    = 600 * time.Second
)

// backoff between retry attempts. Files are re-opened by the transport on
// every attempt, so a half-written stream never leaks into the next try.
var backoffSteps = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// retryableMarkers match transient transport failures worth another attempt.
var retryableMarkers = []string{
	"connection reset",
	"broken pipe",
	"ssl",
	"eof",
	"read timeout",
	"i/o timeout",
	"closing transport",
	"server disconnected",
	"bad gateway",
	"gateway timeout",
}

// Config carries the size policy knobs.
type Config struct {
	SendAsDocumentOver int64 // above this a youtube_full video becomes a document
	HardRejectOver     int64 // above this nothing is sent
}

func DefaultConfig() Config {
	return Config{
		SendAsDocumentOver: 50 << 20,
		HardRejectOver:     2 << 30,
	}
}

// Item is one deliverable file with its presentation metadata.
type Item struct {
	Path        string
	IsPhoto     bool
	Size        int64
	Caption     string
	ThumbPath   string
	Width       int
	Height      int
	DurationSec int
}

type Deliverer struct {
	tr     transport.Transport
	cfg    Config
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(tr transport.Transport, cfg Config, logger zerolog.Logger) *Deliverer {
	if cfg.SendAsDocumentOver <= 0 {
		cfg.SendAsDocumentOver = DefaultConfig().SendAsDocumentOver
	}
	if cfg.HardRejectOver <= 0 {
		cfg.HardRejectOver = DefaultConfig().HardRejectOver
	}
	return &Deliverer{
		tr:     tr,
		cfg:    cfg,
		logger: logger.With().Str("component", "delivery").Logger(),
		sleep:  sleepCtx,
	}
}

// DecideMode applies the size policy. Only full-length YouTube videos may be
// demoted to documents; every other platform rejects above the video cap.
func (d *Deliverer) DecideMode(size int64, sourceKey string) (Mode, error) {
	if size > d.cfg.HardRejectOver {
		return 0, ErrTooLarge
	}
	if size <= d.cfg.SendAsDocumentOver {
		return ModeVideo, nil
	}
	if sourceKey == "youtube_full" {
		return ModeDocument, nil
	}
	return 0, ErrTooLarge
}

// SendVideo delivers one video file as video or document per the size
// policy. It returns the messenger file handle for the artifact cache and the
// wall time of the attempt that succeeded, excluding retries and backoff.
func (d *Deliverer) SendVideo(ctx context.Context, chatID int64, it Item, sourceKey string) (string, int64, error) {
	mode, err := d.DecideMode(it.Size, sourceKey)
	if err != nil {
		return "", 0, err
	}
	var handle string
	if mode == ModeDocument {
		ms, err := d.withRetry(ctx, "document", func() error {
			h, serr := d.tr.SendDocument(ctx, chatID, transport.DocumentUpload{
				Path:      it.Path,
				Caption:   it.Caption,
				ThumbPath: it.ThumbPath,
				Timeout:   documentTimeout,
			})
			handle = h
			return serr
		})
		return handle, ms, err
	}
	ms, err := d.withRetry(ctx, "video", func() error {
		h, serr := d.tr.SendVideo(ctx, chatID, transport.VideoUpload{
			Path:              it.Path,
			Caption:           it.Caption,
			ThumbPath:         it.ThumbPath,
			Width:             it.Width,
			Height:            it.Height,
			DurationSec:       it.DurationSec,
			SupportsStreaming: true,
			Timeout:           videoTimeout,
		})
		handle = h
		return serr
	})
	return handle, ms, err
}

func (d *Deliverer) SendPhoto(ctx context.Context, chatID int64, it Item) (string, int64, error) {
	var handle string
	ms, err := d.withRetry(ctx, "photo", func() error {
		h, serr := d.tr.SendPhoto(ctx, chatID, transport.PhotoUpload{
			Path:    it.Path,
			Caption: it.Caption,
			Timeout: photoTimeout,
		})
		handle = h
		return serr
	})
	return handle, ms, err
}

func (d *Deliverer) SendAudio(ctx context.Context, chatID int64, it Item, title, performer string) (string, int64, error) {
	var handle string
	ms, err := d.withRetry(ctx, "audio", func() error {
		h, serr := d.tr.SendAudio(ctx, chatID, transport.AudioUpload{
			Path:      it.Path,
			Caption:   it.Caption,
			Title:     title,
			Performer: performer,
			Timeout:   audioTimeout,
		})
		handle = h
		return serr
	})
	return handle, ms, err
}

// SendAlbum delivers a carousel as media groups of at most ten items, the
// caption riding on the very first item only. The returned milliseconds sum
// the successful attempts over all groups.
func (d *Deliverer) SendAlbum(ctx context.Context, chatID int64, items []Item, caption string) (int64, error) {
	const groupMax = 10
	var totalMs int64
	for start := 0; start < len(items); start += groupMax {
		end := start + groupMax
		if end > len(items) {
			end = len(items)
		}
		group := make([]transport.GroupItem, 0, end-start)
		for i, it := range items[start:end] {
			gi := transport.GroupItem{Path: it.Path, IsPhoto: it.IsPhoto}
			if start == 0 && i == 0 {
				gi.Caption = caption
			}
			group = append(group, gi)
		}
		if len(group) == 1 {
			// The API rejects single-item groups.
			it := items[start]
			it.Caption = group[0].Caption
			var ms int64
			var err error
			if it.IsPhoto {
				_, ms, err = d.SendPhoto(ctx, chatID, it)
			} else {
				ms, err = d.withRetry(ctx, "video", func() error {
					_, serr := d.tr.SendVideo(ctx, chatID, transport.VideoUpload{
						Path: it.Path, Caption: it.Caption, SupportsStreaming: true, Timeout: videoTimeout,
					})
					return serr
				})
			}
			if err != nil {
				return totalMs, err
			}
			totalMs += ms
			continue
		}
		ms, err := d.withRetry(ctx, "album", func() error {
			return d.tr.SendMediaGroup(ctx, chatID, group, albumTimeout)
		})
		if err != nil {
			return totalMs, err
		}
		totalMs += ms
	}
	return totalMs, nil
}

// withRetry runs one send with the transient backoff schedule. Permanent API
// rejections and blocked chats fail immediately. On success it reports the
// duration of the winning attempt only.
func (d *Deliverer) withRetry(ctx context.Context, kind string, send func() error) (int64, error) {
	var err error
	for attempt := 0; ; attempt++ {
		attemptStart := time.Now()
		err = send()
		if err == nil {
			return time.Since(attemptStart).Milliseconds(), nil
		}
		if transport.IsForbidden(err) || transport.IsBadRequest(err) {
			metrics.RecordUploadFailure(kind)
			return 0, err
		}
		if !isRetryable(err) || attempt >= len(backoffSteps) {
			metrics.RecordUploadFailure(kind)
			return 0, err
		}
		metrics.RecordUploadRetry()
		d.logger.Warn().Err(err).Str("kind", kind).Int("attempt", attempt+1).Msg("upload failed, retrying")
		if serr := d.sleep(ctx, backoffSteps[attempt]); serr != nil {
			return 0, fmt.Errorf("upload retry aborted: %w", err)
		}
	}
}

func isRetryable(err error) bool {
	s := strings.ToLower(err.Error())
	for _, m := range retryableMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
