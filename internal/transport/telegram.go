// SPDX-License-Identifier: MIT

package transport

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Telegram implements Transport over the Bot API. The SDK has no context
// plumbing, so each call runs in a goroutine raced against the deadline; an
// abandoned upload finishes or fails on the SDK's own HTTP timeout.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	logger zerolog.Logger
}

func NewTelegram(bot *tgbotapi.BotAPI, logger zerolog.Logger) *Telegram {
	return &Telegram{
		bot:    bot,
		logger: logger.With().Str("component", "telegram").Logger(),
	}
}

// Updates exposes the long-poll channel for the bot service loop.
func (t *Telegram) Updates(offset, timeoutSec int) tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(offset)
	u.Timeout = timeoutSec
	return t.bot.GetUpdatesChan(u)
}

func (t *Telegram) StopUpdates() { t.bot.StopReceivingUpdates() }

func (t *Telegram) do(ctx context.Context, timeout time.Duration, fn func() error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("telegram send: %w", ctx.Err())
	}
}

func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	var id int
	err := t.do(ctx, 30*time.Second, func() error {
		msg, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err != nil {
			return err
		}
		id = msg.MessageID
		return nil
	})
	return id, err
}

func (t *Telegram) EditMessageText(ctx context.Context, chatID int64, messageID int, text string) error {
	return t.do(ctx, 30*time.Second, func() error {
		_, err := t.bot.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
		return err
	})
}

func (t *Telegram) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return t.do(ctx, 30*time.Second, func() error {
		_, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
		return err
	})
}

// videoConfig maps a VideoUpload onto the SDK config. The v5 SDK carries no
// width/height parameters; Telegram derives them from the container, so those
// VideoUpload fields only inform local sizing decisions.
func videoConfig(chatID int64, up VideoUpload) tgbotapi.VideoConfig {
	v := tgbotapi.NewVideo(chatID, tgbotapi.FilePath(up.Path))
	v.Caption = up.Caption
	v.Duration = up.DurationSec
	v.SupportsStreaming = up.SupportsStreaming
	if up.ThumbPath != "" {
		v.Thumb = tgbotapi.FilePath(up.ThumbPath)
	}
	return v
}

func (t *Telegram) SendVideo(ctx context.Context, chatID int64, up VideoUpload) (string, error) {
	var fileID string
	err := t.do(ctx, up.Timeout, func() error {
		msg, err := t.bot.Send(videoConfig(chatID, up))
		if err != nil {
			return err
		}
		if msg.Video != nil {
			fileID = msg.Video.FileID
		}
		return nil
	})
	return fileID, err
}

func (t *Telegram) SendPhoto(ctx context.Context, chatID int64, up PhotoUpload) (string, error) {
	var fileID string
	err := t.do(ctx, up.Timeout, func() error {
		p := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(up.Path))
		p.Caption = up.Caption
		msg, err := t.bot.Send(p)
		if err != nil {
			return err
		}
		if n := len(msg.Photo); n > 0 {
			fileID = msg.Photo[n-1].FileID
		}
		return nil
	})
	return fileID, err
}

func (t *Telegram) SendAudio(ctx context.Context, chatID int64, up AudioUpload) (string, error) {
	var fileID string
	err := t.do(ctx, up.Timeout, func() error {
		a := tgbotapi.NewAudio(chatID, tgbotapi.FilePath(up.Path))
		a.Caption = up.Caption
		a.Title = up.Title
		a.Performer = up.Performer
		msg, err := t.bot.Send(a)
		if err != nil {
			return err
		}
		if msg.Audio != nil {
			fileID = msg.Audio.FileID
		}
		return nil
	})
	return fileID, err
}

func (t *Telegram) SendDocument(ctx context.Context, chatID int64, up DocumentUpload) (string, error) {
	var fileID string
	err := t.do(ctx, up.Timeout, func() error {
		d := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(up.Path))
		d.Caption = up.Caption
		if up.ThumbPath != "" {
			d.Thumb = tgbotapi.FilePath(up.ThumbPath)
		}
		msg, err := t.bot.Send(d)
		if err != nil {
			return err
		}
		if msg.Document != nil {
			fileID = msg.Document.FileID
		}
		return nil
	})
	return fileID, err
}

func (t *Telegram) SendMediaGroup(ctx context.Context, chatID int64, items []GroupItem, timeout time.Duration) error {
	return t.do(ctx, timeout, func() error {
		media := make([]interface{}, 0, len(items))
		for i, it := range items {
			if it.IsPhoto {
				m := tgbotapi.NewInputMediaPhoto(tgbotapi.FilePath(it.Path))
				if i == 0 {
					m.Caption = it.Caption
				}
				media = append(media, m)
			} else {
				m := tgbotapi.NewInputMediaVideo(tgbotapi.FilePath(it.Path))
				if i == 0 {
					m.Caption = it.Caption
				}
				media = append(media, m)
			}
		}
		_, err := t.bot.SendMediaGroup(tgbotapi.NewMediaGroup(chatID, media))
		return err
	})
}

func (t *Telegram) SendCachedVideo(ctx context.Context, chatID int64, fileID, caption string) error {
	return t.do(ctx, 60*time.Second, func() error {
		v := tgbotapi.NewVideo(chatID, tgbotapi.FileID(fileID))
		v.Caption = caption
		v.SupportsStreaming = true
		_, err := t.bot.Send(v)
		return err
	})
}

func (t *Telegram) SendCachedAudio(ctx context.Context, chatID int64, fileID, caption string) error {
	return t.do(ctx, 60*time.Second, func() error {
		a := tgbotapi.NewAudio(chatID, tgbotapi.FileID(fileID))
		a.Caption = caption
		_, err := t.bot.Send(a)
		return err
	})
}

func (t *Telegram) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return t.do(ctx, 10*time.Second, func() error {
		_, err := t.bot.Request(tgbotapi.NewChatAction(chatID, action))
		return err
	})
}

var _ Transport = (*Telegram)(nil)
