// SPDX-License-Identifier: MIT

// Package transport abstracts the messenger surface the pipeline delivers
// through. The rest of the code only sees this interface; the Telegram
// binding lives in telegram.go.
package transport

import (
	"context"
	"strings"
	"time"
)

// VideoUpload carries everything a streaming-capable video send needs.
type VideoUpload struct {
	Path              string
	Caption           string
	ThumbPath         string
	Width             int
	Height            int
	DurationSec       int
	SupportsStreaming bool
	Timeout           time.Duration
}

type PhotoUpload struct {
	Path    string
	Caption string
	Timeout time.Duration
}

type AudioUpload struct {
	Path      string
	Caption   string
	Title     string
	Performer string
	Timeout   time.Duration
}

type DocumentUpload struct {
	Path      string
	Caption   string
	ThumbPath string
	Timeout   time.Duration
}

// GroupItem is one element of an album send.
type GroupItem struct {
	Path    string
	IsPhoto bool
	Caption string // honored on the first item only
}

// Transport is the messenger contract. SendMessage returns the created
// message id so the caller can edit or delete it later; media sends return
// the server-side file handle so delivered artifacts can be re-sent without
// another upload.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text string) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	SendVideo(ctx context.Context, chatID int64, up VideoUpload) (string, error)
	SendPhoto(ctx context.Context, chatID int64, up PhotoUpload) (string, error)
	SendAudio(ctx context.Context, chatID int64, up AudioUpload) (string, error)
	SendDocument(ctx context.Context, chatID int64, up DocumentUpload) (string, error)
	SendMediaGroup(ctx context.Context, chatID int64, items []GroupItem, timeout time.Duration) error
	SendCachedVideo(ctx context.Context, chatID int64, fileID, caption string) error
	SendCachedAudio(ctx context.Context, chatID int64, fileID, caption string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// IsForbidden reports whether the error means the user blocked the bot or
// the chat is gone. Such sends must not be retried.
func IsForbidden(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "forbidden") ||
		strings.Contains(s, "bot was blocked") ||
		strings.Contains(s, "chat not found") ||
		strings.Contains(s, "user is deactivated")
}

// IsBadRequest reports a permanent API rejection of the payload itself.
func IsBadRequest(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "bad request")
}
