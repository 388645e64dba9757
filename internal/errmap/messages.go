// SPDX-License-Identifier: MIT

package errmap

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const fallbackLang = "en"

// Service text keys. These are not error classes but resolve through the
// same localized store, so every user-visible line honors the user language.
// The progress templates carry fmt verbs: minutes, then downloaded and total
// for KeyProgress.
const (
	KeyWelcome      = "welcome"
	KeyNoURL        = "no_url"
	KeyStatus       = "status"
	KeyBusy         = "busy"
	KeyFlyer        = "flyer"
	KeyProgress     = "progress"
	KeyProgressWait = "progress_wait"
)

// builtin covers every template key so a missing or broken messages file
// still yields a usable reply.
var builtin = map[string]string{
	KeyPrivate:     "This content is private and cannot be downloaded.",
	KeyTooLarge:    "This file is too large to deliver here.",
	KeyNotFound:    "Content not found. It may have been deleted.",
	KeyTimeout:     "The download took too long and was cancelled. Please try again.",
	KeyUnavailable: "This content is currently unavailable.",
	KeyRegion:      "This content is not available in the service region.",
	KeyProcessing:  "The video is still being processed. Try again in a few minutes.",
	KeyConnection:  "Connection problem while downloading. Please try again.",
	KeyAPI:         "The download service is temporarily overloaded. Please try again later.",
	KeyStory:       "This story has expired or is unavailable.",
	KeyUnknown:     "Download failed. Please try again later.",

	KeyWelcome:      "Send me a link from YouTube, TikTok, Instagram or Pinterest and I'll download it for you.",
	KeyNoURL:        "I couldn't find a supported link in that message. Send a YouTube, TikTok, Instagram or Pinterest URL.",
	KeyStatus:       "Processing your link...",
	KeyBusy:         "You already have two downloads in progress. Please wait for them to finish.",
	KeyFlyer:        "You have used your free downloads. Subscribe to keep downloading without limits.",
	KeyProgress:     "Downloading... %d min, %s / %s",
	KeyProgressWait: "Downloading... %d min, please wait",
}

// Messages serves localized templates from a YAML file, reloading on change.
// File layout: top-level language codes mapping template keys to strings.
type Messages struct {
	mu      sync.RWMutex
	byLang  map[string]map[string]string
	path    string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
}

// LoadMessages reads the file and starts the change watcher. A missing file
// is not an error: builtin templates serve until the file appears.
func LoadMessages(path string, logger zerolog.Logger) (*Messages, error) {
	m := &Messages{
		byLang: map[string]map[string]string{},
		path:   path,
		logger: logger.With().Str("component", "errmap").Logger(),
	}
	if err := m.reload(); err != nil {
		m.logger.Warn().Err(err).Str("path", path).Msg("messages file unavailable, using builtin templates")
	}
	if path != "" {
		if err := m.watch(); err != nil {
			m.logger.Warn().Err(err).Msg("messages watcher unavailable, hot reload disabled")
		}
	}
	return m, nil
}

func (m *Messages) reload() error {
	if m.path == "" {
		return nil
	}
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	parsed := map[string]map[string]string{}
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse messages: %w", err)
	}
	m.mu.Lock()
	m.byLang = parsed
	m.mu.Unlock()
	m.logger.Info().Int("languages", len(parsed)).Msg("messages reloaded")
	return nil
}

func (m *Messages) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(m.path); err != nil {
		w.Close()
		return err
	}
	m.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := m.reload(); err != nil {
					m.logger.Warn().Err(err).Msg("messages reload failed, keeping previous set")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Warn().Err(err).Msg("messages watcher error")
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (m *Messages) Close() {
	if m.watcher != nil {
		m.watcher.Close()
	}
}

// Get resolves (key, lang) with fallback lang → "en" → builtin.
func (m *Messages) Get(key, lang string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if msgs, ok := m.byLang[lang]; ok {
		if s, ok := msgs[key]; ok && s != "" {
			return s
		}
	}
	if lang != fallbackLang {
		if msgs, ok := m.byLang[fallbackLang]; ok {
			if s, ok := msgs[key]; ok && s != "" {
				return s
			}
		}
	}
	if s, ok := builtin[key]; ok {
		return s
	}
	return builtin[KeyUnknown]
}

// UserMessage is the one-call path: classify raw text, render for lang.
func (m *Messages) UserMessage(raw, sourceKey, lang string) string {
	return m.Get(Map(raw, sourceKey), lang)
}
