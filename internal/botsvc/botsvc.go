// SPDX-License-Identifier: MIT

// Package botsvc consumes messenger updates and feeds the orchestrator.
// Each message runs in its own goroutine; a panic kills the request, not
// the service.
package botsvc

import (
	"context"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/savebot/savebot/internal/errmap"
	"github.com/savebot/savebot/internal/intake"
	"github.com/savebot/savebot/internal/orchestrator"
	"github.com/savebot/savebot/internal/transport"
)

// Handler processes one extracted request. Satisfied by the orchestrator.
type Handler interface {
	Handle(ctx context.Context, req orchestrator.Request)
}

type Service struct {
	tr      transport.Transport
	handler Handler
	msgs    *errmap.Messages
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

func New(tr transport.Transport, handler Handler, msgs *errmap.Messages, logger zerolog.Logger) *Service {
	return &Service{
		tr:      tr,
		handler: handler,
		msgs:    msgs,
		logger:  logger.With().Str("component", "botsvc").Logger(),
	}
}

// Run drains the update channel until it closes or the context ends, then
// waits for in-flight requests.
func (s *Service) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case upd, ok := <-updates:
			if !ok {
				s.wg.Wait()
				return
			}
			s.handleUpdate(ctx, upd)
		}
	}
}

func (s *Service) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.Text == "" {
		return
	}
	chatID := msg.Chat.ID
	lang := ""
	if msg.From != nil {
		lang = msg.From.LanguageCode
	}

	if msg.IsCommand() {
		if _, err := s.tr.SendMessage(ctx, chatID, s.msgs.Get(errmap.KeyWelcome, lang)); err != nil {
			s.logger.Debug().Err(err).Msg("welcome send failed")
		}
		return
	}

	url, ok := intake.ExtractURL(msg.Text)
	if !ok {
		if _, err := s.tr.SendMessage(ctx, chatID, s.msgs.Get(errmap.KeyNoURL, lang)); err != nil {
			s.logger.Debug().Err(err).Msg("hint send failed")
		}
		return
	}

	statusID, err := s.tr.SendMessage(ctx, chatID, s.msgs.Get(errmap.KeyStatus, lang))
	if err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("status message send failed")
		statusID = 0
	}

	req := orchestrator.Request{
		ChatID:          chatID,
		URL:             url,
		Lang:            lang,
		StatusMessageID: statusID,
	}
	if msg.From != nil {
		req.UserID = msg.From.ID
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Interface("panic", r).Int64("chat_id", chatID).Msg("request handler panicked")
			}
		}()
		s.handler.Handle(ctx, req)
	}()
}
