// SPDX-License-Identifier: MIT

package transport

import (
	"context"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// MembershipChecker answers subscription checks by asking the messenger
// whether the user belongs to the configured channel.
type MembershipChecker struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewMembershipChecker(bot *tgbotapi.BotAPI, chatID int64) *MembershipChecker {
	return &MembershipChecker{bot: bot, chatID: chatID}
}

// IsSubscribed treats any active membership status as subscribed.
func (m *MembershipChecker) IsSubscribed(ctx context.Context, userID int64) (bool, error) {
	member, err := m.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{
			ChatID: m.chatID,
			UserID: userID,
		},
	})
	if err != nil {
		return false, err
	}
	switch member.Status {
	case "creator", "administrator", "member":
		return true, nil
	}
	return false, nil
}
