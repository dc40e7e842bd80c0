package dispatch

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/OvyFlash/telegram-bot-api"
)

// ChatSender is the slice of the bot API the notifier needs.
type ChatSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier sends to the chat whose id equals the user id.
type TelegramNotifier struct {
	bot ChatSender
}

func NewTelegramNotifier(bot ChatSender) *TelegramNotifier {
	return &TelegramNotifier{bot: bot}
}

func (t *TelegramNotifier) Notify(_ context.Context, userID string, msg Message) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", userID, err)
	}
	out := tgbotapi.NewMessage(chatID, msg.Text)
	if msg.Kind == KindOffer {
		if taskID := msg.Data["task_id"]; taskID != "" {
			kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Accept", "/accept "+taskID),
				tgbotapi.NewInlineKeyboardButtonData("Decline", "/decline "+taskID),
			))
			out.ReplyMarkup = kb
		}
	}
	_, err = t.bot.Send(out)
	return err
}
