package tasks

import (
	"context"
	"fmt"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"termsched/internal/executor"
	"termsched/internal/notify"
	logx "termsched/pkg/logx"
)

// TelegramSender is the part of *tele.Bot notify_telegram uses.
type TelegramSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

func newTelegramSender(token string) (TelegramSender, error) {
	return notify.NewTelegramBot(token)
}

// notifyTelegram sends NOTIFY_TEXT to TELEGRAM_CHAT_ID.
func notifyTelegram(d Deps) executor.Handler {
	return func(ctx context.Context, out chan<- string) error {
		token := d.env("TELEGRAM_TOKEN", "")
		rawChat := d.env("TELEGRAM_CHAT_ID", "")
		if token == "" || rawChat == "" {
			say(out, "error: TELEGRAM_TOKEN or TELEGRAM_CHAT_ID missing")
			return executor.NoRetry(fmt.Errorf("TELEGRAM_TOKEN or TELEGRAM_CHAT_ID missing"))
		}
		chatID, err := strconv.ParseInt(rawChat, 10, 64)
		if err != nil {
			say(out, "error: TELEGRAM_CHAT_ID is not numeric")
			return executor.NoRetry(fmt.Errorf("TELEGRAM_CHAT_ID: %w", err))
		}
		bot, err := d.NewTelegram(token)
		if err != nil {
			return executor.NoRetry(err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		text := d.env("NOTIFY_TEXT", "termsched: scheduled notification")
		if _, err := bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			say(out, "error: telegram send failed")
			return fmt.Errorf("telegram: %w", err)
		}
		d.Log.Info("telegram notification sent", logx.Int64("chat_id", chatID))
		say(out, "telegram notification sent")
		return nil
	}
}
