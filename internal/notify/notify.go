package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/skalibog/macross/internal/config"
	"github.com/skalibog/macross/pkg/logger"
)

// Notifier отправляет оператору события: старт, остановку по просадке, сделки
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// New возвращает Telegram, если задан токен, иначе пишет события в лог
func New(cfg config.NotifyConfig) (Notifier, error) {
	if cfg.TelegramToken == "" {
		return Log{}, nil
	}
	return NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
}

// Log пишет уведомления в лог
type Log struct{}

func (Log) Notify(_ context.Context, text string) error {
	logger.Info("Уведомление", zap.String("text", text))
	return nil
}

// Telegram уведомления в чат
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram авторизует бота
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("ошибка авторизации telegram бота: %w", err)
	}
	logger.Info("Telegram бот авторизован", zap.String("account", bot.Self.UserName))
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		logger.Warn("Не удалось отправить уведомление", zap.Error(err))
		return fmt.Errorf("ошибка отправки в telegram: %w", err)
	}
	return nil
}
