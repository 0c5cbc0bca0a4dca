package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"gridrelay/internal/domain"
	"gridrelay/internal/metrics"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

type TelegramConfig struct {
	Token string
	// APIEndpoint overrides tgbotapi.APIEndpoint ("https://api.telegram.org/bot%s/%s").
	APIEndpoint string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Telegram sends replies as bot messages; recipients are numeric chat ids.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewTelegram authenticates the bot token (one getMe call).
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(30 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	logger := cfg.Logger.With("channel", "telegram")
	logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return &Telegram{bot: bot, logger: logger}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, msg domain.OutboundMessage) (domain.Receipt, error) {
	if len(msg.Recipients) == 0 {
		return domain.Receipt{}, errors.New("telegram: no recipients")
	}
	var receipt domain.Receipt
	for _, to := range msg.Recipients {
		chatID, err := strconv.ParseInt(strings.TrimSpace(to), 10, 64)
		if err != nil {
			return receipt, fmt.Errorf("telegram: recipient %q is not a chat id", to)
		}
		start := time.Now()
		var first int
		for i, chunk := range splitMessage(msg.Text, telegramMaxMsgLen) {
			id, err := t.sendChunk(ctx, chatID, chunk)
			if err != nil {
				metrics.ObserveSend(t.Name(), start)
				return receipt, err
			}
			if i == 0 {
				first = id
			}
		}
		metrics.ObserveSend(t.Name(), start)
		receipt.Messages = append(receipt.Messages, domain.MessageReceipt{MessageID: strconv.Itoa(first), To: to})
	}
	return receipt, nil
}

// sendChunk retries rate-limited and transient failures with linear backoff.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) (int, error) {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return sent.MessageID, nil
		}
		lastErr = err
		if attempt == telegramMaxSendRetries {
			break
		}

		backoff := time.Duration(attempt+1) * retryBaseDelay
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
			backoff = time.Duration(tgErr.RetryAfter) * time.Second
		} else if errors.As(err, &tgErr) && tgErr.Code >= 400 && tgErr.Code < 500 && tgErr.Code != http.StatusTooManyRequests {
			// Client errors (bad chat id, bot blocked) will not succeed on retry.
			break
		}
		t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return 0, fmt.Errorf("telegram send: %w", lastErr)
}
