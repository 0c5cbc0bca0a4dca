package channel

import (
	"fmt"
	"log/slog"
	"time"

	"gridrelay/internal/config"
	"gridrelay/internal/domain"
)

// NewSender builds the outbound sender selected by cfg.Provider.
// Provider "none" yields a nil sender and no error.
func NewSender(cfg config.OutboundConfig, logger *slog.Logger) (domain.Sender, error) {
	client := SharedHTTPClient(time.Duration(cfg.TimeoutSeconds) * time.Second)

	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "acs":
		s, err := NewACS(ACSConfig{
			ConnectionString: cfg.ACS.ConnectionString,
			Endpoint:         cfg.ACS.Endpoint,
			AccessKey:        cfg.ACS.AccessKey,
			APIVersion:       cfg.ACS.APIVersion,
			HTTPClient:       client,
			Logger:           logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "whatsapp":
		s, err := NewWhatsApp(WhatsAppConfig{
			AccessToken:   cfg.WhatsApp.AccessToken,
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			APIBase:       cfg.WhatsApp.APIBase,
			HTTPClient:    client,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "telegram":
		s, err := NewTelegram(TelegramConfig{Token: cfg.Telegram.Token, HTTPClient: client, Logger: logger})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "slack":
		s, err := NewSlack(SlackConfig{BotToken: cfg.Slack.BotToken, Logger: logger})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "discord":
		s, err := NewDiscord(DiscordConfig{Token: cfg.Discord.Token, Logger: logger})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown outbound provider: %s", cfg.Provider)
	}
}
