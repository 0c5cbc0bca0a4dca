package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"gridrelay/internal/domain"
	"gridrelay/internal/metrics"
)

const discordMaxMsgLen = 2000

type DiscordConfig struct {
	Token  string
	Logger *slog.Logger
}

// Discord posts replies to channel ids over the REST API; no gateway session
// is opened.
type Discord struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: session, logger: cfg.Logger.With("channel", "discord")}, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, msg domain.OutboundMessage) (domain.Receipt, error) {
	if len(msg.Recipients) == 0 {
		return domain.Receipt{}, errors.New("discord: no recipients")
	}
	var receipt domain.Receipt
	for _, channelID := range msg.Recipients {
		start := time.Now()
		var firstID string
		for i, chunk := range splitMessage(msg.Text, discordMaxMsgLen) {
			m, err := d.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx))
			if err != nil {
				metrics.ObserveSend(d.Name(), start)
				return receipt, fmt.Errorf("discord send to %s: %w", channelID, err)
			}
			if i == 0 {
				firstID = m.ID
			}
		}
		metrics.ObserveSend(d.Name(), start)
		receipt.Messages = append(receipt.Messages, domain.MessageReceipt{MessageID: firstID, To: channelID})
	}
	return receipt, nil
}
