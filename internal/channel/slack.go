package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"

	"gridrelay/internal/domain"
	"gridrelay/internal/metrics"
)

const slackMaxMsgLen = 3900

type SlackConfig struct {
	BotToken string
	// APIURL overrides the Web API base, e.g. for tests. Must end in "/".
	APIURL string
	Logger *slog.Logger
}

// Slack posts replies to channel or user ids.
type Slack struct {
	client *slack.Client
	logger *slog.Logger
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("slack: botToken is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var opts []slack.Option
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Slack{
		client: slack.New(cfg.BotToken, opts...),
		logger: cfg.Logger.With("channel", "slack"),
	}, nil
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, msg domain.OutboundMessage) (domain.Receipt, error) {
	if len(msg.Recipients) == 0 {
		return domain.Receipt{}, errors.New("slack: no recipients")
	}
	var receipt domain.Receipt
	for _, channelID := range msg.Recipients {
		start := time.Now()
		var firstTS string
		for i, chunk := range splitMessage(msg.Text, slackMaxMsgLen) {
			_, ts, err := s.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(chunk, false))
			if err != nil {
				metrics.ObserveSend(s.Name(), start)
				return receipt, fmt.Errorf("slack post to %s: %w", channelID, err)
			}
			if i == 0 {
				firstTS = ts
			}
		}
		metrics.ObserveSend(s.Name(), start)
		receipt.Messages = append(receipt.Messages, domain.MessageReceipt{MessageID: firstTS, To: channelID})
	}
	return receipt, nil
}
