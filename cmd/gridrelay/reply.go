package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gridrelay/internal/channel"
	"gridrelay/internal/domain"
	"gridrelay/internal/replybot"
)

// replyCmd sends one bot reply through the configured outbound channel. With
// --content the text is chosen by the decision table, otherwise --text is
// sent verbatim.
func replyCmd() *cobra.Command {
	var to, content, text string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reply",
		Short: "Send a reply through the configured outbound channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return errors.New("--to is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("content") {
				bot := replybot.New(replybot.Config{
					Greeting:    cfg.Bot.Greeting,
					AcceptedOTP: cfg.Bot.AcceptedOTP,
					Replies:     replybot.Replies(cfg.Bot.Replies),
				})
				text = bot.Decide(content)
			}
			if text == "" {
				return errors.New("one of --text or --content is required")
			}
			if dryRun {
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			}

			sender, err := channel.NewSender(cfg.Outbound, logger)
			if err != nil {
				return err
			}
			if sender == nil {
				return errors.New("no outbound provider configured (outbound.provider)")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if cfg.Outbound.TimeoutSeconds > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Outbound.TimeoutSeconds)*time.Second)
				defer cancel()
			}

			receipt, err := sender.Send(ctx, domain.OutboundMessage{
				Recipients:     []string{to},
				RegistrationID: cfg.Outbound.ChannelRegistrationID,
				Text:           text,
			})
			if err != nil {
				return fmt.Errorf("%s send: %w", sender.Name(), err)
			}
			return printJSON(cmd.OutOrStdout(), receipt)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient (phone number, chat id or channel id)")
	cmd.Flags().StringVar(&content, "content", "", "inbound message text to answer with the decision table")
	cmd.Flags().StringVar(&text, "text", "", "reply text to send as is")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the reply without sending it")
	return cmd
}
