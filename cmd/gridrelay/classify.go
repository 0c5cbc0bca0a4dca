package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"gridrelay/internal/domain"
	"gridrelay/internal/envelope"
	"gridrelay/internal/replybot"
)

type classifiedRecord struct {
	ID        string           `json:"id"`
	EventType string           `json:"eventType"`
	Subject   string           `json:"subject"`
	Time      string           `json:"time"`
	Message   bool             `json:"inboundMessage"`
	Broadcast domain.Broadcast `json:"broadcast"`
	Reply     string           `json:"reply,omitempty"`
}

type classifyResult struct {
	Kind       string             `json:"kind"`
	Format     domain.Format      `json:"format,omitempty"`
	Validation string             `json:"validationResponse,omitempty"`
	Records    []classifiedRecord `json:"records,omitempty"`
	Failures   []string           `json:"failures,omitempty"`
}

// classifyCmd decodes a captured delivery body offline and shows what the
// receiver would do with it, without relaying or sending anything.
func classifyCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "classify [file]",
		Short: "Decode a delivery body (file or stdin) and show the planned actions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				body []byte
				err  error
			)
			if len(args) == 1 && args[0] != "-" {
				body, err = os.ReadFile(args[0])
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			bot := replybot.New(replybot.Config{
				EventMarker: cfg.Bot.EventMarker,
				Greeting:    cfg.Bot.Greeting,
				AcceptedOTP: cfg.Bot.AcceptedOTP,
				Replies:     replybot.Replies(cfg.Bot.Replies),
				Logger:      logger,
			})

			result, err := classify(category, body, bot)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&category, "category", envelope.CategoryNotification, "aeg-event-type header value")
	return cmd
}

func classify(category string, body []byte, bot *replybot.Bot) (classifyResult, error) {
	h := http.Header{}
	h.Set(envelope.HeaderEventType, category)
	class, err := envelope.Classify(h, body)
	if err != nil {
		return classifyResult{}, err
	}

	if class.Kind == envelope.KindHandshake {
		challenge, first, err := envelope.ValidationCode(body)
		if err != nil {
			return classifyResult{}, err
		}
		return classifyResult{
			Kind:       class.Kind.String(),
			Format:     domain.FormatLegacyBatch,
			Validation: challenge.Code,
			Records:    []classifiedRecord{describe(first, domain.NewBroadcast(first, string(body)), nil)},
		}, nil
	}

	batch, err := envelope.Parse(body)
	if err != nil {
		return classifyResult{}, err
	}
	result := classifyResult{Kind: class.Kind.String(), Format: batch.Format}
	for _, rec := range batch.Records {
		result.Records = append(result.Records, describe(rec, domain.NewBroadcast(rec, rec.Payload.Text()), bot))
	}
	for _, f := range batch.Failures {
		result.Failures = append(result.Failures, fmt.Sprintf("element %d: %v", f.Index, f.Err))
	}
	return result, nil
}

func describe(rec domain.EventRecord, b domain.Broadcast, bot *replybot.Bot) classifiedRecord {
	msg, isMessage := rec.Payload.Message()
	out := classifiedRecord{
		ID:        rec.ID,
		EventType: rec.EventType,
		Subject:   rec.Subject,
		Time:      b.Time,
		Message:   isMessage,
		Broadcast: b,
	}
	if bot != nil && isMessage && bot.Applies(rec.EventType) {
		out.Reply = bot.Decide(msg.Content)
	}
	return out
}
