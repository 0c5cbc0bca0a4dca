package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gridrelay/internal/domain"
	"gridrelay/internal/metrics"
)

const whatsappAPIBase = "https://graph.facebook.com/v21.0"

// WhatsAppConfig configures the WhatsApp Business Cloud API sender. The
// outbound registration id is used as the phone number id when set.
type WhatsAppConfig struct {
	AccessToken   string
	PhoneNumberID string
	APIBase       string
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// WhatsApp sends text replies directly through the Cloud API.
type WhatsApp struct {
	cfg    WhatsAppConfig
	client *http.Client
	logger *slog.Logger
}

func NewWhatsApp(cfg WhatsAppConfig) (*WhatsApp, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("whatsapp: accessToken is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = whatsappAPIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(30 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WhatsApp{cfg: cfg, client: cfg.HTTPClient, logger: cfg.Logger.With("channel", "whatsapp")}, nil
}

func (w *WhatsApp) Name() string { return "whatsapp" }

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Contacts []struct {
		WaID string `json:"wa_id"`
	} `json:"contacts"`
}

func (w *WhatsApp) Send(ctx context.Context, msg domain.OutboundMessage) (domain.Receipt, error) {
	if len(msg.Recipients) == 0 {
		return domain.Receipt{}, errors.New("whatsapp: no recipients")
	}
	phoneID := msg.RegistrationID
	if phoneID == "" {
		phoneID = w.cfg.PhoneNumberID
	}
	if phoneID == "" {
		return domain.Receipt{}, errors.New("whatsapp: phone number id is required")
	}

	var receipt domain.Receipt
	for _, to := range msg.Recipients {
		id, err := w.sendMessage(ctx, phoneID, to, msg.Text)
		if err != nil {
			return receipt, fmt.Errorf("send to %s: %w", to, err)
		}
		receipt.Messages = append(receipt.Messages, domain.MessageReceipt{MessageID: id, To: to})
	}
	return receipt, nil
}

func (w *WhatsApp) sendMessage(ctx context.Context, phoneID, to, text string) (string, error) {
	url := fmt.Sprintf("%s/%s/messages", strings.TrimRight(w.cfg.APIBase, "/"), phoneID)

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": text},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	start := time.Now()
	resp, err := doWithRetry(ctx, w.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)
		return req, nil
	}, w.logger)
	metrics.ObserveSend(w.Name(), start)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))
	}

	var out waSendResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Messages) == 0 {
		return "", nil
	}
	return out.Messages[0].ID, nil
}
