package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"gridrelay/internal/domain"
	"gridrelay/internal/metrics"
)

const defaultACSAPIVersion = "2024-02-01"

// ACSConfig configures the Azure Communication Services Advanced Messages sender.
// Either ConnectionString or Endpoint plus AccessKey must be set.
type ACSConfig struct {
	ConnectionString string
	Endpoint         string
	AccessKey        string // base64 encoded
	APIVersion       string
	HTTPClient       *http.Client
	Logger           *slog.Logger
}

// ACS sends WhatsApp text notifications through Azure Communication Services.
type ACS struct {
	endpoint   *url.URL
	key        []byte
	apiVersion string
	client     *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// ParseConnectionString splits "endpoint=...;accesskey=..." into its parts.
func ParseConnectionString(cs string) (endpoint, accessKey string, err error) {
	for _, part := range strings.Split(cs, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "endpoint":
			endpoint = v
		case "accesskey":
			accessKey = v
		}
	}
	if endpoint == "" || accessKey == "" {
		return "", "", errors.New("connection string needs endpoint and accesskey")
	}
	return endpoint, accessKey, nil
}

func NewACS(cfg ACSConfig) (*ACS, error) {
	if cfg.ConnectionString != "" {
		endpoint, key, err := ParseConnectionString(cfg.ConnectionString)
		if err != nil {
			return nil, err
		}
		cfg.Endpoint, cfg.AccessKey = endpoint, key
	}
	if cfg.Endpoint == "" || cfg.AccessKey == "" {
		return nil, errors.New("acs: endpoint and accessKey are required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("acs: invalid endpoint %q", cfg.Endpoint)
	}
	key, err := base64.StdEncoding.DecodeString(cfg.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("acs: access key is not base64: %w", err)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultACSAPIVersion
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(30 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ACS{
		endpoint:   u,
		key:        key,
		apiVersion: cfg.APIVersion,
		client:     cfg.HTTPClient,
		logger:     cfg.Logger.With("channel", "acs"),
		now:        time.Now,
	}, nil
}

func (a *ACS) Name() string { return "acs" }

type acsSendRequest struct {
	ChannelRegistrationID string   `json:"channelRegistrationId"`
	To                    []string `json:"to"`
	Kind                  string   `json:"kind"`
	Content               string   `json:"content"`
}

type acsErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *ACS) Send(ctx context.Context, msg domain.OutboundMessage) (domain.Receipt, error) {
	if len(msg.Recipients) == 0 {
		return domain.Receipt{}, errors.New("acs: no recipients")
	}
	if msg.RegistrationID == "" {
		return domain.Receipt{}, errors.New("acs: channel registration id is required")
	}
	body, err := json.Marshal(acsSendRequest{
		ChannelRegistrationID: msg.RegistrationID,
		To:                    msg.Recipients,
		Kind:                  "text",
		Content:               msg.Text,
	})
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("marshal: %w", err)
	}

	target := a.endpoint.JoinPath("messages", "notifications:send")
	target.RawQuery = url.Values{"api-version": {a.apiVersion}}.Encode()
	requestID := uuid.NewString()
	firstSent := a.now().UTC().Format(http.TimeFormat)

	start := time.Now()
	resp, err := doWithRetry(ctx, a.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Repeatability-Request-Id", requestID)
		req.Header.Set("Repeatability-First-Sent", firstSent)
		a.sign(req, body)
		return req, nil
	}, a.logger)
	metrics.ObserveSend(a.Name(), start)
	if err != nil {
		return domain.Receipt{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		var apiErr acsErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Code != "" {
			return domain.Receipt{}, fmt.Errorf("acs API %d: %s: %s", resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
		}
		return domain.Receipt{}, fmt.Errorf("acs API %d: %s", resp.StatusCode, string(respBody))
	}

	var receipt domain.Receipt
	if err := json.Unmarshal(respBody, &receipt); err != nil {
		return domain.Receipt{}, fmt.Errorf("decode receipts: %w", err)
	}
	return receipt, nil
}

// sign adds the HMAC-SHA256 authorization headers expected by Communication Services.
func (a *ACS) sign(req *http.Request, body []byte) {
	date := a.now().UTC().Format(http.TimeFormat)
	sum := sha256.Sum256(body)
	contentHash := base64.StdEncoding.EncodeToString(sum[:])

	stringToSign := req.Method + "\n" + req.URL.RequestURI() + "\n" + date + ";" + req.URL.Host + ";" + contentHash
	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-content-sha256", contentHash)
	req.Header.Set("Authorization", "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature="+signature)
}
