package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"gridrelay/internal/domain"
	"gridrelay/internal/envelope"
	"gridrelay/internal/logging"
	"gridrelay/internal/metrics"
)

const defaultMaxBodyBytes = 1 << 20

// EventHandler processes classified deliveries.
type EventHandler interface {
	Handshake(ctx context.Context, body []byte) (domain.ValidationChallenge, error)
	Notify(ctx context.Context, body []byte) (domain.Report, error)
}

// WebhookConfig configures the Event Grid delivery endpoint.
type WebhookConfig struct {
	Handler      EventHandler
	MaxBodyBytes int64
	// Secret, when set, must be presented as the "code" query parameter or
	// the aeg-sas-key header.
	Secret string
	Logger *slog.Logger
}

// Webhook serves the delivery endpoint: OPTIONS for the capability probe,
// POST for handshakes and notifications.
type Webhook struct {
	handler      EventHandler
	maxBodyBytes int64
	secret       string
	logger       *slog.Logger
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webhook{
		handler:      cfg.Handler,
		maxBodyBytes: cfg.MaxBodyBytes,
		secret:       cfg.Secret,
		logger:       cfg.Logger.With("component", "webhook"),
	}
}

func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.handlePreflight(rw, r)
	case http.MethodPost:
		w.handleDelivery(rw, r)
	default:
		rw.Header().Set("Allow", "OPTIONS, POST")
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (w *Webhook) handlePreflight(rw http.ResponseWriter, r *http.Request) {
	p := envelope.ReadPreflight(r.Header)
	logging.WithContext(w.logger, r.Context()).Info("capability probe",
		"origin", p.Origin,
		"callback", p.Callback,
		"rate", p.Rate,
	)
	p.WriteHeaders(rw.Header())
	rw.WriteHeader(http.StatusOK)
	metrics.RequestsTotal.WithLabelValues("preflight", "200").Inc()
}

func (w *Webhook) handleDelivery(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.WithContext(w.logger, ctx)

	if w.secret != "" && !w.authorized(r) {
		w.fail(rw, "unauthorized", http.StatusUnauthorized)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, w.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.fail(rw, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.fail(rw, "cannot read body", http.StatusBadRequest)
		return
	}

	class, err := envelope.Classify(r.Header, body)
	if err != nil {
		logger.Warn("rejected delivery", "kind", class.Kind.String(), "err", err)
		w.fail(rw, err.Error(), http.StatusBadRequest)
		return
	}

	switch class.Kind {
	case envelope.KindHandshake:
		challenge, err := w.handler.Handshake(ctx, body)
		if err != nil {
			logger.Warn("handshake failed", "err", err)
			w.fail(rw, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Info("subscription validated")
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(rw).Encode(challenge); err != nil {
			logger.Warn("write handshake response failed", "err", err)
		}
		metrics.RequestsTotal.WithLabelValues("handshake", "200").Inc()

	case envelope.KindNotification:
		report, err := w.handler.Notify(ctx, body)
		if err != nil {
			logger.Warn("notification rejected", "format", class.Format, "err", err)
			w.fail(rw, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Info("notification processed",
			"format", report.Format,
			"records", len(report.Outcomes),
			"skipped", len(report.Failures),
			"replied", report.Replies(domain.ReplySent),
		)
		rw.WriteHeader(http.StatusOK)
		metrics.RequestsTotal.WithLabelValues("notification", "200").Inc()
	}
}

func (w *Webhook) authorized(r *http.Request) bool {
	key := r.URL.Query().Get("code")
	if key == "" {
		key = r.Header.Get("aeg-sas-key")
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(w.secret)) == 1
}

func (w *Webhook) fail(rw http.ResponseWriter, msg string, status int) {
	http.Error(rw, msg, status)
	metrics.RequestsTotal.WithLabelValues("rejected", strconv.Itoa(status)).Inc()
}
