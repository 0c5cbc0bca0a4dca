// Package server wires configuration into the running webhook receiver:
// relay transports, reply bot, journal and the HTTP endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"gridrelay/internal/bus"
	"gridrelay/internal/channel"
	"gridrelay/internal/config"
	"gridrelay/internal/dispatch"
	"gridrelay/internal/journal"
	"gridrelay/internal/logging"
	"gridrelay/internal/metrics"
	"gridrelay/internal/middleware"
	"gridrelay/internal/relay"
	"gridrelay/internal/replybot"
)

// Server owns every long-lived component of a running receiver.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	version    string
	startedAt  time.Time
	fanout     *relay.Fanout
	hub        *channel.Hub
	events     *bus.EventBus
	store      *journal.Store
	queue      *bus.OutcomeQueue
	dispatcher *dispatch.Dispatcher
	handler    http.Handler

	consumerDone chan struct{}
	closers      []func() error
	closeOnce    sync.Once
}

// New connects the configured relay transports and builds the handler tree.
// A transport that cannot be reached at startup is an error.
func New(ctx context.Context, cfg *config.Config, version string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
		fanout:    relay.NewFanout(logger),
		events:    bus.NewEventBus(logger),
	}
	if err := s.connectRelays(ctx); err != nil {
		s.Close()
		return nil, err
	}

	var bot *replybot.Bot
	if cfg.Bot.Enabled {
		sender, err := channel.NewSender(cfg.Outbound, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("outbound sender: %w", err)
		}
		if sender == nil {
			logger.Warn("reply bot enabled without an outbound provider; replies will fail")
		}
		bot = replybot.New(replybot.Config{
			Sender:         sender,
			RegistrationID: cfg.Outbound.ChannelRegistrationID,
			EventMarker:    cfg.Bot.EventMarker,
			Greeting:       cfg.Bot.Greeting,
			AcceptedOTP:    cfg.Bot.AcceptedOTP,
			Replies:        replybot.Replies(cfg.Bot.Replies),
			Timeout:        time.Duration(cfg.Outbound.TimeoutSeconds) * time.Second,
			Logger:         logger,
		})
	}

	if cfg.Journal.Enabled {
		store, err := journal.Open(cfg.Journal.DBPath, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("journal: %w", err)
		}
		s.store = store
		s.queue = bus.NewOutcomeQueue(256, logger)
		s.consumerDone = make(chan struct{})
		go func() {
			defer close(s.consumerDone)
			store.Consume(s.queue)
		}()
	}

	s.dispatcher = dispatch.New(dispatch.Config{
		Relay:    s.fanout,
		Bot:      bot,
		Events:   s.events,
		Outcomes: s.queue,
		Logger:   logger,
	})
	s.handler = s.routes()

	logger.Info("receiver ready",
		"transports", s.fanout.Names(),
		"bot", cfg.Bot.Enabled,
		"provider", cfg.Outbound.Provider,
		"journal", cfg.Journal.Enabled,
	)
	return s, nil
}

func (s *Server) connectRelays(ctx context.Context) error {
	rc := s.cfg.Relay

	if rc.WebSocket.Enabled {
		s.hub = channel.NewHub(channel.HubConfig{
			Path:       s.cfg.Server.HubPath,
			PingPeriod: time.Duration(rc.WebSocket.PingPeriodSeconds) * time.Second,
			Logger:     s.logger,
		})
		s.fanout.Add(s.hub.Name(), s.hub)
		s.closers = append(s.closers, func() error { s.hub.Close(); return nil })
	}

	if rc.NATS.Enabled {
		conn, err := relay.DialNATS(relay.NATSConfig{
			URL:           rc.NATS.URL,
			Subject:       rc.NATS.Subject,
			Token:         rc.NATS.Token,
			MaxReconnects: -1,
		}, s.logger)
		if err != nil {
			return err
		}
		s.fanout.Add("nats", relay.NewNATS(conn, rc.NATS.Subject))
		s.closers = append(s.closers, func() error { return conn.Drain() })
	}

	if rc.AMQP.Enabled {
		a, err := relay.DialAMQP(relay.AMQPConfig{URL: rc.AMQP.URL, Exchange: rc.AMQP.Exchange}, s.logger)
		if err != nil {
			return err
		}
		s.fanout.Add("amqp", a)
		s.closers = append(s.closers, a.Close)
	}

	if rc.Redis.Enabled {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := relay.DialRedis(dialCtx, rc.Redis.URL)
		cancel()
		if err != nil {
			return err
		}
		s.fanout.Add("redis", relay.NewRedis(client, rc.Redis.Channel))
		s.closers = append(s.closers, client.Close)
	}

	if s.fanout.Len() == 0 {
		s.logger.Warn("no relay transport enabled; events will only reach the reply bot")
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	webhook := channel.NewWebhook(channel.WebhookConfig{
		Handler:      s.dispatcher,
		MaxBodyBytes: s.cfg.Server.MaxBodyBytes,
		Secret:       s.cfg.Server.Secret,
		Logger:       s.logger,
	})
	mux.Handle(s.cfg.Server.EventsPath, webhook)

	if s.hub != nil {
		mux.Handle(s.hub.Path(), s.hub)
	}
	if s.cfg.Metrics.Enabled {
		mux.Handle("GET "+s.cfg.Metrics.Endpoint, metrics.Handler())
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/outcomes", s.handleOutcomes)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	return middleware.RequestID(middleware.AccessLog(s.logger)(mux))
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Events exposes the internal event bus.
func (s *Server) Events() *bus.EventBus { return s.events }

// Run serves on the configured address until ctx is cancelled, then shuts
// down within the configured timeout. The journal is pruned once a day while
// running.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.store != nil {
		go s.pruneLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr, "events", s.cfg.Server.EventsPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.Close()
			return fmt.Errorf("listen %s: %w", addr, err)
		}
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	timeout := time.Duration(s.cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shutdownErr := httpServer.Shutdown(shutdownCtx)
	if err := s.Close(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	s.logger.Info("shutdown complete")
	return nil
}

func (s *Server) pruneLoop(ctx context.Context) {
	retention := time.Duration(s.cfg.Journal.RetentionDays) * 24 * time.Hour
	prune := func() {
		if _, err := s.store.Prune(ctx, retention); err != nil && ctx.Err() == nil {
			s.logger.Warn("journal prune failed", "err", err)
		}
	}
	prune()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// Close releases transports and flushes the journal. Safe to call twice.
func (s *Server) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		if s.queue != nil {
			s.queue.Close()
			<-s.consumerDone
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (s *Server) writeJSON(rw http.ResponseWriter, r *http.Request, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		logging.WithContext(s.logger, r.Context()).Warn("write response failed", "path", r.URL.Path, "err", err)
	}
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":     "ok",
		"version":    s.version,
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"transports": s.fanout.Names(),
		"journal":    s.store != nil,
	}
	if s.hub != nil {
		resp["subscribers"] = s.hub.Count()
	}
	if hs := s.events.Replay(bus.EventHandshakeCompleted, time.Time{}); len(hs) > 0 {
		resp["lastHandshake"] = hs[len(hs)-1].Timestamp
	}
	s.writeJSON(rw, r, http.StatusOK, resp)
}

func (s *Server) handleOutcomes(rw http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(rw, "journal disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(rw, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("read journal", "err", err)
		http.Error(rw, "journal read failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(rw, r, http.StatusOK, entries)
}

// handleEvents replays the in-memory event history. ?type= filters by event
// type and ?since= takes an RFC 3339 timestamp.
func (s *Server) handleEvents(rw http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		eventType = "*"
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(rw, "since must be RFC 3339", http.StatusBadRequest)
			return
		}
		since = t
	}
	events := s.events.Replay(eventType, since)
	if events == nil {
		events = []bus.Event{}
	}
	s.writeJSON(rw, r, http.StatusOK, events)
}
