// Package journal keeps a local SQLite record of per-event dispatch outcomes
// so operators can see what was relayed and answered.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"gridrelay/internal/bus"
	"gridrelay/internal/domain"
)

// Entry is one stored outcome.
type Entry struct {
	ID          int64              `json:"id"`
	RequestID   string             `json:"requestId,omitempty"`
	EventID     string             `json:"eventId"`
	EventType   string             `json:"eventType"`
	Format      domain.Format      `json:"format"`
	RelayError  string             `json:"relayError,omitempty"`
	ReplyStatus domain.ReplyStatus `json:"replyStatus"`
	Recipient   string             `json:"recipient,omitempty"`
	ReplyText   string             `json:"replyText,omitempty"`
	MessageID   string             `json:"messageId,omitempty"`
	ReplyError  string             `json:"replyError,omitempty"`
	At          time.Time          `json:"at"`
}

// Store is the SQLite-backed outcome journal.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create journal directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "journal")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Record stores one outcome. A zero At is stamped with the current time.
func (s *Store) Record(ctx context.Context, o domain.RecordOutcome) error {
	if o.At.IsZero() {
		o.At = time.Now()
	}
	status := o.Reply.Status
	if status == "" {
		status = domain.ReplySkipped
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (request_id, event_id, event_type, format, relay_error,
			reply_status, recipient, reply_text, message_id, reply_error, at_unix_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.RequestID, o.EventID, o.EventType, string(o.Format), errText(o.RelayErr),
		string(status), o.Reply.Recipient, o.Reply.Text, o.Reply.MessageID, errText(o.Reply.Err),
		o.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// Recent returns up to limit outcomes, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, event_id, event_type, format, relay_error,
			reply_status, recipient, reply_text, message_id, reply_error, at_unix_ms
		 FROM outcomes ORDER BY at_unix_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e      Entry
			format string
			status string
			atMS   int64
		)
		if err := rows.Scan(&e.ID, &e.RequestID, &e.EventID, &e.EventType, &format, &e.RelayError,
			&status, &e.Recipient, &e.ReplyText, &e.MessageID, &e.ReplyError, &atMS); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		e.Format = domain.Format(format)
		e.ReplyStatus = domain.ReplyStatus(status)
		e.At = time.UnixMilli(atMS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes outcomes older than retention. A non-positive retention keeps
// everything.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM outcomes WHERE at_unix_ms < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("journal pruned", "deleted", n)
	}
	return n, nil
}

// Consume writes every outcome from the queue until it is closed. Write
// errors are logged and do not stop the loop.
func (s *Store) Consume(q *bus.OutcomeQueue) {
	for o := range q.Subscribe() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Record(ctx, o); err != nil {
			s.logger.Error("journal write failed", "event_id", o.EventID, "err", err)
		}
		cancel()
	}
}
