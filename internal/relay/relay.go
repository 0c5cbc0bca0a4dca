// Package relay fans broadcasts out to the configured subscriber transports.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"gridrelay/internal/domain"
	"gridrelay/internal/metrics"
)

// Transport is a named relay target.
type Transport struct {
	Name  string
	Relay domain.Relay
}

// Fanout publishes every broadcast to all transports. A failing transport
// does not stop the others; their errors are combined.
type Fanout struct {
	transports []Transport
	logger     *slog.Logger
}

func NewFanout(logger *slog.Logger, transports ...Transport) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{transports: transports, logger: logger.With("component", "relay")}
}

// Add registers another transport. Not safe to call once publishing has started.
func (f *Fanout) Add(name string, r domain.Relay) {
	f.transports = append(f.transports, Transport{Name: name, Relay: r})
}

func (f *Fanout) Len() int { return len(f.transports) }

func (f *Fanout) Names() []string {
	names := make([]string, len(f.transports))
	for i, t := range f.transports {
		names[i] = t.Name
	}
	return names
}

func (f *Fanout) Publish(ctx context.Context, b domain.Broadcast) error {
	var result *multierror.Error
	for _, t := range f.transports {
		err := t.Relay.Publish(ctx, b)
		metrics.RelayResult(t.Name, err)
		if err != nil {
			f.logger.Warn("broadcast failed", "transport", t.Name, "event_id", b.ID, "err", err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", t.Name, err))
		}
	}
	return result.ErrorOrNil()
}

// encode renders the hub invocation frame shared by all transports.
func encode(b domain.Broadcast) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal broadcast: %w", err)
	}
	return data, nil
}
