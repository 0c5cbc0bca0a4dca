// Package envelope classifies inbound Event Grid deliveries and decodes their
// bodies into event records.
package envelope

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gridrelay/internal/domain"
)

// Header names used by the delivery protocol.
const (
	HeaderEventType       = "aeg-event-type"
	HeaderRequestOrigin   = "WebHook-Request-Origin"
	HeaderRequestCallback = "WebHook-Request-Callback"
	HeaderRequestRate     = "WebHook-Request-Rate"
	HeaderAllowedOrigin   = "WebHook-Allowed-Origin"
	HeaderAllowedRate     = "WebHook-Allowed-Rate"
)

// Category values carried by HeaderEventType.
const (
	CategoryValidation   = "SubscriptionValidation"
	CategoryNotification = "Notification"
)

var ErrUnrecognizedCategory = errors.New("unrecognized event category")

type Kind int

const (
	KindHandshake Kind = iota + 1
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Classification is the routing decision for one request.
// Format is only set for notifications.
type Classification struct {
	Kind   Kind
	Format domain.Format
}

// Classify routes a delivery by its category header. Handshake bodies are not
// inspected here; notification bodies are sniffed so the caller knows which
// decoder applies.
func Classify(h http.Header, body []byte) (Classification, error) {
	category := strings.TrimSpace(h.Get(HeaderEventType))
	switch {
	case strings.EqualFold(category, CategoryValidation):
		return Classification{Kind: KindHandshake}, nil
	case strings.EqualFold(category, CategoryNotification):
		format, err := DetectFormat(body)
		if err != nil {
			return Classification{Kind: KindNotification}, err
		}
		return Classification{Kind: KindNotification, Format: format}, nil
	case category == "":
		return Classification{}, fmt.Errorf("%w: missing %s header", ErrUnrecognizedCategory, HeaderEventType)
	default:
		return Classification{}, fmt.Errorf("%w: %q", ErrUnrecognizedCategory, category)
	}
}

// Preflight is the capability probe sent with OPTIONS before deliveries start.
type Preflight struct {
	Origin   string
	Callback string
	Rate     string
}

func ReadPreflight(h http.Header) Preflight {
	return Preflight{
		Origin:   h.Get(HeaderRequestOrigin),
		Callback: h.Get(HeaderRequestCallback),
		Rate:     h.Get(HeaderRequestRate),
	}
}

// WriteHeaders grants any delivery rate and echoes the origin verbatim,
// including an empty one.
func (p Preflight) WriteHeaders(h http.Header) {
	h.Set(HeaderAllowedRate, "*")
	h.Set(HeaderAllowedOrigin, p.Origin)
}
