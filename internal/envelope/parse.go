package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gridrelay/internal/domain"
)

var (
	ErrMalformedEnvelope     = errors.New("malformed event envelope")
	ErrAmbiguousEnvelope     = errors.New("object envelope without specversion")
	ErrMissingValidationCode = errors.New("handshake carries no validation code")
)

// Batch is the decoded form of one delivery body.
type Batch struct {
	Format   domain.Format
	Records  []domain.EventRecord
	Failures []domain.DecodeFailure
}

type legacyEvent struct {
	ID        string    `json:"id"`
	EventType string    `json:"eventType"`
	Subject   string    `json:"subject"`
	EventTime time.Time `json:"eventTime"`
}

type cloudEvent struct {
	SpecVersion string    `json:"specversion"`
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Subject     string    `json:"subject"`
	Time        time.Time `json:"time"`
}

var (
	jsonNull = []byte("null")
	utf8BOM  = []byte("\xef\xbb\xbf")
)

// trimBody drops a UTF-8 byte order mark and leading whitespace.
func trimBody(body []byte) []byte {
	return bytes.TrimLeft(bytes.TrimPrefix(body, utf8BOM), " \t\r\n")
}

// DetectFormat looks at the body shape: a JSON array is a legacy batch, an
// object with a non-empty specversion is a CloudEvent. Everything else is
// rejected.
func DetectFormat(body []byte) (domain.Format, error) {
	trimmed := trimBody(body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("%w: empty body", ErrMalformedEnvelope)
	}
	switch trimmed[0] {
	case '[':
		return domain.FormatLegacyBatch, nil
	case '{':
		var probe struct {
			SpecVersion json.RawMessage `json:"specversion"`
		}
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		var version string
		if len(probe.SpecVersion) == 0 || json.Unmarshal(probe.SpecVersion, &version) != nil || version == "" {
			return "", ErrAmbiguousEnvelope
		}
		return domain.FormatCloudEvent, nil
	default:
		return "", fmt.Errorf("%w: unexpected leading byte %q", ErrMalformedEnvelope, trimmed[0])
	}
}

// Parse decodes a delivery body. Envelope-level problems are returned as an
// error; a bad element inside a legacy batch is reported in Failures and its
// siblings are still decoded.
func Parse(body []byte) (Batch, error) {
	format, err := DetectFormat(body)
	if err != nil {
		return Batch{}, err
	}
	if format == domain.FormatCloudEvent {
		rec, err := parseCloudEvent(body)
		if err != nil {
			return Batch{}, err
		}
		return Batch{Format: format, Records: []domain.EventRecord{rec}}, nil
	}

	elements, err := decodeArray(body)
	if err != nil {
		return Batch{}, err
	}

	batch := Batch{Format: format, Records: make([]domain.EventRecord, 0, len(elements))}
	for i, raw := range elements {
		rec, err := parseLegacyEvent(raw)
		if err != nil {
			batch.Failures = append(batch.Failures, domain.DecodeFailure{Index: i, Err: err})
			continue
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

func decodeArray(body []byte) ([]json.RawMessage, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(trimBody(body), &elements); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return elements, nil
}

func parseLegacyEvent(raw json.RawMessage) (domain.EventRecord, error) {
	if bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		return domain.EventRecord{}, errors.New("null event")
	}
	var ev legacyEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return domain.EventRecord{}, fmt.Errorf("decode event: %w", err)
	}
	return domain.EventRecord{
		ID:        ev.ID,
		EventType: ev.EventType,
		Subject:   ev.Subject,
		Time:      ev.EventTime,
		Payload:   domain.NewPayload(raw),
	}, nil
}

func parseCloudEvent(body []byte) (domain.EventRecord, error) {
	var ev cloudEvent
	if err := json.Unmarshal(trimBody(body), &ev); err != nil {
		return domain.EventRecord{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return domain.EventRecord{
		ID:        ev.ID,
		EventType: ev.Type,
		Subject:   ev.Subject,
		Time:      ev.Time,
		Payload:   domain.NewPayload(bytes.TrimSpace(trimBody(body))),
	}, nil
}

// ValidationCode extracts the handshake challenge from data.validationCode of
// the first record. Handshakes are always legacy batches; an object body or a
// first element that does not decode is an error, later elements are never
// consulted. The record is returned too so it can be relayed.
func ValidationCode(body []byte) (domain.ValidationChallenge, domain.EventRecord, error) {
	trimmed := trimBody(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return domain.ValidationChallenge{}, domain.EventRecord{}, fmt.Errorf("%w: handshake body is not an array", ErrMalformedEnvelope)
	}
	elements, err := decodeArray(trimmed)
	if err != nil {
		return domain.ValidationChallenge{}, domain.EventRecord{}, err
	}
	if len(elements) == 0 {
		return domain.ValidationChallenge{}, domain.EventRecord{}, fmt.Errorf("%w: no records", ErrMissingValidationCode)
	}
	first, err := parseLegacyEvent(elements[0])
	if err != nil {
		return domain.ValidationChallenge{}, domain.EventRecord{}, fmt.Errorf("%w: first record: %v", ErrMalformedEnvelope, err)
	}
	code, ok := first.Payload.LookupString("data", "validationCode")
	if !ok || code == "" {
		return domain.ValidationChallenge{}, first, ErrMissingValidationCode
	}
	return domain.ValidationChallenge{Code: code}, first, nil
}
