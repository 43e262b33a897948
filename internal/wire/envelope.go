// Package wire decodes inbound dashboard frames into a tagged union at the
// socket boundary, so consumers never see a half-valid message.
package wire

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/workspace/livesync/internal/metrics"
)

// Known frame types.
const (
	TypeEquipmentUpdate  = "equipment_update"
	TypeExperimentUpdate = "experiment_update"
	TypeWorkflowUpdate   = "workflow_update"
	// TypeMetrics tags sample frames, both inbound envelopes and the
	// coalesced batches delivered to subscribers.
	TypeMetrics = "metrics"
	TypePing    = "ping"
	TypePong    = "pong"
)

// Envelope is the JSON shape exchanged with the server.
type Envelope struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// Kind tags a decoded Frame.
type Kind int

const (
	KindDropped Kind = iota
	KindEvent
	KindSample
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindSample:
		return "sample"
	default:
		return "dropped"
	}
}

// Frame is the decoded form of one inbound frame.
type Frame struct {
	Kind      Kind
	Type      string
	Payload   map[string]any
	Timestamp time.Time
	// Samples is set for KindSample.
	Samples []metrics.Sample
	// Reason explains a KindDropped frame.
	Reason string
}

// Dropped reports whether the frame failed validation.
func (f Frame) Dropped() bool { return f.Kind == KindDropped }

// Control reports whether the frame is a liveness probe or its response.
func (f Frame) Control() bool {
	return f.Kind == KindEvent && (f.Type == TypePing || f.Type == TypePong)
}

func dropped(reason string) Frame {
	return Frame{Kind: KindDropped, Reason: reason}
}

// Decode validates raw and classifies it. It never panics; anything that is
// not a usable event or sample comes back as KindDropped. received is used
// when the frame carries no parsable timestamp.
func Decode(raw []byte, received time.Time) Frame {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return dropped(fmt.Sprintf("invalid json: %v", err))
	}
	obj, ok := value.(map[string]any)
	if !ok {
		if value == nil {
			return dropped("null frame")
		}
		return dropped(fmt.Sprintf("frame is %T, not an object", value))
	}

	ts := parseTimestamp(obj["timestamp"], received)

	rawType, hasType := obj["type"]
	if !hasType {
		samples := extractSamples(obj, ts)
		if len(samples) == 0 {
			return dropped("missing type")
		}
		return Frame{Kind: KindSample, Type: TypeMetrics, Payload: obj, Timestamp: ts, Samples: samples}
	}

	typ, ok := rawType.(string)
	if !ok || typ == "" {
		return dropped("type is not a non-empty string")
	}

	payload := map[string]any{}
	if p, present := obj["payload"]; present && p != nil {
		pm, ok := p.(map[string]any)
		if !ok {
			return dropped(fmt.Sprintf("payload is %T, not an object", p))
		}
		payload = pm
	}

	if typ == TypeMetrics {
		samples := extractSamples(payload, ts)
		if len(samples) == 0 {
			return dropped("metrics frame without numeric fields")
		}
		return Frame{Kind: KindSample, Type: TypeMetrics, Payload: payload, Timestamp: ts, Samples: samples}
	}

	return Frame{Kind: KindEvent, Type: typ, Payload: payload, Timestamp: ts}
}

// extractSamples turns every numeric field into a sample, in field-name
// order so decoding is deterministic.
func extractSamples(fields map[string]any, ts time.Time) []metrics.Sample {
	var names []string
	for name, v := range fields {
		if name == "timestamp" {
			continue
		}
		if _, ok := v.(float64); ok {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

	samples := make([]metrics.Sample, 0, len(names))
	for _, name := range names {
		samples = append(samples, metrics.Sample{
			Stream:    name,
			Value:     fields[name].(float64),
			Timestamp: ts,
		})
	}
	return samples
}

func parseTimestamp(v any, fallback time.Time) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	// Servers that emit Python-style isoformat() omit the zone.
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
		return t.UTC()
	}
	return fallback
}

// Encode marshals an outbound envelope, stamping the timestamp when empty.
func Encode(env Envelope, now time.Time) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("wire: envelope type is required")
	}
	if env.Timestamp == "" {
		env.Timestamp = now.UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	return data, nil
}
