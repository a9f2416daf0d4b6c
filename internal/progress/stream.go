package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// PayloadVersion is the schema version of events published to streams.
const PayloadVersion = "v1"

// Envelope is the message wrapper stored in the Redis stream.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	RunID          string          `json:"run_id,omitempty"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// ValidateBasic ensures mandatory envelope fields are present.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.PayloadVersion == "" {
		return fmt.Errorf("payload_version is required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// NewEnvelope wraps an event.
func NewEnvelope(ev Event) (Envelope, error) {
	ev = Stamp(ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal event: %w", err)
	}
	env := Envelope{
		EventID:        uuid.NewString(),
		EventType:      string(ev.Type),
		OccurredAt:     ev.At,
		RunID:          ev.RunID,
		PayloadVersion: PayloadVersion,
		Data:           data,
	}
	return env, env.ValidateBasic()
}

// UnmarshalEnvelope parses and validates an envelope.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}

// Event decodes the wrapped event.
func (e Envelope) Event() (Event, error) {
	var ev Event
	if err := json.Unmarshal(e.Data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// StreamSink appends every event to a Redis stream so external observers can follow
// a run. Publish failures are logged and never reach the scheduler.
type StreamSink struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
	log     zerolog.Logger
}

// StreamOption configures a StreamSink.
type StreamOption func(*StreamSink)

// WithMaxLenApprox trims the stream to roughly maxLen entries.
func WithMaxLenApprox(maxLen int64) StreamOption {
	return func(s *StreamSink) { s.maxLen = maxLen }
}

// WithStreamLogger sets the logger for publish failures.
func WithStreamLogger(log zerolog.Logger) StreamOption {
	return func(s *StreamSink) { s.log = log.With().Str("component", "progress_stream").Logger() }
}

// NewStreamSink publishes to stream.
func NewStreamSink(client *redis.Client, stream string, opts ...StreamOption) *StreamSink {
	s := &StreamSink{
		client:  client,
		stream:  stream,
		timeout: 2 * time.Second,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit implements Sink.
func (s *StreamSink) Emit(ctx context.Context, ev Event) {
	if _, err := s.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("progress event not published")
	}
}

// Publish appends ev and returns the stream entry ID. A cancelled ctx does not stop
// the final events of a run from being published.
func (s *StreamSink) Publish(ctx context.Context, ev Event) (string, error) {
	if s.stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	env, err := NewEnvelope(ev)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Recent returns up to n of the newest envelopes, newest first. Undecodable entries
// are skipped.
func (s *StreamSink) Recent(ctx context.Context, n int64) ([]Envelope, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange: %w", err)
	}
	out := make([]Envelope, 0, len(msgs))
	for _, msg := range msgs {
		var b []byte
		switch v := msg.Values["envelope"].(type) {
		case string:
			b = []byte(v)
		case []byte:
			b = v
		default:
			continue
		}
		env, err := UnmarshalEnvelope(b)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}
