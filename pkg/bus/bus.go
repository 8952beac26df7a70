package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// StreamName is the JetStream stream holding run lifecycle events.
	StreamName = "WEBPROTECT_RUNS"
	// SubjectRunStarted is published when a protection pass begins.
	SubjectRunStarted = "webprotect.runs.started"
	// SubjectRunFinished is published when a protection pass ends.
	SubjectRunFinished = "webprotect.runs.finished"
	// SubjectRuns matches every run event.
	SubjectRuns = "webprotect.runs.>"

	dedupeWindow = 2 * time.Minute
)

// RunEvent describes a protection pass transition.
type RunEvent struct {
	RunID      string    `json:"run_id"`
	App        string    `json:"app,omitempty"`
	TargetType string    `json:"target_type,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Assets     int       `json:"assets,omitempty"`
	At         time.Time `json:"at"`
}

// MsgID identifies the event for JetStream deduplication. A pass publishes
// at most one event per status.
func (e RunEvent) MsgID() string {
	return e.RunID + "." + e.Status
}

// Handler processes one delivered message. A non-nil error redelivers it.
type Handler func(ctx context.Context, subject string, data []byte) error

// Publisher is the subset of Bus used by producers of run events.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Bus wraps a NATS JetStream connection for publishing and consuming events.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	return &Bus{conn: nc, js: js}, nil
}

// EnsureStream creates the run event stream when it does not exist yet.
func (b *Bus) EnsureStream(ctx context.Context) error {
	if b == nil {
		return errors.New("nil bus")
	}
	_, err := b.js.StreamInfo(StreamName, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectRuns},
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: dedupeWindow,
	}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("add stream: %w", err)
	}
	return nil
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it on subj. Run events carry a
// message ID so retried publishes are dropped by the stream.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subj, err)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if ev, ok := v.(RunEvent); ok && ev.RunID != "" {
		opts = append(opts, nats.MsgId(ev.MsgID()))
	}
	if _, err := b.js.Publish(subj, data, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

type subscription struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.err = s.sub.Drain() })
	return s.err
}

// Subscribe attaches a durable consumer to subj and calls fn for each
// message. Failed messages are negatively acknowledged for redelivery. The
// subscription drains when ctx ends.
func (b *Bus) Subscribe(ctx context.Context, subj, durable string, fn Handler) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if fn == nil {
		return nil, errors.New("nil handler")
	}

	sub, err := b.js.Subscribe(subj, func(msg *nats.Msg) {
		if err := fn(ctx, msg.Subject, msg.Data); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subj, err)
	}

	s := &subscription{sub: sub}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}
