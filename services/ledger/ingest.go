package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"webprotect/pkg/bus"
)

// Writer is the part of Store the ingester needs.
type Writer interface {
	Start(ctx context.Context, run *Run) error
	Finish(ctx context.Context, run *Run) error
}

// Subscriber is the part of bus.Bus the ingester needs.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn bus.Handler) (io.Closer, error)
}

// Ingester records run events published by protection passes running in
// other processes.
type Ingester struct {
	writer Writer
	bus    Subscriber
	logger zerolog.Logger

	subsMu sync.Mutex
	subs   []io.Closer
}

// NewIngester creates an ingester bound to the provided dependencies.
func NewIngester(writer Writer, sub Subscriber, logger zerolog.Logger) (*Ingester, error) {
	if writer == nil {
		return nil, errors.New("writer is required")
	}
	if sub == nil {
		return nil, errors.New("bus is required")
	}
	return &Ingester{writer: writer, bus: sub, logger: logger}, nil
}

// Start registers the durable subscriptions.
func (in *Ingester) Start(ctx context.Context) error {
	if in == nil {
		return errors.New("nil ingester")
	}

	consumers := []struct {
		subject string
		durable string
	}{
		{bus.SubjectRunStarted, "ledger-runs-started"},
		{bus.SubjectRunFinished, "ledger-runs-finished"},
	}
	for _, c := range consumers {
		closer, err := in.bus.Subscribe(ctx, c.subject, c.durable, in.Handle)
		if err != nil {
			in.Close()
			return fmt.Errorf("ledger consumer %s: %w", c.durable, err)
		}
		in.subsMu.Lock()
		in.subs = append(in.subs, closer)
		in.subsMu.Unlock()
	}
	return nil
}

// Close tears down active subscriptions.
func (in *Ingester) Close() error {
	if in == nil {
		return nil
	}
	in.subsMu.Lock()
	defer in.subsMu.Unlock()

	var firstErr error
	for _, sub := range in.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	in.subs = nil
	return firstErr
}

// Handle applies one encoded RunEvent. Malformed events are dropped rather
// than redelivered.
func (in *Ingester) Handle(ctx context.Context, subject string, data []byte) error {
	var evt bus.RunEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		in.logger.Warn().Err(err).Str("subject", subject).Msg("dropping malformed run event")
		return nil
	}
	id, err := uuid.Parse(evt.RunID)
	if err != nil || id == uuid.Nil {
		in.logger.Warn().Str("subject", subject).Str("run_id", evt.RunID).Msg("dropping run event without id")
		return nil
	}

	run := &Run{
		ID:         id,
		App:        evt.App,
		TargetType: evt.TargetType,
		Status:     evt.Status,
		Error:      evt.Error,
		Assets:     evt.Assets,
	}

	switch subject {
	case bus.SubjectRunStarted:
		run.StartedAt = evt.At
		if run.Status == "" {
			run.Status = StatusRunning
		}
		return in.writer.Start(ctx, run)
	case bus.SubjectRunFinished:
		if !evt.At.IsZero() {
			at := evt.At
			run.FinishedAt = &at
		}
		return in.writer.Finish(ctx, run)
	default:
		return nil
	}
}
