package workers

import (
	"context"
	"log/slog"
	"time"

	"parley/contract"
	"parley/domain/event"
	"parley/observability"
)

// EventFanout delivers each relayed event to the live connections of its
// participants, plus a set of permanent sinks (search index, telemetry).
//
// It provides best-effort fan-out with no guarantees regarding delivery,
// durability, or retries: the durable store is the source of truth and an
// offline participant recovers by pulling history. Per-conversation order
// is preserved because one goroutine drains the channel.
type EventFanout struct {
	log            *slog.Logger
	registry       contract.IRegistry
	monitor        *observability.Monitor
	events         chan event.DomainEvent
	permanentSinks []contract.EventSink
	sinkTimeout    time.Duration
}

func NewEventFanout(
	log *slog.Logger,
	registry contract.IRegistry,
	monitor *observability.Monitor,
	events chan event.DomainEvent,
	sinkTimeout time.Duration,
	permanentSinks ...contract.EventSink,
) *EventFanout {
	return &EventFanout{
		log:            log,
		registry:       registry,
		monitor:        monitor,
		events:         events,
		permanentSinks: permanentSinks,
		sinkTimeout:    sinkTimeout,
	}
}

var _ contract.Worker = (*EventFanout)(nil)

func (w *EventFanout) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping fanout")
			return nil
		case evt, ok := <-w.events:
			if !ok {
				return nil
			}
			w.Fanout(ctx, evt)
		}
	}
}

// Fanout delivers one event to every registered participant connection and
// every permanent sink. A sink exceeding the timeout is skipped, never
// retried; one slow consumer must not stall delivery for the rest.
func (w *EventFanout) Fanout(ctx context.Context, evt event.DomainEvent) {
	for _, userID := range evt.Participants() {
		sink, ok := w.registry.SinkFor(userID)
		if !ok {
			// Offline participant: no queue, pull-based catch-up.
			continue
		}
		w.consume(ctx, sink, evt)
		w.monitor.IncrDelivered()
	}
	for _, sink := range w.permanentSinks {
		w.consume(ctx, sink, evt)
	}
}

func (w *EventFanout) consume(ctx context.Context, sink contract.EventSink, evt event.DomainEvent) {
	sinkCtx, cancel := context.WithTimeout(ctx, w.sinkTimeout)
	defer cancel()
	if err := sink.Consume(sinkCtx, evt); err != nil {
		w.log.Warn("Sink failed to consume event",
			"conversation_id", evt.ConversationID(), "error", err)
		w.monitor.IncrDropped()
	}
}
