package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parley/contract"
	"parley/domain"
	"parley/domain/event"
	"parley/runtime"
)

type recordingSink struct {
	mu     sync.Mutex
	events []event.DomainEvent
	fail   bool
}

func (s *recordingSink) Consume(ctx context.Context, e event.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("sink unavailable")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func messageStored(sender, receiver domain.UserID) event.MessageStored {
	return event.MessageStored{Message: domain.Message{
		ID:             1,
		ConversationID: 1,
		SenderID:       sender,
		ReceiverID:     receiver,
		Content:        "fan me out",
		CreatedAt:      time.Now().UTC(),
	}}
}

func TestFanout_Delivers_To_Both_Participants(t *testing.T) {
	req := require.New(t)
	registry := runtime.NewRegistry()
	alice := &recordingSink{}
	bob := &recordingSink{}
	registry.Join("alice", alice)
	registry.Join("bob", bob)

	fanout := NewEventFanout(slog.Default(), registry, nil, make(chan event.DomainEvent), time.Second)

	// When a stored message fans out
	fanout.Fanout(context.Background(), messageStored("alice", "bob"))

	// Then the receiver gets it and the sender gets the echo
	req.Equal(1, bob.count())
	req.Equal(1, alice.count())
}

func TestFanout_Skips_Offline_Participant(t *testing.T) {
	req := require.New(t)
	registry := runtime.NewRegistry()
	alice := &recordingSink{}
	registry.Join("alice", alice)

	fanout := NewEventFanout(slog.Default(), registry, nil, make(chan event.DomainEvent), time.Second)

	// bob is offline; delivery neither blocks nor queues
	fanout.Fanout(context.Background(), messageStored("alice", "bob"))

	req.Equal(1, alice.count())
	req.False(registry.IsOnline("bob"))
}

func TestFanout_Feeds_Permanent_Sinks(t *testing.T) {
	req := require.New(t)
	registry := runtime.NewRegistry()
	index := &recordingSink{}

	fanout := NewEventFanout(slog.Default(), registry, nil, make(chan event.DomainEvent), time.Second, index)

	// Even with nobody online, permanent sinks see every event
	fanout.Fanout(context.Background(), messageStored("alice", "bob"))

	req.Equal(1, index.count())
}

func TestFanout_Failing_Sink_Does_Not_Stop_Delivery(t *testing.T) {
	req := require.New(t)
	registry := runtime.NewRegistry()
	broken := &recordingSink{fail: true}
	bob := &recordingSink{}
	registry.Join("alice", broken)
	registry.Join("bob", bob)

	fanout := NewEventFanout(slog.Default(), registry, nil, make(chan event.DomainEvent), time.Second)

	fanout.Fanout(context.Background(), messageStored("alice", "bob"))

	req.Equal(1, bob.count())
}

func TestFanout_Run_Drains_Channel(t *testing.T) {
	req := require.New(t)
	registry := runtime.NewRegistry()
	bob := &recordingSink{}
	registry.Join("bob", bob)

	events := make(chan event.DomainEvent, 4)
	var worker contract.Worker = NewEventFanout(slog.Default(), registry, nil, events, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = worker.Run(ctx)
		close(done)
	}()

	events <- messageStored("alice", "bob")
	events <- messageStored("alice", "bob")

	req.Eventually(func() bool { return bob.count() == 2 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("fanout did not stop")
	}
}
