package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"parley/domain/event"
)

type Sink struct {
	name string
}

func (s *Sink) Consume(ctx context.Context, e event.DomainEvent) error {
	return nil
}

func TestRegistry_Join_First_Connection(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	sink := &Sink{name: "laptop"}

	// Given no user is connected
	req.Zero(registry.Size())
	req.False(registry.IsOnline("alice"))

	// When a user joins
	displaced := registry.Join("alice", sink)

	// Then the slot holds the new sink and nothing was displaced
	req.Nil(displaced)
	req.True(registry.IsOnline("alice"))
	found, ok := registry.SinkFor("alice")
	req.True(ok)
	req.Same(sink, found)
}

func TestRegistry_Join_Overwrites_Previous_Connection(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	laptop := &Sink{name: "laptop"}
	phone := &Sink{name: "phone"}

	// Given a user already connected
	registry.Join("alice", laptop)

	// When the same user joins from elsewhere
	displaced := registry.Join("alice", phone)

	// Then the old sink is returned for teardown and the new one wins
	req.Same(laptop, displaced)
	req.Equal(1, registry.Size())
	found, _ := registry.SinkFor("alice")
	req.Same(phone, found)
}

func TestRegistry_Leave_Ignores_Stale_Connection(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	laptop := &Sink{name: "laptop"}
	phone := &Sink{name: "phone"}

	// Given the laptop connection was displaced by the phone
	registry.Join("alice", laptop)
	registry.Join("alice", phone)

	// When the stale laptop connection finally disconnects
	registry.Leave("alice", laptop)

	// Then the live phone connection keeps its slot
	req.True(registry.IsOnline("alice"))
	found, _ := registry.SinkFor("alice")
	req.Same(phone, found)

	// And the owner leaving really vacates it
	registry.Leave("alice", phone)
	req.False(registry.IsOnline("alice"))
	req.Zero(registry.Size())
}

func TestRegistry_SinkFor_Unknown_User(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	_, ok := registry.SinkFor("nobody")
	req.False(ok)
}
