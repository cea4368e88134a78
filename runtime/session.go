package runtime

import (
	"context"
	"sync"
	"sync/atomic"

	"parley/domain/event"
)

// Session is the per-connection event sink. The fanout writes into its
// buffered channel; the transport's write pump drains it. A full buffer
// drops the event rather than blocking the fanout: the client recovers
// through its next history fetch.
type Session struct {
	UserID string
	Events chan event.DomainEvent

	done      chan struct{}
	closeOnce sync.Once
	displaced atomic.Bool
}

func NewSession(userID string, bufferSize int) *Session {
	return &Session{
		UserID: userID,
		Events: make(chan event.DomainEvent, bufferSize),
		done:   make(chan struct{}),
	}
}

// Close releases the write pump. Called on every disconnect path; safe to
// call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Displace closes the session because a newer connection took over the
// user's registry slot. The pump tells the displaced client why before
// dropping the socket.
func (s *Session) Displace() {
	s.displaced.Store(true)
	s.Close()
}

// Displaced reports whether the session lost its slot to a newer join.
func (s *Session) Displaced() bool {
	return s.displaced.Load()
}

// Done reports when the session has been closed or displaced.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Consume is called by the fanout. It redirects the event through the
// owning connection's channel; the transport takes it from there.
func (s *Session) Consume(ctx context.Context, e event.DomainEvent) error {
	select {
	case s.Events <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Backpressure: the write pump is behind, drop.
		return nil
	}
}
