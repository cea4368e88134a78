// Package projection builds local timelines from observed events.
// Handles ordering, deduplication, and optimistic-entry reconciliation.
// Does not emit events or interact with UI directly.
package projection

import (
	"sort"
	"time"

	"parley/domain"
)

type EntryState int

const (
	// Confirmed entries carry a durable id assigned by the store.
	Confirmed EntryState = iota
	// Pending entries are optimistic local appends awaiting their echo.
	Pending
	// Failed entries are optimistic appends whose echo never arrived
	// within the bounded window.
	Failed
)

// Entry is one row of the view-model. Confirmed entries are keyed by the
// durable message id; pending and failed ones only by their client tag.
type Entry struct {
	Message   domain.Message
	ClientTag string
	State     EntryState
	Deadline  time.Time
}

// Timeline is the engine-held, disposable, per-conversation ordered message
// cache. Invariants: no two confirmed entries share an id, and the sequence
// is non-decreasing in CreatedAt after any merge.
type Timeline struct {
	Owner        domain.UserID
	Conversation domain.ConversationID
	entries      []Entry
	seen         map[domain.MessageID]struct{}
}

func NewTimeline(owner domain.UserID, conversation domain.ConversationID) *Timeline {
	return &Timeline{
		Owner:        owner,
		Conversation: conversation,
		seen:         make(map[domain.MessageID]struct{}),
	}
}

// ReplaceAll resets the confirmed portion from a history page. Pending and
// failed optimistic entries survive the reset: they are local-only state the
// store cannot know about yet.
func (t *Timeline) ReplaceAll(messages []domain.Message) {
	var kept []Entry
	for _, e := range t.entries {
		if e.State != Confirmed {
			kept = append(kept, e)
		}
	}
	t.entries = kept
	t.seen = make(map[domain.MessageID]struct{})
	for _, m := range messages {
		t.Merge(m)
	}
}

// Merge inserts a confirmed message in CreatedAt order. Returns false when
// the id was already present; replaying a seen event never changes length
// or order.
func (t *Timeline) Merge(message domain.Message) bool {
	if _, ok := t.seen[message.ID]; ok {
		return false
	}
	t.seen[message.ID] = struct{}{}
	t.entries = append(t.entries, Entry{Message: message, State: Confirmed})
	t.sort()
	return true
}

// AppendPending records an optimistic local send before any acknowledgment.
func (t *Timeline) AppendPending(message domain.Message, clientTag string, deadline time.Time) {
	t.entries = append(t.entries, Entry{
		Message:   message,
		ClientTag: clientTag,
		State:     Pending,
		Deadline:  deadline,
	})
	t.sort()
}

// Resolve replaces the pending entry matching clientTag with the
// authoritative record. Falls back to a plain merge when no pending entry
// matches (echo after a reconnect, or a tagless event). Returns false only
// for duplicates.
func (t *Timeline) Resolve(message domain.Message, clientTag string) bool {
	if _, ok := t.seen[message.ID]; ok {
		return false
	}
	if clientTag != "" {
		for i, e := range t.entries {
			if e.State == Pending && e.ClientTag == clientTag {
				t.seen[message.ID] = struct{}{}
				t.entries[i] = Entry{Message: message, State: Confirmed}
				t.sort()
				return true
			}
		}
	}
	return t.Merge(message)
}

// ExpirePending marks overdue optimistic entries as failed and returns
// their client tags.
func (t *Timeline) ExpirePending(now time.Time) []string {
	var expired []string
	for i, e := range t.entries {
		if e.State == Pending && now.After(e.Deadline) {
			t.entries[i].State = Failed
			expired = append(expired, e.ClientTag)
		}
	}
	return expired
}

// MarkFailed downgrades the pending entry with the given tag immediately,
// without waiting for its deadline. Returns false when no such entry exists.
func (t *Timeline) MarkFailed(clientTag string) bool {
	for i, e := range t.entries {
		if e.State == Pending && e.ClientTag == clientTag {
			t.entries[i].State = Failed
			return true
		}
	}
	return false
}

// ApplyRead flags the owner's confirmed messages up to maxID as read by
// the counterpart.
func (t *Timeline) ApplyRead(maxID domain.MessageID) {
	for i, e := range t.entries {
		if e.State == Confirmed && e.Message.SenderID == t.Owner && e.Message.ID <= maxID {
			t.entries[i].Message.Read = true
		}
	}
}

func (t *Timeline) Contains(id domain.MessageID) bool {
	_, ok := t.seen[id]
	return ok
}

func (t *Timeline) Len() int {
	return len(t.entries)
}

// Entries returns a copy of the current sequence, oldest first.
func (t *Timeline) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Messages returns the message sequence, oldest first.
func (t *Timeline) Messages() []domain.Message {
	out := make([]domain.Message, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.Message)
	}
	return out
}

func (t *Timeline) sort() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].Message.CreatedAt.Before(t.entries[j].Message.CreatedAt)
	})
}
