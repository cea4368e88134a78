package projection

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"parley/domain"
)

func message(id uint64, sender domain.UserID, at time.Time) domain.Message {
	return domain.Message{
		ID:             domain.MessageID(id),
		ConversationID: 1,
		SenderID:       sender,
		Content:        "how are you",
		CreatedAt:      at,
	}
}

func Test_Merge_Deduplicates_By_Id(t *testing.T) {
	req := require.New(t)
	timeline := NewTimeline("alice", 1)
	at := time.Now().UTC()

	// Given a message already merged
	req.True(timeline.Merge(message(1, "bob", at)))

	// When the same id arrives again, even with different content
	duplicate := message(1, "bob", at.Add(time.Minute))
	duplicate.Content = "something else"

	// Then it is dropped and the timeline is unchanged
	req.False(timeline.Merge(duplicate))
	req.Equal(1, timeline.Len())
	req.Equal("how are you", timeline.Entries()[0].Message.Content)
}

func Test_Merge_Keeps_Chronological_Order(t *testing.T) {
	req := require.New(t)
	timeline := NewTimeline("alice", 1)
	at := time.Now().UTC()

	// When messages arrive out of order
	timeline.Merge(message(3, "bob", at.Add(2*time.Minute)))
	timeline.Merge(message(1, "bob", at))
	timeline.Merge(message(2, "alice", at.Add(time.Minute)))

	// Then the sequence is oldest first
	messages := timeline.Messages()
	req.Len(messages, 3)
	req.Equal(domain.MessageID(1), messages[0].ID)
	req.Equal(domain.MessageID(2), messages[1].ID)
	req.Equal(domain.MessageID(3), messages[2].ID)
}

func Test_Resolve_Replaces_Pending_By_Tag(t *testing.T) {
	req := require.New(t)
	timeline := NewTimeline("alice", 1)
	at := time.Now().UTC()
	tag := uuid.NewString()

	// Given an optimistic local send
	timeline.AppendPending(message(0, "alice", at), tag, at.Add(10*time.Second))
	req.Equal(1, timeline.Len())
	req.Equal(Pending, timeline.Entries()[0].State)

	// When its echo arrives with the durable id
	echo := message(7, "alice", at)
	req.True(timeline.Resolve(echo, tag))

	// Then the pending entry became the confirmed one, no duplicate row
	req.Equal(1, timeline.Len())
	entry := timeline.Entries()[0]
	req.Equal(Confirmed, entry.State)
	req.Equal(domain.MessageID(7), entry.Message.ID)
	req.True(timeline.Contains(7))
}

func Test_Resolve_Without_Matching_Tag_Merges(t *testing.T) {
	req := require.New(t)
	timeline := NewTimeline("alice", 1)
	at := time.Now().UTC()

	// Given no pending entry (echo after a reconnect wiped local state)
	// When the echo arrives
	req.True(timeline.Resolve(message(7, "alice", at), uuid.NewString()))

	// Then it lands as a plain confirmed entry
	req.Equal(1, timeline.Len())
	req.Equal(Confirmed, timeline.Entries()[0].State)
}

func Test_ReplaceAll_Preserves_Pending_Entries(t *testing.T) {
	req := require.New(t)
	timeline := NewTimeline("alice", 1)
	at := time.Now().UTC()
	tag := uuid.NewString()

	// Given a confirmed entry and a pending local send
	timeline.Merge(message(1, "bob", at))
	timeline.AppendPending(message(0, "alice", at.Add(time.Minute)), tag, at.Add(10*time.Second))

	// When a history page resets the confirmed portion
	timeline.ReplaceAll([]domain.Message{
		message(2, "bob", at.Add(30*time.Second)),
		message(1, "bob", at),
	})

	// Then the pending entry survived alongside the page
	req.Equal(3, timeline.Len())
	entries := timeline.Entries()
	req.Equal(Pending, entries[2].State)
	req.Equal(tag, entries[2].ClientTag)
}

func Test_ExpirePending_Marks_Overdue_As_Failed(t *testing.T) {
	req := require.New(t)
	timeline := NewTimeline("alice", 1)
	at := time.Now().UTC()
	tag := uuid.NewString()

	// Given a pending send whose echo window elapsed
	timeline.AppendPending(message(0, "alice", at), tag, at.Add(10*time.Second))

	// When the sweep runs before the deadline
	req.Empty(timeline.ExpirePending(at.Add(5 * time.Second)))

	// And after it
	expired := timeline.ExpirePending(at.Add(11 * time.Second))

	// Then only the overdue entry failed
	req.Equal([]string{tag}, expired)
	req.Equal(Failed, timeline.Entries()[0].State)

	// And it is not reported twice
	req.Empty(timeline.ExpirePending(at.Add(time.Minute)))
}

func Test_MarkFailed_Downgrades_Pending_Immediately(t *testing.T) {
	req := require.New(t)
	timeline := NewTimeline("alice", 1)
	at := time.Now().UTC()
	tag := uuid.NewString()

	timeline.AppendPending(message(0, "alice", at), tag, at.Add(10*time.Second))

	req.True(timeline.MarkFailed(tag))
	req.Equal(Failed, timeline.Entries()[0].State)
	req.False(timeline.MarkFailed(tag))
	req.False(timeline.MarkFailed(uuid.NewString()))
}

func Test_ApplyRead_Flags_Own_Messages_Up_To_Id(t *testing.T) {
	req := require.New(t)
	timeline := NewTimeline("alice", 1)
	at := time.Now().UTC()

	// Given a mixed sequence
	timeline.Merge(message(1, "alice", at))
	timeline.Merge(message(2, "bob", at.Add(time.Minute)))
	timeline.Merge(message(3, "alice", at.Add(2*time.Minute)))

	// When the counterpart read up to id 2
	timeline.ApplyRead(2)

	// Then only the owner's messages within the bound are flagged
	entries := timeline.Entries()
	req.True(entries[0].Message.Read)
	req.False(entries[1].Message.Read)
	req.False(entries[2].Message.Read)
}
