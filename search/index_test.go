package search

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/stretchr/testify/require"

	"parley/domain"
	"parley/domain/event"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	writer, err := bluge.OpenWriter(bluge.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	return NewIndex(writer, slog.Default())
}

func storedEvent(id uint64, conversation domain.ConversationID, sender domain.UserID, content string) event.MessageStored {
	return event.MessageStored{Message: domain.Message{
		ID:             domain.MessageID(id),
		ConversationID: conversation,
		SenderID:       sender,
		ReceiverID:     "bob",
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}}
}

func Test_Search_Scoped_To_Conversation(t *testing.T) {
	req := require.New(t)
	index := newTestIndex(t)
	ctx := context.Background()

	// Given messages indexed across two conversations
	req.NoError(index.Consume(ctx, storedEvent(1, 1, "alice", "meet me at the harbor tomorrow")))
	req.NoError(index.Consume(ctx, storedEvent(2, 1, "bob", "which harbor exactly")))
	req.NoError(index.Consume(ctx, storedEvent(3, 2, "carol", "the harbor is closed")))

	// When searching the first conversation
	hits, err := index.Search(ctx, 1, ParseQuery("harbor"))
	req.NoError(err)

	// Then only its messages match
	req.Len(hits, 2)
	for _, hit := range hits {
		req.Equal(domain.ConversationID(1), hit.ConversationID)
		req.Contains(hit.Content, "harbor")
	}
}

func Test_Search_No_Match(t *testing.T) {
	req := require.New(t)
	index := newTestIndex(t)
	ctx := context.Background()

	req.NoError(index.Consume(ctx, storedEvent(1, 1, "alice", "see you soon")))

	hits, err := index.Search(ctx, 1, ParseQuery("submarine"))
	req.NoError(err)
	req.Empty(hits)
}

func Test_Replayed_Event_Overwrites_Instead_Of_Duplicating(t *testing.T) {
	req := require.New(t)
	index := newTestIndex(t)
	ctx := context.Background()

	// Given the same durable id indexed twice
	evt := storedEvent(1, 1, "alice", "the harbor at noon")
	req.NoError(index.Consume(ctx, evt))
	req.NoError(index.Consume(ctx, evt))

	hits, err := index.Search(ctx, 1, ParseQuery("harbor"))
	req.NoError(err)
	req.Len(hits, 1)
	req.Equal(domain.MessageID(1), hits[0].MessageID)
	req.Equal(domain.UserID("alice"), hits[0].SenderID)
}

func Test_Search_Filtered_By_Sender(t *testing.T) {
	req := require.New(t)
	index := newTestIndex(t)
	ctx := context.Background()

	req.NoError(index.Consume(ctx, storedEvent(1, 1, "alice", "meet me at the harbor")))
	req.NoError(index.Consume(ctx, storedEvent(2, 1, "bob", "the harbor it is")))

	hits, err := index.Search(ctx, 1, ParseQuery("harbor --from bob"))
	req.NoError(err)
	req.Len(hits, 1)
	req.Equal(domain.UserID("bob"), hits[0].SenderID)
}

func Test_ParseQuery_Extracts_Flags(t *testing.T) {
	req := require.New(t)

	query := ParseQuery("harbor at noon --from bob --limit 5")

	req.Equal("harbor at noon", query.Terms)
	req.Equal("bob", query.Sender)
	req.Equal(5, query.Limit)

	plain := ParseQuery("just words")
	req.Equal("just words", plain.Terms)
	req.Empty(plain.Sender)
	req.Equal(defaultLimit, plain.Limit)
}

func Test_Consume_Ignores_Other_Event_Kinds(t *testing.T) {
	req := require.New(t)
	index := newTestIndex(t)

	err := index.Consume(context.Background(), event.Typing{Conversation: 1, UserID: "alice", Counterpart: "bob", Active: true})
	req.NoError(err)
}
