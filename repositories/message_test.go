package repositories

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"

	"parley/domain"
	apperrors "parley/errors"
)

func newMessageRepository(t *testing.T, pageSize int) *MessageRepository {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repository, err := NewMessageRepository(db, slog.Default(), pageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repository.Close() })
	return repository
}

func appendN(t *testing.T, repository *MessageRepository, conversation domain.ConversationID, n int) []domain.Message {
	t.Helper()
	at := time.Now().UTC()
	stored := make([]domain.Message, 0, n)
	for i := 0; i < n; i++ {
		message, err := repository.Append(domain.Message{
			ConversationID: conversation,
			SenderID:       "alice",
			ReceiverID:     "bob",
			Content:        fmt.Sprintf("message %d", i+1),
			CreatedAt:      at.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		stored = append(stored, message)
	}
	return stored
}

func Test_Append_Assigns_Monotonic_Ids(t *testing.T) {
	req := require.New(t)
	repository := newMessageRepository(t, 50)

	stored := appendN(t, repository, 1, 5)

	// Ids strictly increase in append order, across conversations too
	for i := 1; i < len(stored); i++ {
		req.Greater(stored[i].ID, stored[i-1].ID)
	}
	other, err := repository.Append(domain.Message{
		ConversationID: 2, SenderID: "carol", ReceiverID: "dave",
		Content: "hello", CreatedAt: time.Now().UTC(),
	})
	req.NoError(err)
	req.Greater(other.ID, stored[4].ID)
}

func Test_History_Pages_Newest_First(t *testing.T) {
	req := require.New(t)
	repository := newMessageRepository(t, 3)
	stored := appendN(t, repository, 1, 7)

	// First page: the 3 newest, descending
	page, cursor, err := repository.History(1, nil)
	req.NoError(err)
	req.Len(page, 3)
	req.Equal(stored[6].ID, page[0].ID)
	req.Equal(stored[4].ID, page[2].ID)
	req.NotNil(cursor)

	// Second page continues with strictly older messages
	page, cursor, err = repository.History(1, cursor)
	req.NoError(err)
	req.Len(page, 3)
	req.Equal(stored[3].ID, page[0].ID)
	req.Equal(stored[1].ID, page[2].ID)
	req.NotNil(cursor)

	// Last page is short and exhausts the history: no cursor comes back
	page, cursor, err = repository.History(1, cursor)
	req.NoError(err)
	req.Len(page, 1)
	req.Equal(stored[0].ID, page[0].ID)
	req.Nil(cursor)
}

func Test_History_Cursor_Ends_Exactly_On_Page_Boundary(t *testing.T) {
	req := require.New(t)
	repository := newMessageRepository(t, 3)
	appendN(t, repository, 1, 6)

	// A full first page still has older rows behind it
	page, cursor, err := repository.History(1, nil)
	req.NoError(err)
	req.Len(page, 3)
	req.NotNil(cursor)

	// The second page is also full but drains the store, so it must not
	// hand out a cursor that buys an empty round-trip
	page, cursor, err = repository.History(1, cursor)
	req.NoError(err)
	req.Len(page, 3)
	req.Nil(cursor)
}

func Test_History_Rejects_Malformed_Cursor(t *testing.T) {
	req := require.New(t)
	repository := newMessageRepository(t, 3)
	appendN(t, repository, 1, 2)

	for _, bad := range []string{"abc", "12", "000000000000000000x"} {
		cursor := bad
		_, _, err := repository.History(1, &cursor)
		req.ErrorIs(err, apperrors.ErrInvalidCursor)
	}
}

func Test_History_Isolated_Per_Conversation(t *testing.T) {
	req := require.New(t)
	repository := newMessageRepository(t, 50)
	appendN(t, repository, 1, 3)
	appendN(t, repository, 2, 2)

	page, _, err := repository.History(1, nil)
	req.NoError(err)
	req.Len(page, 3)
	for _, message := range page {
		req.Equal(domain.ConversationID(1), message.ConversationID)
	}
}

func Test_MarkRead_Returns_High_Water_Mark(t *testing.T) {
	req := require.New(t)
	repository := newMessageRepository(t, 50)
	stored := appendN(t, repository, 1, 3)

	// Given bob has 3 unread messages
	unread, err := repository.UnreadCount(1, "bob")
	req.NoError(err)
	req.Equal(3, unread)

	// When bob marks the conversation read
	maxID, err := repository.MarkRead(1, "bob")
	req.NoError(err)
	req.Equal(stored[2].ID, maxID)

	unread, err = repository.UnreadCount(1, "bob")
	req.NoError(err)
	req.Zero(unread)

	// Then a second pass touches nothing
	maxID, err = repository.MarkRead(1, "bob")
	req.NoError(err)
	req.Zero(maxID)
}

func Test_MarkRead_Only_Touches_Receiver_Side(t *testing.T) {
	req := require.New(t)
	repository := newMessageRepository(t, 50)
	appendN(t, repository, 1, 2)

	// alice is the sender; she has nothing addressed to her
	maxID, err := repository.MarkRead(1, "alice")
	req.NoError(err)
	req.Zero(maxID)

	unread, err := repository.UnreadCount(1, "bob")
	req.NoError(err)
	req.Equal(2, unread)
}

func Test_Last_Message(t *testing.T) {
	req := require.New(t)
	repository := newMessageRepository(t, 50)

	// Empty conversation
	_, found, err := repository.Last(1)
	req.NoError(err)
	req.False(found)

	stored := appendN(t, repository, 1, 4)
	last, found, err := repository.Last(1)
	req.NoError(err)
	req.True(found)
	req.Equal(stored[3].ID, last.ID)
	req.Equal("message 4", last.Content)
}
