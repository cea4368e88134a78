package transport

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"runtime/pprof"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"parley/auth"
	"parley/domain"
	apperrors "parley/errors"
	"parley/runtime"
	"parley/runtime/workers"
)

type conversationStub struct{}

func (conversationStub) GetOrCreate(a, b domain.UserID) (domain.Conversation, error) {
	panic("not needed")
}

func (conversationStub) ByID(id domain.ConversationID) (domain.Conversation, error) {
	if id != 1 {
		return domain.Conversation{}, apperrors.ErrUnknownConversation
	}
	return domain.Conversation{ID: 1, ParticipantA: "alice", ParticipantB: "bob"}, nil
}

func (conversationStub) ListForUser(userID domain.UserID) ([]domain.Conversation, error) {
	return nil, nil
}

type messageStub struct {
	nextID uint64
}

func (s *messageStub) Append(message domain.Message) (domain.Message, error) {
	s.nextID++
	message.ID = domain.MessageID(s.nextID)
	return message, nil
}

func (s *messageStub) History(domain.ConversationID, *string) ([]domain.Message, *string, error) {
	return nil, nil, nil
}

func (s *messageStub) MarkRead(domain.ConversationID, domain.UserID) (domain.MessageID, error) {
	return 0, nil
}

func (s *messageStub) UnreadCount(domain.ConversationID, domain.UserID) (int, error) {
	return 0, nil
}

func (s *messageStub) Last(domain.ConversationID) (domain.Message, bool, error) {
	return domain.Message{}, false, nil
}

type harness struct {
	server *httptest.Server
	tokens *auth.TokenManager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := slog.Default()
	registry := runtime.NewRegistry()
	relay := runtime.NewRelay(log, conversationStub{}, &messageStub{}, nil, nil, 16)
	tokens := auth.NewTokenManager("test-secret", time.Hour)

	fanout := workers.NewEventFanout(log, registry, nil, relay.Events(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = fanout.Run(ctx) }()

	handler := NewHandler(log, registry, relay, tokens, nil, nil, 16)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)
	return &harness{server: server, tokens: tokens}
}

func (h *harness) dial(t *testing.T, userID domain.UserID) *websocket.Conn {
	t.Helper()
	token, err := h.tokens.Generate(userID)
	require.NoError(t, err)
	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame ServerFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame ClientFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestHandler_Rejects_Invalid_Token(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)

	req.Error(err)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_Message_Reaches_Receiver_And_Echoes_Sender(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")

	// When alice sends through her connection
	sendFrame(t, alice, ClientFrame{
		Type:           FrameSend,
		ConversationID: 1,
		ReceiverID:     "bob",
		Text:           "coffee in ten",
		ClientTag:      "2f9c0f9a-7a60-4f0e-9d3c-222222222222",
	})

	// Then bob receives the authoritative record
	frame := readFrame(t, bob)
	req.Equal(FrameNew, frame.Type)
	req.NotNil(frame.Message)
	req.Equal("coffee in ten", frame.Message.Text)
	req.NotZero(frame.Message.ID)

	// And alice's echo carries her client tag
	echo := readFrame(t, alice)
	req.Equal(FrameNew, echo.Type)
	req.Equal("2f9c0f9a-7a60-4f0e-9d3c-222222222222", echo.Message.ClientTag)
	req.Equal(frame.Message.ID, echo.Message.ID)
}

func TestHandler_Rejected_Send_Returns_Error_Frame(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	alice := h.dial(t, "alice")

	// Sending into an unknown conversation
	sendFrame(t, alice, ClientFrame{
		Type:           FrameSend,
		ConversationID: 42,
		ReceiverID:     "bob",
		Text:           "anyone there?",
	})

	frame := readFrame(t, alice)
	req.Equal(FrameError, frame.Type)
	req.NotEmpty(frame.Error)
}

func TestHandler_Newer_Connection_Displaces_Older(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	old := h.dial(t, "alice")
	_ = h.dial(t, "alice")
	bob := h.dial(t, "bob")

	// The displaced socket is closed by the server
	req.NoError(old.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err := old.ReadMessage()
	req.Error(err)

	// And delivery now targets the newer connection only: bob's message
	// must not crash against the dead socket
	sendFrame(t, bob, ClientFrame{
		Type:           FrameSend,
		ConversationID: 1,
		ReceiverID:     "alice",
		Text:           "still with me?",
	})
	frame := readFrame(t, bob)
	req.Equal(FrameNew, frame.Type)
}

func TestHandler_Typing_Is_Not_Echoed_To_Sender(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")

	sendFrame(t, alice, ClientFrame{Type: FrameTypingStart, ConversationID: 1})

	// bob sees the indicator
	frame := readFrame(t, bob)
	req.Equal(FrameTypingStart, frame.Type)
	req.NotNil(frame.Typing)
	req.Equal("alice", frame.Typing.UserID)

	// alice does not: her next inbound frame is the echo of a real message
	sendFrame(t, alice, ClientFrame{
		Type: FrameSend, ConversationID: 1, ReceiverID: "bob", Text: "done typing",
	})
	echo := readFrame(t, alice)
	req.Equal(FrameNew, echo.Type)
}

func TestHandler_Write_Pump_Stops_After_Client_Disconnect(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	// Given a client that connected and hung up normally
	conn := h.dial(t, "alice")
	req.NoError(conn.Close())

	// Then its write pump winds down instead of leaking: reconnecting
	// clients would otherwise pile one orphaned pump per dial
	req.Eventually(func() bool {
		return livePumps() == 0
	}, 2*time.Second, 50*time.Millisecond)
}

// livePumps counts writePump frames in the goroutine profile.
func livePumps() int {
	var buf bytes.Buffer
	_ = pprof.Lookup("goroutine").WriteTo(&buf, 1)
	return strings.Count(buf.String(), "writePump")
}
