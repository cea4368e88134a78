// Package client connects a terminal user to a running server: a REST
// client for the pull side and a WebSocket for the push side. The sync
// engine sits on top of both and never talks to the network itself.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"parley/domain"
)

// Rest is the pull-side client. It authenticates once and reuses the
// bearer token on every call.
type Rest struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewRest(baseURL string) *Rest {
	return &Rest{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Token returns the bearer token obtained by Register or Login.
func (r *Rest) Token() string {
	return r.token
}

type credentialsBody struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type tokenBody struct {
	Token string `json:"token"`
}

func (r *Rest) Register(ctx context.Context, userID domain.UserID, password string) error {
	return r.authenticate(ctx, "/auth/register", userID, password)
}

func (r *Rest) Login(ctx context.Context, userID domain.UserID, password string) error {
	return r.authenticate(ctx, "/auth/login", userID, password)
}

func (r *Rest) authenticate(ctx context.Context, path string, userID domain.UserID, password string) error {
	var body tokenBody
	err := r.call(ctx, http.MethodPost, path, credentialsBody{
		UserID:   string(userID),
		Password: password,
	}, &body)
	if err != nil {
		return err
	}
	r.token = body.Token
	return nil
}

type openConversationBody struct {
	PeerID string `json:"peer_id"`
}

type conversationBody struct {
	ID     uint64 `json:"id"`
	PeerID string `json:"peer_id"`
}

// Open resolves the conversation with a peer, creating it on first
// contact.
func (r *Rest) Open(ctx context.Context, self, peer domain.UserID) (domain.Conversation, error) {
	var body conversationBody
	err := r.call(ctx, http.MethodPost, "/conversations", openConversationBody{PeerID: string(peer)}, &body)
	if err != nil {
		return domain.Conversation{}, err
	}
	a, b := domain.CanonicalPair(self, domain.UserID(body.PeerID))
	return domain.Conversation{
		ID:           domain.ConversationID(body.ID),
		ParticipantA: a,
		ParticipantB: b,
	}, nil
}

type summaryBody struct {
	ID              uint64 `json:"id"`
	PeerID          string `json:"peer_id"`
	LastMessage     string `json:"last_message"`
	LastMessageTime string `json:"last_message_time"`
	UnreadCount     int    `json:"unread_count"`
}

// Summary is one row of the conversation list view.
type Summary struct {
	ID              domain.ConversationID
	Peer            domain.UserID
	LastMessage     string
	LastMessageTime time.Time
	UnreadCount     int
}

func (r *Rest) Conversations(ctx context.Context) ([]Summary, error) {
	var body []summaryBody
	if err := r.call(ctx, http.MethodGet, "/conversations", nil, &body); err != nil {
		return nil, err
	}
	summaries := make([]Summary, 0, len(body))
	for _, item := range body {
		summary := Summary{
			ID:          domain.ConversationID(item.ID),
			Peer:        domain.UserID(item.PeerID),
			LastMessage: item.LastMessage,
			UnreadCount: item.UnreadCount,
		}
		if item.LastMessageTime != "" {
			at, err := time.Parse(time.RFC3339, item.LastMessageTime)
			if err != nil {
				return nil, fmt.Errorf("conversation %d timestamp: %w", item.ID, err)
			}
			summary.LastMessageTime = at
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

type messageBody struct {
	ID             uint64 `json:"id"`
	ConversationID uint64 `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	Lang           string `json:"lang"`
	CreatedAt      string `json:"created_at"`
	Read           bool   `json:"read"`
}

type historyBody struct {
	Messages   []messageBody `json:"messages"`
	NextCursor *string       `json:"next_cursor"`
}

// History pulls one page, newest first. Implements the engine's fetcher.
func (r *Rest) History(ctx context.Context, conversationID domain.ConversationID, cursor *string) ([]domain.Message, *string, error) {
	path := fmt.Sprintf("/conversations/%d/messages", conversationID)
	if cursor != nil {
		path += "?cursor=" + *cursor
	}
	var body historyBody
	if err := r.call(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, nil, err
	}
	messages := make([]domain.Message, 0, len(body.Messages))
	for _, item := range body.Messages {
		createdAt, err := time.Parse(time.RFC3339, item.CreatedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("message %d timestamp: %w", item.ID, err)
		}
		messages = append(messages, domain.Message{
			ID:             domain.MessageID(item.ID),
			ConversationID: domain.ConversationID(item.ConversationID),
			SenderID:       domain.UserID(item.SenderID),
			Content:        item.Text,
			Lang:           item.Lang,
			CreatedAt:      createdAt,
			Read:           item.Read,
		})
	}
	return messages, body.NextCursor, nil
}

type searchHitBody struct {
	MessageID uint64 `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// SearchHit is one full-text match inside a conversation.
type SearchHit struct {
	MessageID domain.MessageID
	SenderID  domain.UserID
	Text      string
	CreatedAt time.Time
}

func (r *Rest) Search(ctx context.Context, conversationID domain.ConversationID, terms string) ([]SearchHit, error) {
	path := fmt.Sprintf("/conversations/%d/search?q=%s", conversationID, url.QueryEscape(terms))
	var body []searchHitBody
	if err := r.call(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	hits := make([]SearchHit, 0, len(body))
	for _, item := range body {
		createdAt, err := time.Parse(time.RFC3339, item.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("search hit %d timestamp: %w", item.MessageID, err)
		}
		hits = append(hits, SearchHit{
			MessageID: domain.MessageID(item.MessageID),
			SenderID:  domain.UserID(item.SenderID),
			Text:      item.Text,
			CreatedAt: createdAt,
		})
	}
	return hits, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func (r *Rest) call(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var failure errorBody
		if err := json.NewDecoder(resp.Body).Decode(&failure); err == nil && failure.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, failure.Error)
		}
		return fmt.Errorf("%s %s: status %s", method, path, strconv.Itoa(resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
