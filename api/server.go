// Package api exposes the pull side of the system over HTTP: account
// management, conversation lookup and history pages. The push side lives
// on the WebSocket endpoint; everything here is safe to call cold, which
// is what reconnecting clients do to catch up.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/samber/lo"

	"parley/auth"
	"parley/domain"
	apperrors "parley/errors"
	"parley/observability"
	"parley/repositories"
	"parley/runtime"
	"parley/search"
)

type contextKey string

const userIDKey contextKey = "user_id"

type Server struct {
	log           *slog.Logger
	authService   *auth.Service
	tokens        *auth.TokenManager
	conversations repositories.IConversationRepository
	messages      repositories.IMessageRepository
	relay         *runtime.Relay
	index         *search.Index
	monitor       *observability.Monitor
	searchLimit   int
}

func NewServer(
	log *slog.Logger,
	authService *auth.Service,
	tokens *auth.TokenManager,
	conversations repositories.IConversationRepository,
	messages repositories.IMessageRepository,
	relay *runtime.Relay,
	index *search.Index,
	monitor *observability.Monitor,
) *Server {
	return &Server{
		log:           log,
		authService:   authService,
		tokens:        tokens,
		conversations: conversations,
		messages:      messages,
		relay:         relay,
		index:         index,
		monitor:       monitor,
		searchLimit:   20,
	}
}

// Routes mounts every REST endpoint on a fresh router, wrapped with CORS
// for the browser clients the origins list allows.
func (s *Server) Routes(allowedOrigins []string) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	router.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)

	authed := router.NewRoute().Subrouter()
	authed.Use(s.authenticate)
	authed.HandleFunc("/conversations", s.handleOpenConversation).Methods(http.MethodPost)
	authed.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	authed.HandleFunc("/conversations/{id}/messages", s.handleHistory).Methods(http.MethodGet)
	authed.HandleFunc("/conversations/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	authed.HandleFunc("/conversations/{id}/search", s.handleSearch).Methods(http.MethodGet)
	authed.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(router)
}

// authenticate resolves the Bearer token into a user id and stashes it in
// the request context for the handlers downstream.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			s.respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.tokens.Validate(token)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUser(r *http.Request) domain.UserID {
	userID, _ := r.Context().Value(userIDKey).(domain.UserID)
	return userID
}

type credentialsRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed body")
		return
	}
	token, err := s.authService.Register(domain.UserID(req.UserID), req.Password)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, tokenResponse{Token: token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed body")
		return
	}
	token, err := s.authService.Login(domain.UserID(req.UserID), req.Password)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, tokenResponse{Token: token})
}

type openConversationRequest struct {
	PeerID string `json:"peer_id"`
}

type conversationResponse struct {
	ID     uint64 `json:"id"`
	PeerID string `json:"peer_id"`
}

// handleOpenConversation resolves the caller + peer pair to its single
// conversation, creating it on first contact. Calling it twice, or from
// the other side, returns the same id.
func (s *Server) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	var req openConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed body")
		return
	}
	userID := requestUser(r)
	conversation, err := s.conversations.GetOrCreate(userID, domain.UserID(req.PeerID))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, conversationResponse{
		ID:     uint64(conversation.ID),
		PeerID: string(conversation.Peer(userID)),
	})
}

type summaryResponse struct {
	ID              uint64 `json:"id"`
	PeerID          string `json:"peer_id"`
	LastMessage     string `json:"last_message,omitempty"`
	LastMessageTime string `json:"last_message_time,omitempty"`
	UnreadCount     int    `json:"unread_count"`
}

// handleListConversations returns the caller's conversations with derived
// preview data, ordered by most recent activity first.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	summaries, err := s.summarize(userID)
	if err != nil {
		s.fail(w, err)
		return
	}
	payload := lo.Map(summaries, func(summary domain.ConversationSummary, _ int) summaryResponse {
		item := summaryResponse{
			ID:          uint64(summary.ID),
			PeerID:      string(summary.Peer),
			LastMessage: summary.LastMessage,
			UnreadCount: summary.UnreadCount,
		}
		if !summary.LastMessageTime.IsZero() {
			item.LastMessageTime = summary.LastMessageTime.UTC().Format("2006-01-02T15:04:05.000Z07:00")
		}
		return item
	})
	s.respond(w, http.StatusOK, payload)
}

func (s *Server) summarize(userID domain.UserID) ([]domain.ConversationSummary, error) {
	conversations, err := s.conversations.ListForUser(userID)
	if err != nil {
		return nil, err
	}
	summaries := make([]domain.ConversationSummary, 0, len(conversations))
	for _, conversation := range conversations {
		summary := domain.ConversationSummary{
			Conversation: conversation,
			Peer:         conversation.Peer(userID),
		}
		last, found, err := s.messages.Last(conversation.ID)
		if err != nil {
			return nil, err
		}
		if found {
			summary.LastMessage = last.Content
			summary.LastMessageTime = last.CreatedAt
		}
		unread, err := s.messages.UnreadCount(conversation.ID, userID)
		if err != nil {
			return nil, err
		}
		summary.UnreadCount = unread
		summaries = append(summaries, summary)
	}
	// Most recently active first; never-used conversations sink to the end.
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastMessageTime.After(summaries[j].LastMessageTime)
	})
	return summaries, nil
}

type messageResponse struct {
	ID             uint64 `json:"id"`
	ConversationID uint64 `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	Lang           string `json:"lang,omitempty"`
	CreatedAt      string `json:"created_at"`
	Read           bool   `json:"read"`
}

type historyResponse struct {
	Messages   []messageResponse `json:"messages"`
	NextCursor *string           `json:"next_cursor,omitempty"`
}

// handleHistory serves one page of a conversation, newest first. The
// returned cursor fetches the next older page; absence means the history
// is exhausted.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	conversation, _, ok := s.member(w, r)
	if !ok {
		return
	}
	var cursor *string
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cursor = &raw
	}
	page, next, err := s.messages.History(conversation.ID, cursor)
	if err != nil {
		s.fail(w, err)
		return
	}
	payload := historyResponse{NextCursor: next}
	payload.Messages = lo.Map(page, func(message domain.Message, _ int) messageResponse {
		return messageResponse{
			ID:             uint64(message.ID),
			ConversationID: uint64(message.ConversationID),
			SenderID:       string(message.SenderID),
			Text:           message.Content,
			Lang:           message.Lang,
			CreatedAt:      message.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			Read:           message.Read,
		}
	})
	s.respond(w, http.StatusOK, payload)
}

// handleMarkRead goes through the relay so the counterpart sees the read
// receipt pushed live.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	conversation, userID, ok := s.member(w, r)
	if !ok {
		return
	}
	if err := s.relay.MarkRead(r.Context(), conversation.ID, userID); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"ok": true})
}

type searchHitResponse struct {
	MessageID uint64 `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	conversation, _, ok := s.member(w, r)
	if !ok {
		return
	}
	query := search.ParseQuery(r.URL.Query().Get("q"))
	if query.Terms == "" {
		s.respondError(w, http.StatusBadRequest, "missing query")
		return
	}
	if query.Limit > s.searchLimit {
		query.Limit = s.searchLimit
	}
	hits, err := s.index.Search(r.Context(), conversation.ID, query)
	if err != nil {
		s.fail(w, err)
		return
	}
	payload := lo.Map(hits, func(hit search.Hit, _ int) searchHitResponse {
		return searchHitResponse{
			MessageID: uint64(hit.MessageID),
			SenderID:  string(hit.SenderID),
			Text:      hit.Content,
			CreatedAt: hit.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		}
	})
	s.respond(w, http.StatusOK, payload)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.monitor.GetLatest())
}

// member loads the conversation from the path and checks the caller
// belongs to it.
func (s *Server) member(w http.ResponseWriter, r *http.Request) (domain.Conversation, domain.UserID, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed conversation id")
		return domain.Conversation{}, "", false
	}
	conversation, err := s.conversations.ByID(domain.ConversationID(id))
	if err != nil {
		s.fail(w, err)
		return domain.Conversation{}, "", false
	}
	userID := requestUser(r)
	if !conversation.Has(userID) {
		s.fail(w, apperrors.ErrNotParticipant)
		return domain.Conversation{}, "", false
	}
	return conversation, userID, true
}

func (s *Server) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respond(w, status, map[string]string{"error": message})
}

// fail maps domain errors onto HTTP statuses without leaking internals.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrUnknownConversation):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apperrors.ErrNotParticipant):
		s.respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, apperrors.ErrSelfConversation),
		errors.Is(err, apperrors.ErrSameParticipant),
		errors.Is(err, apperrors.ErrEmptyContent),
		errors.Is(err, apperrors.ErrInvalidCursor):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrUserExists):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrInvalidCredentials):
		s.respondError(w, http.StatusUnauthorized, err.Error())
	default:
		s.log.Error("Request failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}
