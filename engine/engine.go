// Package engine keeps one user's local view of their conversations
// consistent with the server. It reconciles three feeds that never agree
// on timing: pushed frames from a live connection, pulled history pages,
// and the user's own optimistic sends. Every decision reduces to the
// durable message id: seen ids are dropped, unseen ids are merged in
// order, and pending local entries resolve against their echo.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"parley/contract"
	"parley/domain"
	apperrors "parley/errors"
	"parley/observability"
	"parley/projection"
	"parley/transport"
)

// Sender pushes user actions upstream over the live connection.
type Sender interface {
	Send(ctx context.Context, conversationID domain.ConversationID, receiverID domain.UserID, text, clientTag string) error
	Typing(ctx context.Context, conversationID domain.ConversationID, active bool) error
	MarkRead(ctx context.Context, conversationID domain.ConversationID) error
}

// HistoryFetcher pulls authoritative pages from the store, newest first.
type HistoryFetcher interface {
	History(ctx context.Context, conversationID domain.ConversationID, cursor *string) ([]domain.Message, *string, error)
}

// TimelineListener observes the open conversation's entries after any
// change, oldest first.
type TimelineListener func(conversation domain.ConversationID, entries []projection.Entry)

// NotificationListener observes messages that deserve the user's
// attention: anything landing outside the open, focused conversation.
type NotificationListener func(intent domain.NotificationIntent)

// TypingListener observes the counterpart's typing state in the open
// conversation.
type TypingListener func(conversation domain.ConversationID, userID domain.UserID, active bool)

// ListListener observes that the conversation list preview data went
// stale and should be re-pulled.
type ListListener func()

type Engine struct {
	log            *slog.Logger
	self           domain.UserID
	sender         Sender
	fetcher        HistoryFetcher
	monitor        *observability.Monitor
	pendingTimeout time.Duration
	sweepInterval  time.Duration

	mu         sync.Mutex
	active     *projection.Timeline
	peer       domain.UserID
	cursor     *string
	focused    bool
	generation uint64
	fetching   bool
	backlog    []*transport.MessagePayload

	nextSub      int
	timelineSubs map[int]TimelineListener
	notifySubs   map[int]NotificationListener
	typingSubs   map[int]TypingListener
	listSubs     map[int]ListListener
}

var _ contract.Worker = (*Engine)(nil)

func NewEngine(
	log *slog.Logger,
	self domain.UserID,
	sender Sender,
	fetcher HistoryFetcher,
	monitor *observability.Monitor,
	pendingTimeout time.Duration,
) *Engine {
	return &Engine{
		log:            log,
		self:           self,
		sender:         sender,
		fetcher:        fetcher,
		monitor:        monitor,
		pendingTimeout: pendingTimeout,
		sweepInterval:  time.Second,
		focused:        true,
		timelineSubs:   make(map[int]TimelineListener),
		notifySubs:     make(map[int]NotificationListener),
		typingSubs:     make(map[int]TypingListener),
		listSubs:       make(map[int]ListListener),
	}
}

// Run sweeps pending optimistic entries whose echo window elapsed and
// downgrades them to failed so the view can offer a retry.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			e.mu.Lock()
			var conversation domain.ConversationID
			var entries []projection.Entry
			if e.active != nil {
				if expired := e.active.ExpirePending(now.UTC()); len(expired) > 0 {
					e.log.Warn("Pending sends expired without echo", "count", len(expired))
					conversation = e.active.Conversation
					entries = e.active.Entries()
				}
			}
			e.mu.Unlock()
			if entries != nil {
				e.fireTimeline(conversation, entries)
			}
		}
	}
}

// Open makes a conversation the active one and pulls its first history
// page. Frames arriving mid-fetch are buffered and merged afterwards by
// id, so a push racing the pull can never duplicate or reorder entries.
func (e *Engine) Open(ctx context.Context, conversation domain.Conversation) error {
	e.mu.Lock()
	e.generation++
	generation := e.generation
	if e.active == nil || e.active.Conversation != conversation.ID {
		e.active = projection.NewTimeline(e.self, conversation.ID)
	}
	e.peer = conversation.Peer(e.self)
	e.cursor = nil
	e.fetching = true
	e.backlog = nil
	e.mu.Unlock()

	return e.refresh(ctx, generation)
}

// Close drops the active conversation. Frames for it go back to being
// notifications.
func (e *Engine) Close() {
	e.mu.Lock()
	e.generation++
	e.active = nil
	e.peer = ""
	e.cursor = nil
	e.fetching = false
	e.backlog = nil
	e.mu.Unlock()
}

// Refresh re-pulls the open conversation after a reconnect. Pending
// optimistic entries survive; anything missed while offline comes back
// through the page and deduplicates against whatever was already seen.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.active == nil {
		e.mu.Unlock()
		e.fireListChanged()
		return nil
	}
	e.generation++
	generation := e.generation
	e.cursor = nil
	e.fetching = true
	e.backlog = nil
	e.mu.Unlock()

	e.fireListChanged()
	return e.refresh(ctx, generation)
}

func (e *Engine) refresh(ctx context.Context, generation uint64) error {
	e.mu.Lock()
	if e.generation != generation || e.active == nil {
		e.mu.Unlock()
		return nil
	}
	conversation := e.active.Conversation
	e.mu.Unlock()

	messages, next, err := e.fetcher.History(ctx, conversation, nil)

	e.mu.Lock()
	if e.generation != generation || e.active == nil {
		// A newer open superseded this fetch; its result no longer applies.
		e.mu.Unlock()
		return nil
	}
	if err == nil {
		e.active.ReplaceAll(messages)
		e.cursor = next
	}
	// Buffered frames are authoritative regardless of how the pull went.
	// A fresh peer message that landed in the fetch window still deserves
	// a notification when nobody is looking at the screen.
	var missed []domain.Message
	for _, payload := range e.backlog {
		message := payload.Message()
		fresh := e.active.Resolve(message, payload.ClientTag)
		if fresh && message.SenderID != e.self && !e.focused {
			missed = append(missed, message)
		}
	}
	e.backlog = nil
	e.fetching = false
	entries := e.active.Entries()
	focused := e.focused
	e.mu.Unlock()

	e.fireTimeline(conversation, entries)
	for _, message := range missed {
		e.notify(message)
	}
	if err != nil {
		return err
	}
	if focused {
		e.ackRead(ctx, conversation)
	}
	return nil
}

// LoadOlder pulls the next page of the open conversation and merges it
// in. Returns true while more history remains.
func (e *Engine) LoadOlder(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.active == nil {
		e.mu.Unlock()
		return false, apperrors.ErrNoConversationOpen
	}
	if e.cursor == nil {
		e.mu.Unlock()
		return false, nil
	}
	generation := e.generation
	conversation := e.active.Conversation
	cursor := e.cursor
	e.mu.Unlock()

	messages, next, err := e.fetcher.History(ctx, conversation, cursor)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	if e.generation != generation || e.active == nil {
		e.mu.Unlock()
		return false, nil
	}
	for _, message := range messages {
		e.active.Merge(message)
	}
	e.cursor = next
	entries := e.active.Entries()
	e.mu.Unlock()

	e.fireTimeline(conversation, entries)
	return next != nil, nil
}

// SetFocus records whether the open conversation is visible to the user.
// Gaining focus acknowledges everything on screen, which suppresses
// notifications for subsequent messages and releases read receipts to
// the counterpart.
func (e *Engine) SetFocus(ctx context.Context, focused bool) {
	e.mu.Lock()
	e.focused = focused
	var conversation domain.ConversationID
	ack := focused && e.active != nil
	if ack {
		conversation = e.active.Conversation
	}
	e.mu.Unlock()
	if ack {
		e.ackRead(ctx, conversation)
	}
}

// Send appends an optimistic pending entry and pushes the message
// upstream tagged with a fresh client tag. The entry confirms when its
// echo arrives, fails immediately when the push errors, and fails at the
// deadline when the echo never shows up.
func (e *Engine) Send(ctx context.Context, text string) (string, error) {
	e.mu.Lock()
	if e.active == nil {
		e.mu.Unlock()
		return "", apperrors.ErrNoConversationOpen
	}
	tag := uuid.NewString()
	now := time.Now().UTC()
	conversation := e.active.Conversation
	peer := e.peer
	e.active.AppendPending(domain.Message{
		ConversationID: conversation,
		SenderID:       e.self,
		ReceiverID:     peer,
		Content:        text,
		CreatedAt:      now,
	}, tag, now.Add(e.pendingTimeout))
	entries := e.active.Entries()
	e.mu.Unlock()

	e.fireTimeline(conversation, entries)

	if err := e.sender.Send(ctx, conversation, peer, text, tag); err != nil {
		e.mu.Lock()
		var failed []projection.Entry
		if e.active != nil && e.active.Conversation == conversation && e.active.MarkFailed(tag) {
			failed = e.active.Entries()
		}
		e.mu.Unlock()
		if failed != nil {
			e.fireTimeline(conversation, failed)
		}
		return tag, err
	}
	return tag, nil
}

// SetTyping forwards the local typing state for the open conversation.
func (e *Engine) SetTyping(ctx context.Context, active bool) error {
	e.mu.Lock()
	if e.active == nil {
		e.mu.Unlock()
		return apperrors.ErrNoConversationOpen
	}
	conversation := e.active.Conversation
	e.mu.Unlock()
	return e.sender.Typing(ctx, conversation, active)
}

// HandleFrame ingests one pushed frame. Safe to call from the connection
// read loop; listener callbacks run on the calling goroutine after all
// internal state settles.
func (e *Engine) HandleFrame(ctx context.Context, frame transport.ServerFrame) {
	switch frame.Type {
	case transport.FrameNew:
		if frame.Message != nil {
			e.handleMessage(ctx, frame.Message)
		}
	case transport.FrameTypingStart, transport.FrameTypingStop:
		if frame.Typing != nil {
			e.handleTyping(frame.Typing, frame.Type == transport.FrameTypingStart)
		}
	case transport.FrameRead:
		if frame.Read != nil {
			e.handleRead(frame.Read)
		}
	case transport.FrameError:
		e.log.Warn("Server rejected an operation", "error", frame.Error)
	default:
		e.log.Debug("Unknown frame type ignored", "type", frame.Type)
	}
}

func (e *Engine) handleMessage(ctx context.Context, payload *transport.MessagePayload) {
	message := payload.Message()

	// Frames for other people indicate a routing fault upstream.
	if message.SenderID != e.self && message.ReceiverID != e.self {
		e.log.Debug("Dropped frame addressed to someone else",
			"sender_id", message.SenderID, "receiver_id", message.ReceiverID)
		return
	}

	e.mu.Lock()
	open := e.active != nil && e.active.Conversation == message.ConversationID

	if open && e.fetching {
		// A history pull is in flight; park the frame and let the merge
		// settle ordering once the page lands.
		e.backlog = append(e.backlog, payload)
		e.mu.Unlock()
		return
	}

	echo := message.SenderID == e.self

	if open {
		var fresh bool
		if echo {
			fresh = e.active.Resolve(message, payload.ClientTag)
		} else {
			fresh = e.active.Merge(message)
		}
		if !fresh {
			e.monitor.IncrDedupHits()
			e.mu.Unlock()
			return
		}
		conversation := e.active.Conversation
		entries := e.active.Entries()
		focused := e.focused
		e.mu.Unlock()

		e.fireTimeline(conversation, entries)
		e.fireListChanged()
		if echo {
			return
		}
		if focused {
			// Visible on screen: no notification, acknowledge receipt.
			e.ackRead(ctx, conversation)
			return
		}
		e.notify(message)
		return
	}
	e.mu.Unlock()

	e.fireListChanged()
	if !echo {
		e.notify(message)
	}
}

func (e *Engine) handleTyping(payload *transport.TypingPayload, active bool) {
	conversation := domain.ConversationID(payload.ConversationID)
	e.mu.Lock()
	if e.active == nil || e.active.Conversation != conversation {
		e.mu.Unlock()
		return
	}
	subs := make([]TypingListener, 0, len(e.typingSubs))
	for _, fn := range e.typingSubs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()
	for _, fn := range subs {
		fn(conversation, domain.UserID(payload.UserID), active)
	}
}

func (e *Engine) handleRead(payload *transport.ReadPayload) {
	if domain.UserID(payload.ReaderID) == e.self {
		return
	}
	conversation := domain.ConversationID(payload.ConversationID)
	e.mu.Lock()
	if e.active == nil || e.active.Conversation != conversation {
		e.mu.Unlock()
		return
	}
	e.active.ApplyRead(domain.MessageID(payload.MaxID))
	entries := e.active.Entries()
	e.mu.Unlock()
	e.fireTimeline(conversation, entries)
}

func (e *Engine) notify(message domain.Message) {
	e.monitor.IncrNotifications()
	intent := domain.NotificationIntent{
		SenderID:       message.SenderID,
		SenderName:     string(message.SenderID),
		Text:           message.Content,
		ConversationID: message.ConversationID,
	}
	e.mu.Lock()
	subs := make([]NotificationListener, 0, len(e.notifySubs))
	for _, fn := range e.notifySubs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()
	for _, fn := range subs {
		fn(intent)
	}
}

func (e *Engine) ackRead(ctx context.Context, conversation domain.ConversationID) {
	if err := e.sender.MarkRead(ctx, conversation); err != nil {
		e.log.Debug("Read acknowledgment failed", "error", err)
	}
}

func (e *Engine) fireTimeline(conversation domain.ConversationID, entries []projection.Entry) {
	e.mu.Lock()
	subs := make([]TimelineListener, 0, len(e.timelineSubs))
	for _, fn := range e.timelineSubs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()
	for _, fn := range subs {
		fn(conversation, entries)
	}
}

func (e *Engine) fireListChanged() {
	e.mu.Lock()
	subs := make([]ListListener, 0, len(e.listSubs))
	for _, fn := range e.listSubs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// OnTimeline registers a listener for changes to the open conversation.
// The returned function unsubscribes it.
func (e *Engine) OnTimeline(fn TimelineListener) func() {
	return subscribe(e, e.timelineSubs, fn)
}

func (e *Engine) OnNotification(fn NotificationListener) func() {
	return subscribe(e, e.notifySubs, fn)
}

func (e *Engine) OnTyping(fn TypingListener) func() {
	return subscribe(e, e.typingSubs, fn)
}

func (e *Engine) OnConversationsChanged(fn ListListener) func() {
	return subscribe(e, e.listSubs, fn)
}

func subscribe[T any](e *Engine, registry map[int]T, fn T) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	registry[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(registry, id)
		e.mu.Unlock()
	}
}

// Entries returns the open conversation's current sequence, oldest first.
func (e *Engine) Entries() []projection.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil
	}
	return e.active.Entries()
}

// OpenConversation reports which conversation is open, zero when none is.
func (e *Engine) OpenConversation() domain.ConversationID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return 0
	}
	return e.active.Conversation
}
