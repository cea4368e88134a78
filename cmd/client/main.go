package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/kelseyhightower/envconfig"

	"parley/client"
	"parley/domain"
	"parley/engine"
	"parley/internal"
	"parley/projection"
	"parley/runtime/workers"
)

// Exit codes for the client application.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// Config defines the client-side environment variables.
type Config struct {
	ServerURL      string        `envconfig:"SERVER_URL" default:"http://localhost:8080"`
	SocketURL      string        `envconfig:"SOCKET_URL" default:"ws://localhost:8080/ws"`
	UserID         string        `envconfig:"USER_ID" required:"true"`
	Password       string        `envconfig:"PASSWORD" required:"true"`
	PeerID         string        `envconfig:"PEER_ID" required:"true"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"warn"`
	PendingTimeout time.Duration `envconfig:"PENDING_TIMEOUT" default:"10s"`
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// 1. Load configuration from environment variables.
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	log := internal.LoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Authenticate: log in, or register on first run.
	self := domain.UserID(config.UserID)
	rest := client.NewRest(config.ServerURL)
	if err := rest.Login(ctx, self, config.Password); err != nil {
		if err := rest.Register(ctx, self, config.Password); err != nil {
			return exitRuntime, fmt.Errorf("authentication failed: %w", err)
		}
	}

	// 3. Wire engine and socket together.
	socket := client.NewSocket(log, config.SocketURL, rest.Token())
	eng := engine.NewEngine(log, self, socket, rest, nil, config.PendingTimeout)
	socket.Attach(eng)

	view := newView(self)
	defer eng.OnTimeline(view.renderTimeline)()
	defer eng.OnNotification(view.renderNotification)()
	defer eng.OnTyping(view.renderTyping)()

	sup := workers.NewSupervisor(log, time.Second)
	sup.Add(socket, eng)
	go sup.Run(ctx)
	defer sup.Stop()

	// 4. Open the conversation with the configured peer.
	conversation, err := rest.Open(ctx, self, domain.UserID(config.PeerID))
	if err != nil {
		return exitRuntime, fmt.Errorf("could not open conversation with %s: %w", config.PeerID, err)
	}
	if err := eng.Open(ctx, conversation); err != nil {
		color.Yellow.Printf("History unavailable, showing live messages only: %v\n", err)
	}
	color.Green.Printf(">>> Talking to %s in conversation %d (Ctrl+C to quit)\n", config.PeerID, conversation.ID)

	// 5. Input loop: plain lines send, slash commands do the rest.
	lines := readLines(ctx)
	for {
		select {
		case <-ctx.Done():
			color.Gray.Println("Stopping client...")
			return exitOK, nil
		case line, ok := <-lines:
			if !ok {
				return exitOK, nil
			}
			if err := dispatch(ctx, eng, rest, conversation.ID, line); err != nil {
				color.Red.Printf("! %v\n", err)
			}
		}
	}
}

func dispatch(ctx context.Context, eng *engine.Engine, rest *client.Rest, conversation domain.ConversationID, line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == "/older":
		more, err := eng.LoadOlder(ctx)
		if err != nil {
			return err
		}
		if !more {
			color.Gray.Println("(beginning of conversation)")
		}
		return nil
	case line == "/away":
		eng.SetFocus(ctx, false)
		color.Gray.Println("(window unfocused: new messages will notify)")
		return nil
	case line == "/back":
		eng.SetFocus(ctx, true)
		color.Gray.Println("(window focused)")
		return nil
	case line == "/conversations":
		summaries, err := rest.Conversations(ctx)
		if err != nil {
			return err
		}
		for _, s := range summaries {
			color.Cyan.Printf("  [%d] %s (%d unread) %s\n", s.ID, s.Peer, s.UnreadCount, s.LastMessage)
		}
		return nil
	case strings.HasPrefix(line, "/find "):
		hits, err := rest.Search(ctx, conversation, strings.TrimPrefix(line, "/find "))
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			color.Gray.Println("(no matches)")
		}
		for _, hit := range hits {
			color.Cyan.Printf("  [%s] %s: %s\n", hit.CreatedAt.Format(time.TimeOnly), hit.SenderID, hit.Text)
		}
		return nil
	case line == "/typing":
		return eng.SetTyping(ctx, true)
	case strings.HasPrefix(line, "/"):
		return fmt.Errorf("unknown command %q", strings.Fields(line)[0])
	default:
		_, err := eng.Send(ctx, line)
		return err
	}
}

func readLines(ctx context.Context) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// view prints timeline changes incrementally: confirmed entries once, plus
// state transitions for the user's own optimistic sends.
type view struct {
	self domain.UserID

	mu      sync.Mutex
	printed map[domain.MessageID]struct{}
	states  map[string]projection.EntryState
}

func newView(self domain.UserID) *view {
	return &view{
		self:    self,
		printed: make(map[domain.MessageID]struct{}),
		states:  make(map[string]projection.EntryState),
	}
}

func (v *view) renderTimeline(_ domain.ConversationID, entries []projection.Entry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, entry := range entries {
		switch entry.State {
		case projection.Pending:
			if _, seen := v.states[entry.ClientTag]; !seen {
				v.states[entry.ClientTag] = projection.Pending
				color.Gray.Printf("[%s] me: %s ...\n", entry.Message.CreatedAt.Format(time.TimeOnly), entry.Message.Content)
			}
		case projection.Failed:
			if v.states[entry.ClientTag] != projection.Failed {
				v.states[entry.ClientTag] = projection.Failed
				color.Red.Printf("[%s] me: %s (failed, not delivered)\n", entry.Message.CreatedAt.Format(time.TimeOnly), entry.Message.Content)
			}
		case projection.Confirmed:
			if _, seen := v.printed[entry.Message.ID]; seen {
				continue
			}
			v.printed[entry.Message.ID] = struct{}{}
			author := string(entry.Message.SenderID)
			if entry.Message.SenderID == v.self {
				author = "me"
			}
			fmt.Printf("[%s] %s: %s\n", entry.Message.CreatedAt.Format(time.TimeOnly), author, entry.Message.Content)
		}
	}
}

func (v *view) renderNotification(intent domain.NotificationIntent) {
	color.Yellow.Printf("** %s: %s (conversation %d)\n", intent.SenderName, intent.Text, intent.ConversationID)
}

func (v *view) renderTyping(_ domain.ConversationID, userID domain.UserID, active bool) {
	if active {
		color.Gray.Printf("(%s is typing...)\n", userID)
	}
}
