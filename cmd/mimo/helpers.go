package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	mimo "github.com/PedroFarias/mimo/sdk/golang"
	"github.com/PedroFarias/mimo/sdk/golang/remote"
)

// session is a logged in state engine over a WebSocket connection.
type session struct {
	ws    *remote.WSStore
	state *mimo.StateManager
	me    mimo.User

	mu      sync.Mutex
	changed time.Time
}

// connect dials the configured hub and logs in with the configured profile.
func connect(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Client.Endpoint == "" || cfg.Client.Token == "" {
		return nil, fmt.Errorf("no connection configured. Run 'mimo init <endpoint> <uid>' first")
	}

	logger := newLogger()
	ws, err := remote.DialWS(ctx, cfg.Client.Endpoint, &remote.WSConfig{
		Token:         cfg.Client.Token,
		AutoReconnect: true,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Client.Endpoint, err)
	}

	s := &session{ws: ws, state: mimo.New(ws, mimo.WithLogger(logger))}
	s.state.Register(mimo.NewObserver(func() {
		s.mu.Lock()
		s.changed = time.Now()
		s.mu.Unlock()
	}))
	s.me, err = s.state.Login(ctx, mimo.User{
		FirstName: firstNonEmpty(cfg.Client.FirstName, cfg.Client.UID),
		LastName:  cfg.Client.LastName,
		Role:      mimo.Role(firstNonEmpty(cfg.Client.Role, string(mimo.RoleCustomer))),
	})
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("login: %w", err)
	}
	return s, nil
}

// settle waits until the pushed initial state stops changing for quiet, or
// until limit has elapsed.
func (s *session) settle(quiet, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		last := s.changed
		s.mu.Unlock()
		if !last.IsZero() && time.Since(last) >= quiet {
			return
		}
		time.Sleep(quiet / 4)
	}
}

func (s *session) close() {
	s.state.Conversations.Wait()
	s.state.Logout(context.Background())
	s.ws.Close()
}

// ============================================================================
// Output formatting
// ============================================================================

func when(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return humanize.Time(time.UnixMilli(ms))
}

func describeContent(c mimo.Content) string {
	switch {
	case c.Title != "" && c.Text != "":
		return fmt.Sprintf("[%s] %s", c.Title, c.Text)
	case c.Text != "":
		return c.Text
	case c.Image != "":
		return "(image) " + c.Image
	case c.Audio != "":
		return "(audio) " + c.Audio
	}
	return c.Title
}

func printStores(stores []mimo.Store) {
	if len(stores) == 0 {
		fmt.Println("No stores.")
		return
	}
	for _, st := range stores {
		fmt.Printf("%-14s %-24s %s\n", st.UID, st.Name, strings.Join(st.Categories, ", "))
	}
}

func printConversation(state *mimo.StateManager, me mimo.User, c mimo.Conversation) {
	other := c.Counterpart(me.UID)
	if u, ok := state.Users.User(other); ok {
		other = fmt.Sprintf("%s (%s)", u.Name(), u.UID)
	}
	fmt.Printf("%s  with %s  unread %d\n", c.UID, other, state.Conversations.UnreadCount(c.UID))
	if last, ok := c.Latest(); ok {
		fmt.Printf("    %s  %s: %s\n", when(last.Timestamp), last.Sender, describeContent(last.Content))
	}
}

func printRequest(state *mimo.StateManager, m mimo.Mimo) {
	who := m.Customer
	if u, ok := state.Users.User(m.Customer); ok {
		who = u.Name()
	}
	fmt.Printf("%s  from %s  %s  stores %s\n    %s\n",
		m.UID, who, when(m.Timestamp), strings.Join(m.Stores, ","), m.Message)
}
