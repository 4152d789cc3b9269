package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mimo "github.com/PedroFarias/mimo/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	settleQuiet time.Duration
	settleMax   time.Duration

	storesCategory string
	requestStores  []string
	sendImage      string
	readAfterShow  bool
)

func init() {
	for _, c := range []*cobra.Command{storesCmd, conversationsCmd, requestsCmd, sendCmd, requestCmd, acceptCmd, rejectCmd, blockCmd} {
		c.Flags().DurationVar(&settleQuiet, "quiet", 300*time.Millisecond, "wait until state is unchanged this long")
		c.Flags().DurationVar(&settleMax, "settle", 5*time.Second, "maximum time to wait for initial state")
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(watchCmd)

	storesCmd.Flags().StringVar(&storesCategory, "category", "", "only stores in this category")
	requestCmd.Flags().StringSliceVar(&requestStores, "store", nil, "store to address (repeatable)")
	sendCmd.Flags().StringVar(&sendImage, "image", "", "image URL to send instead of text")
	conversationsCmd.Flags().BoolVar(&readAfterShow, "read", false, "mark shown conversations as read")
}

// withSession connects, waits for the initial state and runs fn.
func withSession(fn func(ctx context.Context, s *session) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := connect(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	s.settle(settleQuiet, settleMax)
	return fn(ctx, s)
}

// ============================================================================
// Browsing
// ============================================================================

var storesCmd = &cobra.Command{
	Use:   "stores [query]",
	Short: "List stores, optionally filtered by category or search text",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			stores := s.state.Stores.Stores()
			switch {
			case storesCategory != "":
				stores = s.state.Stores.StoresByCategory(storesCategory)
			case len(args) == 1:
				stores = s.state.Stores.SearchStores(args[0])
			}
			printStores(stores)
			return nil
		})
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations with their latest message",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			convs := s.state.Conversations.Conversations()
			if len(convs) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, c := range convs {
				printConversation(s.state, s.me, c)
				if readAfterShow {
					if err := s.state.Conversations.MarkMessagesRead(ctx, c.UID); err != nil {
						return err
					}
				}
			}
			fmt.Printf("\n%d unread\n", s.state.Conversations.UnreadTotal())
			return nil
		})
	},
}

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List pending exchange requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			pending := s.state.Requests.PendingRequests()
			if len(pending) == 0 {
				fmt.Println("No pending requests.")
				return nil
			}
			for _, m := range pending {
				printRequest(s.state, m)
			}
			return nil
		})
	},
}

// ============================================================================
// Mutations
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation> [message]",
	Short: "Send a message to a conversation",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := mimo.Content{Image: sendImage}
		if len(args) == 2 {
			content.Text = args[1]
		}
		return withSession(func(ctx context.Context, s *session) error {
			msg, err := s.state.Conversations.SendMessage(ctx, args[0], content)
			if err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			fmt.Printf("Message %s sent to %s\n", msg.UID, args[0])
			return nil
		})
	},
}

var requestCmd = &cobra.Command{
	Use:   "request <message>",
	Short: "Submit an exchange request to one or more stores",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			m, err := s.state.Requests.Submit(ctx, mimo.MimoDraft{
				Stores:  requestStores,
				Message: strings.Join(args, " "),
			})
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Printf("Request %s sent to %s\n", m.UID, strings.Join(m.Stores, ", "))
			return nil
		})
	},
}

var acceptCmd = &cobra.Command{
	Use:   "accept <request>",
	Short: "Accept a pending request and open a conversation with the customer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			res, err := s.state.Requests.Accept(ctx, args[0])
			if err != nil {
				return fmt.Errorf("accept failed: %w", err)
			}
			if !res.Accepted {
				fmt.Printf("Request %s was already accepted.\n", args[0])
				return nil
			}
			fmt.Printf("Accepted %s. Conversation %s\n", args[0], res.Conversation)
			return nil
		})
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <request>",
	Short: "Remove a request from your list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			if err := s.state.Requests.Reject(ctx, args[0]); err != nil {
				return fmt.Errorf("reject failed: %w", err)
			}
			fmt.Printf("Rejected %s\n", args[0])
			return nil
		})
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <conversation>",
	Short: "Close a conversation for both participants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			if err := s.state.Conversations.BlockConversation(ctx, args[0]); err != nil {
				return fmt.Errorf("block failed: %w", err)
			}
			fmt.Printf("Blocked %s\n", args[0])
			return nil
		})
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print a summary every time the local state changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		changes := make(chan struct{}, 1)
		s.state.Register(mimo.NewObserver(func() {
			select {
			case changes <- struct{}{}:
			default:
			}
		}))
		fmt.Printf("Watching as %s (%s). Ctrl-C to stop.\n", s.me.Name(), s.me.Role)

		tick := time.NewTicker(250 * time.Millisecond)
		defer tick.Stop()
		dirty := true
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changes:
				dirty = true
			case <-tick.C:
				if !dirty {
					continue
				}
				dirty = false
				fmt.Printf("\n-- %s  %s --\n", time.Now().Format(time.TimeOnly), s.ws.State())
				fmt.Printf("stores %d  conversations %d  unread %d  pending requests %d\n",
					len(s.state.Stores.Stores()), len(s.state.Conversations.Conversations()),
					s.state.Conversations.UnreadTotal(), len(s.state.Requests.PendingRequests()))
				for _, c := range s.state.Conversations.Conversations() {
					printConversation(s.state, s.me, c)
				}
				for _, m := range s.state.Requests.PendingRequests() {
					printRequest(s.state, m)
				}
			}
		}
	},
}
