package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	mimo "github.com/PedroFarias/mimo/sdk/golang"
	"github.com/PedroFarias/mimo/sdk/golang/hub"
)

const demoSeed = `
stores:
  - uid: bella
    name: Bella Moda
    categories: [Clothing]
    address: {city: Rio de Janeiro, street: Rua das Flores 10, neighborhood: Centro}
    employees: [eva]
  - uid: azul
    name: Casa Azul
    categories: [Clothing, Home]
    address: {city: Rio de Janeiro, street: Av. Atlantica 200, neighborhood: Copacabana}
    employees: [joao]
`

var simulateSeed string

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&simulateSeed, "seed", "", "YAML seed to use instead of the built-in stores")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a customer and two employees against an in-process hub",
	Long: "Submit one request to two stores, let both employees try to accept it,\n" +
		"chat, read and block, printing every step.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		logger := newLogger()

		seed, err := hub.ParseSeed([]byte(demoSeed))
		if simulateSeed != "" {
			seed, err = hub.LoadSeed(simulateSeed)
		}
		if err != nil {
			return err
		}
		h, err := hub.New(hub.WithLogger(logger))
		if err != nil {
			return err
		}
		defer h.Close()
		if err := h.ApplySeed(ctx, seed); err != nil {
			return err
		}

		start := time.Now()
		step := func(format string, args ...any) {
			fmt.Printf("[%8s] %s\n", time.Since(start).Round(time.Microsecond), fmt.Sprintf(format, args...))
		}
		login := func(uid string, role mimo.Role) (*mimo.StateManager, error) {
			st := mimo.New(h.Session(uid), mimo.WithLogger(logger))
			u, err := st.Login(ctx, mimo.User{FirstName: uid, Role: role})
			if err == nil {
				step("%s logged in as %s", u.Name(), u.Role)
			}
			return st, err
		}

		customer, err := login("ana", mimo.RoleCustomer)
		if err != nil {
			return err
		}
		var staff []*mimo.StateManager
		for _, st := range seed.Stores {
			for _, uid := range st.Employees {
				e, err := login(uid, mimo.RoleEmployee)
				if err != nil {
					return err
				}
				staff = append(staff, e)
			}
		}
		if len(staff) == 0 {
			return fmt.Errorf("seed has no employees")
		}

		stores := customer.Stores.Stores()
		targets := make([]string, 0, len(stores))
		for _, st := range stores {
			targets = append(targets, st.UID)
		}
		step("customer sees %d stores", len(stores))

		m, err := customer.Requests.Submit(ctx, mimo.MimoDraft{Stores: targets, Message: "Exchange a red dress, size M"})
		if err != nil {
			return err
		}
		step("request %s submitted %s", m.UID, humanize.Time(time.UnixMilli(m.Timestamp)))
		for _, e := range staff {
			me, _ := e.CurrentUser()
			step("%s has %d pending request(s)", me.UID, len(e.Requests.PendingRequests()))
		}

		var conv string
		for _, e := range staff {
			me, _ := e.CurrentUser()
			res, err := e.Requests.Accept(ctx, m.UID)
			if err != nil {
				return err
			}
			if res.Accepted {
				conv = res.Conversation
				step("%s accepted, conversation %s", me.UID, conv)
			} else {
				step("%s was too late", me.UID)
			}
		}
		step("customer has %d pending, %d conversation(s)",
			len(customer.Requests.PendingRequests()), len(customer.Conversations.Conversations()))

		if _, err := customer.Conversations.SendMessage(ctx, conv, mimo.Content{Text: "Do you have it in blue?"}); err != nil {
			return err
		}
		for _, e := range staff {
			if c, ok := e.Conversations.Conversation(conv); ok {
				last, _ := c.Latest()
				step("employee sees %q, unread %d", last.Content.Text, e.Conversations.UnreadCount(conv))
				if err := e.Conversations.MarkMessagesRead(ctx, conv); err != nil {
					return err
				}
				e.Conversations.Wait()
				step("employee read it, unread %d", e.Conversations.UnreadCount(conv))
			}
		}

		c, _ := customer.Conversations.Conversation(conv)
		for _, msg := range c.Messages {
			step("  %s %-8s %s", humanize.Time(time.UnixMilli(msg.Timestamp)), msg.Sender, describeContent(msg.Content))
		}

		if err := customer.Conversations.BlockConversation(ctx, conv); err != nil {
			return err
		}
		step("conversation blocked, customer has %d conversation(s)", len(customer.Conversations.Conversations()))

		for _, st := range append(staff, customer) {
			st.Logout(ctx)
		}
		step("done")
		return nil
	},
}
