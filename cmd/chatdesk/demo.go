package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roboricindustries/raycon-chat/pkg/chat"
	"github.com/roboricindustries/raycon-chat/pkg/persist"
	"github.com/roboricindustries/raycon-chat/pkg/session"
	"github.com/roboricindustries/raycon-chat/pkg/transport"
)

func newDemoCommand(root *rootOptions) *cobra.Command {
	var customers []string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an operator and customers against an in-process server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return runDemo(ctx, a, customers, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&customers, "customers", []string{"Lan", "Minh"}, "customer names")
	return cmd
}

func runDemo(ctx context.Context, a *app, customers []string, out io.Writer) error {
	hub := transport.NewMemoryHub(a.log)

	start := func(id chat.Identity) (*session.Controller, error) {
		ctrl := a.session(hub.Dial(id.Name), persist.NewMemory())
		go func() { _ = ctrl.Run(ctx) }()
		return ctrl, ctrl.Login(ctx, id)
	}

	desk, err := start(chat.Identity{ID: "desk", Name: "Admin", Role: "Admin"})
	if err != nil {
		return err
	}
	clients := make(map[string]*session.Controller, len(customers))
	for i, name := range customers {
		ctrl, err := start(chat.Identity{ID: fmt.Sprintf("c%d", i+1), Name: name, Role: "User"})
		if err != nil {
			return err
		}
		if err := ctrl.Open(ctx, ""); err != nil {
			return err
		}
		if _, err := ctrl.SendText(ctx, "Xin chào"); err != nil {
			return err
		}
		clients[name] = ctrl
	}

	if err := waitFor(ctx, func() bool {
		convs, err := desk.Conversations(ctx)
		return err == nil && len(convs) == len(customers)
	}); err != nil {
		return fmt.Errorf("operator never saw every customer: %w", err)
	}

	for _, name := range customers {
		if err := desk.Open(ctx, name); err != nil {
			return err
		}
		if _, err := desk.SendText(ctx, "Chào "+name+", shop có thể giúp gì?"); err != nil {
			return err
		}
	}
	if len(customers) > 0 {
		if err := clients[customers[0]].Logout(ctx); err != nil {
			return err
		}
		if err := waitFor(ctx, func() bool {
			convs, err := desk.Conversations(ctx)
			return err == nil && len(convs) == len(customers)-1
		}); err != nil {
			return fmt.Errorf("logout never reached the operator: %w", err)
		}
	}

	p := a.printer(out)
	fmt.Fprintln(out, boldGreen("operator desk"))
	if err := p.conversations(ctx, desk, chat.RoleAdmin, true); err != nil {
		return err
	}
	for _, name := range customers[min(1, len(customers)):] {
		fmt.Fprintln(out, boldGreen("customer "+name))
		if err := p.conversations(ctx, clients[name], chat.RoleUser, true); err != nil {
			return err
		}
	}
	return nil
}

func waitFor(ctx context.Context, cond func() bool) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}
