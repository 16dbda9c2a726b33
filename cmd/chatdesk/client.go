package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roboricindustries/raycon-chat/pkg/chat"
	"github.com/roboricindustries/raycon-chat/pkg/session"
)

type role string

const (
	roleCustomer role = "customer"
	roleOperator role = "operator"
)

var (
	boldGreen = color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan  = color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow    = color.New(color.FgYellow).SprintFunc()
	red       = color.New(color.FgRed).SprintFunc()
)

func newClientCommand(root *rootOptions, r role) *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   string(r),
		Short: fmt.Sprintf("Chat as the %s", r),
		Long: `Start an interactive chat session. Without --id and --name the
identity stored by a previous login is resumed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctrl := a.session(a.transport(producerID(r), nil), a.kv)
			go func() { _ = ctrl.Run(ctx) }()

			if id != "" || name != "" {
				identity := chat.Identity{ID: id, Name: name, Role: "User"}
				if r == roleOperator {
					identity.Role = "Admin"
				}
				err = ctrl.Login(ctx, identity)
			} else {
				err = ctrl.Start(ctx)
			}
			if err != nil {
				return err
			}
			return runREPL(ctx, ctrl, cmd.InOrStdin(), a.printer(cmd.OutOrStdout()), r)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "account id")
	cmd.Flags().StringVar(&name, "name", "", "display name; customers chat in the room of this name")
	return cmd
}

// producerID names one client process on the transport. Every process gets
// its own, so peers sharing a role never filter each other out as echoes.
func producerID(r role) string {
	return string(r) + ":" + uuid.NewString()
}

const help = `commands:
  /list           conversations (operator)
  /open <name>    select a conversation (operator)
  /image <path>   send an image
  /order <invoice>|<receiver>|<phone>|<product>|<total>
                  ask the desk about an order (customer)
  /consult <product id>|<name>|<material>|<price>|<phone>
                  ask the desk about a product (customer)
  /logout         log out and wipe local data
  /quit           leave, keeping local data
anything else is sent as text`

// printer writes chat output. youPrefix marks the client's own messages in
// conversation previews.
type printer struct {
	out       io.Writer
	youPrefix string
}

func (a *app) printer(out io.Writer) printer {
	return printer{out: out, youPrefix: a.cfg.Chat.YouPrefix}
}

func runREPL(ctx context.Context, ctrl *session.Controller, in io.Reader, p printer, r role) error {
	out := p.out
	self := chat.RoleUser
	if r == roleOperator {
		self = chat.RoleAdmin
	}
	go p.updates(ctx, ctrl)

	if r == roleCustomer {
		if err := ctrl.Open(ctx, ""); err != nil {
			return err
		}
		if err := p.conversations(ctx, ctrl, self, true); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, boldGreen("chatdesk"), "as", boldCyan(string(r)), "- type /help")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		var err error
		switch cmd {
		case "":
			continue
		case "/help":
			fmt.Fprintln(out, help)
		case "/quit", "/exit":
			return nil
		case "/logout":
			if err = ctrl.Logout(ctx); err == nil {
				fmt.Fprintln(out, yellow("logged out"))
				return nil
			}
		case "/list":
			err = p.conversations(ctx, ctrl, self, false)
		case "/open":
			if err = ctrl.Open(ctx, arg); err == nil {
				fmt.Fprintln(out, yellow("chatting with "+arg))
			}
		case "/image":
			err = sendImageFile(ctx, ctrl, arg)
		case "/order", "/consult":
			var text string
			if text, err = inquiryText(cmd, arg); err == nil {
				if _, err = ctrl.SendInquiry(ctx, text); err == nil {
					fmt.Fprintln(out, yellow("sent to the desk"))
				}
			}
		default:
			_, err = ctrl.SendText(ctx, line)
		}
		if err != nil {
			fmt.Fprintln(out, red("error: "+err.Error()))
		}
	}
}

func sendImageFile(ctx context.Context, ctrl *session.Controller, path string) error {
	if path == "" {
		return errors.New("usage: /image <path>")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = ctrl.SendImage(ctx, f)
	return err
}

// inquiryText builds an inquiry from pipe separated fields.
func inquiryText(cmd, arg string) (string, error) {
	fields := strings.Split(arg, "|")
	if len(fields) != 5 {
		return "", fmt.Errorf("usage: %s takes 5 fields separated by |, see /help", cmd)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if cmd == "/consult" {
		price, err := parseAmount(fields[3])
		if err != nil {
			return "", err
		}
		return chat.ProductInquiry{ProductID: fields[0], Name: fields[1], Material: fields[2], Price: price, Phone: fields[4]}.Text(), nil
	}
	total, err := parseAmount(fields[4])
	if err != nil {
		return "", err
	}
	return chat.OrderInquiry{InvoiceID: fields[0], Receiver: fields[1], Phone: fields[2], Product: fields[3], Total: total}.Text(), nil
}

// parseAmount accepts plain or dot grouped dong, e.g. 1250000 or 1.250.000.
func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.ReplaceAll(s, ".", ""), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, err)
	}
	return n, nil
}

func (p printer) conversations(ctx context.Context, ctrl *session.Controller, self chat.Role, full bool) error {
	out := p.out
	convs, err := ctrl.Conversations(ctx)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Fprintln(out, yellow("no conversations"))
		return nil
	}
	for _, c := range convs {
		if !full {
			fmt.Fprintf(out, "%s  %s\n", boldCyan(c.Name), c.Preview(self, p.youPrefix))
			continue
		}
		for _, m := range c.Messages {
			fmt.Fprintln(out, formatMessage(c.Name, m))
		}
	}
	return nil
}

func (p printer) updates(ctx context.Context, ctrl *session.Controller) {
	out := p.out
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-ctrl.Updates():
			switch u.Kind {
			case session.UpdateAppended:
				fmt.Fprintln(out, formatMessage(u.Conversation, u.Message))
			case session.UpdateRemoved:
				fmt.Fprintln(out, yellow(u.Conversation+" left the chat"))
			case session.UpdateSelectionCleared:
				fmt.Fprintln(out, yellow("conversation closed, use /open"))
			case session.UpdateDelivery:
				if u.Status == chat.StatusFailed {
					fmt.Fprintln(out, red("not delivered: "+u.Message.ID))
				}
			case session.UpdateSendFailed:
				fmt.Fprintln(out, red("send failed: "+u.Err.Error()))
			}
		}
	}
}

func formatMessage(conv string, m chat.Message) string {
	body := m.Text
	if m.Kind() == chat.KindImage {
		body = "[image]"
	}
	who := boldCyan(string(m.Sender))
	if m.Sender == chat.RoleUser {
		who = boldGreen(string(m.Sender))
	}
	return fmt.Sprintf("[%s] %s: %s", conv, who, body)
}
