package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/spf13/cobra"
)

var (
	sendQueue   bool
	historyMore int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(st)
				return nil
			}
			fmt.Printf("Session: %s\n", st.Session)
			fmt.Printf("User:    %s\n", st.User)
			fmt.Printf("Uptime:  %s\n", st.Uptime.Round(time.Second))
			fmt.Printf("Chats:   %s\n", strings.Join(st.OpenChats, ", "))
			return nil
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open <contact>",
	Short: "Open the chat with a contact and print it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			v, err := c.OpenChat(ctx, args[0])
			if err != nil {
				return err
			}
			printView(v)
			return nil
		})
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <contact>",
	Short: "Close the chat with a contact on the daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.CloseChat(ctx, args[0])
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <contact> <text...>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args[1:], " ")
		return withClient(func(ctx context.Context, c *api.Client) error {
			send := c.SendMessage
			if sendQueue {
				send = c.QueueMessage
			}
			entry, err := send(ctx, args[0], text)
			if err != nil {
				return err
			}
			return printEntry(entry)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <contact> <client-id>",
	Short: "Re-send a failed message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			entry, err := c.RetrySend(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printEntry(entry)
		})
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <contact> <message-id> <text...>",
	Short: "Edit one of your messages",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.EditMessage(ctx, args[0], args[1], strings.Join(args[2:], " "))
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <contact> <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.DeleteMessage(ctx, args[0], args[1])
		})
	},
}

var forwardCmd = &cobra.Command{
	Use:   "forward <contact> <message-id> <to>",
	Short: "Forward a message to another contact",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			m, err := c.ForwardMessage(ctx, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(m)
				return nil
			}
			fmt.Printf("forwarded as %s in %s\n", m.ID, m.ChatID)
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <contact> <message-id>",
	Short: "Mark a message read",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.MarkRead(ctx, args[0], args[1])
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <contact>",
	Short: "Print the chat, loading older pages with --more",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			if _, err := c.OpenChat(ctx, args[0]); err != nil {
				return err
			}
			for range historyMore {
				_, hasMore, err := c.LoadMore(ctx, args[0])
				if err != nil {
					return err
				}
				if !hasMore {
					break
				}
			}
			v, err := c.OpenChat(ctx, args[0])
			if err != nil {
				return err
			}
			printView(v)
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <contact> <prefix>",
	Short: "Find messages starting with a prefix",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			found, err := c.Search(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(found)
				return nil
			}
			if len(found) == 0 {
				fmt.Println("No messages found.")
			}
			for _, m := range found {
				printMessage(m)
			}
			return nil
		})
	},
}

var typingCmd = &cobra.Command{
	Use:       "typing <contact> on|off",
	Short:     "Set whether you are typing",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseSwitch(args[1])
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.SetTyping(ctx, args[0], on)
		})
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online <contact>",
	Short: "Show whether a contact is online",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			p, err := c.IsOnline(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(p)
				return nil
			}
			fmt.Println(describePresence(p))
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <contact>",
	Short: "Follow a chat until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return withClient(func(_ context.Context, c *api.Client) error {
			return c.WatchChat(sessionCtx, args[0], func(v api.View) error {
				if jsonFlag {
					outputJSON(v)
					return nil
				}
				fmt.Print("\033[H\033[2J")
				printView(v)
				return nil
			})
		})
	},
}

func init() {
	sendCmd.Flags().BoolVar(&sendQueue, "queue", false, "hand the message to the background sender and return at once")
	historyCmd.Flags().IntVar(&historyMore, "more", 1, "older pages to load")

	rootCmd.AddCommand(statusCmd, openCmd, closeCmd, sendCmd, retryCmd, editCmd, deleteCmd,
		forwardCmd, readCmd, historyCmd, searchCmd, typingCmd, onlineCmd, watchCmd)
}

func parseSwitch(s string) (bool, error) {
	switch s {
	case "on", "true", "yes":
		return true, nil
	case "off", "false", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func printEntry(e outbox.Entry) error {
	if jsonFlag {
		outputJSON(e)
		return nil
	}
	switch e.State {
	case outbox.StateFailed:
		fmt.Printf("failed: %s\nretry with: chatctl retry <contact> %s\n", e.Error, e.ClientID)
	case outbox.StateSent:
		fmt.Printf("sent %s\n", e.MessageID)
	default:
		fmt.Printf("%s %s\n", e.State, e.ClientID)
	}
	return nil
}

func printView(v api.View) {
	if jsonFlag {
		outputJSON(v)
		return
	}
	fmt.Printf("%s  (%s)\n", v.Contact, describePresence(v.Presence))
	for _, e := range v.Outbox {
		if e.State == outbox.StateFailed || e.State == outbox.StateQueued {
			fmt.Printf("  [%s] %s  (client id %s)\n", e.State, e.Body.Text, e.ClientID)
		}
	}
	msgs := slices.Clone(v.Messages)
	model.SortOldestFirst(msgs)
	for _, m := range msgs {
		printMessage(m)
	}
	if v.HasMore {
		fmt.Println("  ... older messages: chatctl history --more N")
	}
	if len(v.Typing) > 0 {
		fmt.Printf("  %s typing...\n", strings.Join(v.Typing, ", "))
	}
}

func printMessage(m model.Message) {
	text := m.Body.Text
	switch {
	case m.Deleted:
		text = "(deleted)"
	case m.Body.Media != nil:
		text = strings.TrimSpace(fmt.Sprintf("[%s %s] %s", m.Body.Media.Kind, m.Body.Media.Ref, text))
	}
	var flags []string
	if m.Edited && !m.Deleted {
		flags = append(flags, "edited")
	}
	if m.Forwarded {
		flags = append(flags, "forwarded")
	}
	flags = append(flags, string(m.Status))
	fmt.Printf("%s %-10s %s  (%s, %s)\n",
		m.CreatedAt.Local().Format("15:04"), m.SenderID, text, strings.Join(flags, ", "), m.ID)
}

func describePresence(p api.Presence) string {
	switch {
	case p.Online():
		return "online"
	case p.LastSeen.IsZero():
		return "never seen"
	default:
		return "last seen " + p.LastSeen.Local().Format(time.DateTime)
	}
}
