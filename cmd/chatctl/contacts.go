package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/spf13/cobra"
)

var (
	profileName   string
	profileAvatar string
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List your contacts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			list, err := c.Contacts(ctx)
			if err != nil {
				return err
			}
			printContacts(list)
			return nil
		})
	},
}

var contactsAddCmd = &cobra.Command{
	Use:   "add <contact>",
	Short: "Add a contact; they get you as a contact too",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.AddContact(ctx, args[0])
		})
	},
}

var contactsRemoveCmd = &cobra.Command{
	Use:   "remove <contact>",
	Short: "Remove a contact from both lists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.RemoveContact(ctx, args[0])
		})
	},
}

var contactsNoteCmd = &cobra.Command{
	Use:   "note <contact> key=value...",
	Short: "Set private notes about a contact (key= deletes a note)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		md := make(map[string]string, len(args)-1)
		for _, kv := range args[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("expected key=value, got %q", kv)
			}
			md[k] = v
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.UpdateContactMetadata(ctx, args[0], md)
		})
	},
}

var contactsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow your contacts until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return withClient(func(_ context.Context, c *api.Client) error {
			return c.WatchContacts(sessionCtx, func(list []model.Contact) error {
				if !jsonFlag {
					fmt.Print("\033[H\033[2J")
				}
				printContacts(list)
				return nil
			})
		})
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Set the name and avatar your contacts see",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.SetProfile(ctx, profileName, profileAvatar)
		})
	},
}

func init() {
	profileCmd.Flags().StringVar(&profileName, "name", "", "display name")
	profileCmd.Flags().StringVar(&profileAvatar, "avatar", "", "avatar reference")

	contactsCmd.AddCommand(contactsAddCmd, contactsRemoveCmd, contactsNoteCmd, contactsWatchCmd)
	rootCmd.AddCommand(contactsCmd, profileCmd)
}

func printContacts(list []model.Contact) {
	if jsonFlag {
		outputJSON(list)
		return
	}
	if len(list) == 0 {
		fmt.Println("No contacts.")
		return
	}
	for _, ct := range list {
		p := api.Presence{LastSeen: ct.LastSeen}
		if ct.Online {
			p.State = presence.Online
		}
		fmt.Printf("%-20s %-20s %s\n", ct.ID, ct.Name, describePresence(p))
		for _, k := range slices.Sorted(maps.Keys(ct.Metadata)) {
			fmt.Printf("    %s: %s\n", k, ct.Metadata[k])
		}
	}
}
