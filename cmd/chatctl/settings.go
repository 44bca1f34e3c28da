package main

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
)

var (
	initUser    string
	initSession string
	initRedis   string
)

var soundCmd = &cobra.Command{
	Use:   "sound [on|off]",
	Short: "Show or set the sound setting",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			if len(args) == 1 {
				on, err := parseSwitch(args[0])
				if err != nil {
					return err
				}
				if err := c.SetSoundEnabled(ctx, on); err != nil {
					return err
				}
			}
			enabled, err := c.SoundEnabled(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(map[string]bool{"sound_enabled": enabled})
				return nil
			}
			fmt.Printf("Sound: %v\n", enabled)
			return nil
		})
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the config file",
	Long:  "Write " + session.ConfigPath() + " with defaults and the given user.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := session.ValidateUser(initUser); err != nil {
			return err
		}
		cfg, err := session.LoadConfig()
		if err != nil {
			return err
		}
		cfg.User = initUser
		if initSession != "" {
			if err := session.ValidateName(initSession); err != nil {
				return err
			}
			cfg.DefaultSession = initSession
		}
		if initRedis != "" {
			cfg.Store.Presence = config.BackendRedis
			cfg.Store.RedisAddr = initRedis
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(session.ConfigPath(), cfg); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", session.ConfigPath())
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initUser, "user", "", "your user id")
	initCmd.Flags().StringVar(&initSession, "default-session", "", "session used when --session is not given")
	initCmd.Flags().StringVar(&initRedis, "redis", "", "keep presence in the Redis server at this address")
	_ = initCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(soundCmd, initCmd)
}
