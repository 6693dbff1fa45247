package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/taskmesh/internal/config"
)

func newInitCmd(flags *rootFlags) *cobra.Command {
	var (
		force   bool
		channel string
		mailbox string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default project config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.projectConfig
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg := config.DefaultConfig()
			cfg.Channel.Type = channel
			cfg.Channel.MailboxPath = mailbox
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	cmd.Flags().StringVar(&channel, "channel", config.ChannelLocal, "channel type: local, process or mailbox")
	cmd.Flags().StringVar(&mailbox, "mailbox", "", "mailbox database (mailbox channel)")
	return cmd
}
