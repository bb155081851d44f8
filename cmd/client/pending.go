package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-chat/backend/pkg/client/pending"
)

func init() {
	rootCmd.AddCommand(pendingCmd)
	pendingCmd.AddCommand(purgeCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List messages waiting in the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := pending.Open(pending.Config{Path: cfg.PendingPath, MaxAge: cfg.PendingMaxAge}, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		msgs, err := store.ListAll()
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("no pending messages")
			return nil
		}
		for _, m := range msgs {
			fmt.Printf("%-16s %-8s retries=%d  %s/%s  %q\n",
				humanize.Time(m.CreatedAt), m.Status, m.RetryCount, m.ConversationID, m.ID, m.Content)
		}
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop pending messages older than CHAT_PENDING_MAX_AGE",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := pending.Open(pending.Config{Path: cfg.PendingPath, MaxAge: cfg.PendingMaxAge}, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.PurgeExpired(time.Now().UTC())
		if err != nil {
			return err
		}
		fmt.Printf("purged %s message(s)\n", humanize.Comma(int64(n)))
		return nil
	},
}
