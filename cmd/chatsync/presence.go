package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
)

var presenceWatch bool

func init() {
	presenceCmd.Flags().BoolVarP(&presenceWatch, "watch", "w", false, "Keep streaming presence changes")
	rootCmd.AddCommand(presenceCmd)
}

var presenceCmd = &cobra.Command{
	Use:   "presence <user-id>",
	Short: "Show whether a user is online",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID := args[0]
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		rec, err := s.messenger.RefreshPresence(rctx, userID)
		cancel()
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("%s: %s\n", userID, describePresence(rec))
		if !presenceWatch {
			return nil
		}

		if err := s.connect(ctx, 15*time.Second); err != nil {
			return err
		}
		for rec := range s.messenger.ObservePresence(ctx, userID) {
			fmt.Printf("%s: %s\n", userID, describePresence(rec))
		}
		return nil
	},
}
