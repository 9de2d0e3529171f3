package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/heartline-app/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// history
	historyPage int
	historyJSON bool

	// send
	sendTo   string
	sendType string
	sendWait time.Duration

	// listen
	listenConnectTimeout time.Duration
)

func init() {
	historyCmd.Flags().IntVar(&historyPage, "page", 1, "History page (1 is the most recent)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print raw JSON")

	sendCmd.Flags().StringVar(&sendTo, "to", "", "Receiver user ID")
	sendCmd.Flags().StringVar(&sendType, "type", "text", "Message type (text, media, gift)")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 15*time.Second, "How long to wait for the server ack")

	listenCmd.Flags().DurationVar(&listenConnectTimeout, "connect-timeout", 15*time.Second, "Initial connection timeout")

	rootCmd.AddCommand(historyCmd, sendCmd, listenCmd)
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Fetch and print a page of conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		page, err := s.messenger.LoadHistory(ctx, args[0], historyPage)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(page)
		}

		for _, m := range s.messenger.Messages(args[0]) {
			printMessage(m, s.cfg.Auth.UserID)
		}
		more := ""
		if page.HasMore {
			more = fmt.Sprintf(", more with --page %d", historyPage+1)
		}
		fmt.Printf("\n%s messages in conversation%s\n", humanize.Comma(int64(page.Total)), more)
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, content := args[0], args[1]
		ctx, cancel := context.WithTimeout(context.Background(), sendWait+listenConnectTimeout)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.connect(ctx, listenConnectTimeout); err != nil {
			return err
		}

		updates := s.messenger.ObserveConversation(ctx, convID)
		tempID, err := s.messenger.SendMessage(ctx, convID, content, &chatsync.SendOptions{
			Type:       chatsync.MessageType(sendType),
			ReceiverID: sendTo,
		})
		if err != nil {
			return err
		}

		wctx, wcancel := context.WithTimeout(ctx, sendWait)
		defer wcancel()
		for {
			select {
			case <-wctx.Done():
				return fmt.Errorf("no ack for %s within %s", tempID, sendWait)
			case msgs, ok := <-updates:
				if !ok {
					return fmt.Errorf("conversation stream closed")
				}
				for _, m := range msgs {
					if m.TempID != tempID {
						continue
					}
					switch m.Status {
					case chatsync.StatusSending:
					case chatsync.StatusFailed:
						return &chatsync.SendFailure{TempID: tempID, Reason: m.FailReason}
					default:
						fmt.Printf("Message %s %s\n", m.ID, m.Status)
						return nil
					}
				}
			}
		}
	},
}

// ============================================================================
// listen
// ============================================================================

var listenCmd = &cobra.Command{
	Use:   "listen [conversation-id...]",
	Short: "Stream connectivity and message updates until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		states := s.messenger.ObserveConnectivity(ctx)
		go func() {
			for st := range states {
				fmt.Printf("-- %s\n", st)
			}
		}()

		for _, convID := range args {
			go func(convID string) {
				seen := make(map[string]chatsync.MessageStatus)
				for msgs := range s.messenger.ObserveConversation(ctx, convID) {
					for _, m := range msgs {
						key := m.Key().String()
						if seen[key] == m.Status {
							continue
						}
						seen[key] = m.Status
						fmt.Printf("[%s] ", convID)
						printMessage(m, s.cfg.Auth.UserID)
					}
				}
			}(convID)
		}

		if err := s.connect(ctx, listenConnectTimeout); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	},
}
