package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	chatsJSON bool
	chatsWait time.Duration
	startJSON bool
)

func init() {
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(startCmd)
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "print raw JSON")
	chatsCmd.Flags().DurationVar(&chatsWait, "wait", 2*time.Second, "how long to wait for title resolution")
	startCmd.Flags().BoolVar(&startJSON, "json", false, "print raw JSON")
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.ctrl.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh failed: %w", err)
		}
		chats := awaitTitles(ctx, s.ctrl, chatsWait)

		if chatsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(chats)
		}
		if len(chats) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No conversations.")
			return nil
		}
		renderChats(cmd.OutOrStdout(), chats)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start <participant-id>",
	Short: "Open (or reuse) a direct conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.ctrl.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh failed: %w", err)
		}
		chat, err := s.ctrl.StartChat(ctx, args[0])
		if err != nil {
			return err
		}
		if startJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(chat)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", chat.ID, chat.Title)
		return nil
	},
}

// awaitTitles returns the roster once no placeholder titles are left that
// could still resolve, or when wait elapses.
func awaitTitles(ctx context.Context, ctrl *chatsync.Controller, wait time.Duration) []chatsync.ConversationSummary {
	settled := make(chan struct{}, 1)
	check := func(chats []chatsync.ConversationSummary) {
		if !lo.SomeBy(chats, func(c chatsync.ConversationSummary) bool { return c.HasPlaceholderTitle() }) {
			select {
			case settled <- struct{}{}:
			default:
			}
		}
	}
	unsubscribe := ctrl.OnRoster(check)
	defer unsubscribe()
	check(ctrl.Roster())

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-settled:
	case <-timer.C:
	case <-ctx.Done():
	}
	return ctrl.Roster()
}

func renderChats(w io.Writer, chats []chatsync.ConversationSummary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Title", "Last message", "When", "Unread"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, c := range chats {
		when := ""
		if !c.LastMessageAt.IsZero() {
			when = c.LastMessageAt.Local().Format("2006-01-02 15:04")
		}
		table.Append([]string{
			c.ID,
			c.Title,
			truncate(c.LastMessagePreview, 40),
			when,
			strconv.Itoa(c.UnreadCount),
		})
	}
	table.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
