package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

var sendJSON bool

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "print raw JSON")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		// The roster supplies the offline notification recipients.
		if err := s.ctrl.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh failed: %w", err)
		}
		if !lo.ContainsBy(s.ctrl.Roster(), func(c chatsync.ConversationSummary) bool { return c.ID == args[0] }) {
			return fmt.Errorf("%w: %s", chatsync.ErrUnknownConversation, args[0])
		}
		msg, err := s.ctrl.Send(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if sendJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(msg)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s\n", args[0])
		return nil
	},
}
