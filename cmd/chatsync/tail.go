package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail [conversation-id]",
	Short: "Follow the roster or one conversation until interrupted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		p := newPrinter(out)
		defer s.ctrl.OnConnection(p.connection)()

		if len(args) == 1 {
			defer s.ctrl.OnThread(p.thread(args[0]))()
			if err := s.ctrl.Open(ctx, args[0]); err != nil {
				fmt.Fprintln(out, color.New(color.FgYellow).Render("initial fetch failed: "+err.Error()))
			}
		} else {
			defer s.ctrl.OnRoster(p.roster)()
		}

		<-ctx.Done()
		return nil
	},
}

// printer writes live updates, each message once.
type printer struct {
	mu    sync.Mutex
	out   io.Writer
	shown map[string]struct{}
	top   string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, shown: make(map[string]struct{})}
}

func (p *printer) connection(state chatsync.ConnectionState) {
	style := color.New(color.FgGray)
	if state == chatsync.StateConnected {
		style = color.New(color.FgGreen)
	} else if state == chatsync.StateReconnectPending {
		style = color.New(color.FgYellow)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, style.Render("● "+string(state)))
}

func (p *printer) thread(conversationID string) func(chatsync.Thread) {
	return func(t chatsync.Thread) {
		if t.ConversationID != conversationID {
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, m := range t.Messages {
			if m.Pending {
				continue
			}
			if _, ok := p.shown[m.ID]; ok {
				continue
			}
			p.shown[m.ID] = struct{}{}
			fmt.Fprintln(p.out, formatMessage(m))
		}
	}
}

func (p *printer) roster(chats []chatsync.ConversationSummary) {
	if len(chats) == 0 {
		return
	}
	head := chats[0]
	key := head.ID + "|" + head.LastMessageAt.String() + "|" + head.Title
	p.mu.Lock()
	defer p.mu.Unlock()
	if key == p.top {
		return
	}
	p.top = key
	fmt.Fprintf(p.out, "%s %s: %s\n",
		color.New(color.FgCyan).Render(head.Title),
		color.New(color.FgGray).Render(head.ID),
		head.LastMessagePreview)
}

func formatMessage(m chatsync.Message) string {
	who := valueOrDefault(m.SenderName, m.SenderID)
	style := color.New(color.FgCyan)
	if m.IsMine {
		style = color.New(color.FgGreen)
	}
	return fmt.Sprintf("%s %s %s",
		color.New(color.FgGray).Render(m.CreatedAt.Local().Format("15:04:05")),
		style.Render(who+":"),
		m.Content)
}

