package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"ragchat/pkg/domain"
	"ragchat/pkg/store"
)

func newAskCmd() *cobra.Command {
	var sessionID, docID string

	cmd := &cobra.Command{
		Use:   "ask [question...]",
		Short: "Ask one question and print the answer as it streams",
		Example: `  chat ask "what does chapter 3 say about caching?"
  chat ask --session 2f1c... --doc manual.pdf "and chapter 4?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := buildDeps(ctx, cfg, 0)
			if err != nil {
				return err
			}
			defer d.close()

			sid := strings.TrimSpace(sessionID)
			if sid == "" {
				sid = d.store.CreateSession("")
			} else if !d.store.SetCurrentSession(sid) {
				return fmt.Errorf("session %s not found", sid)
			}

			printer := newTypingPrinter(os.Stdout, sid)
			unsubscribe := d.store.Subscribe(printer.handle)
			defer unsubscribe()

			if err := d.app.AskQuestion(ctx, sid, strings.Join(args, " "), strings.TrimSpace(docID)); err != nil {
				return err
			}
			printer.finish()
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "continue an existing session")
	cmd.Flags().StringVarP(&docID, "doc", "d", "", "restrict retrieval to one document")
	return cmd
}

// typingPrinter renders streamed updates of the answer placeholder as a
// typing effect.
type typingPrinter struct {
	mu        sync.Mutex
	out       io.Writer
	sessionID string
	target    int
	tracking  bool
	printed   string
	final     domain.Message
}

func newTypingPrinter(out io.Writer, sessionID string) *typingPrinter {
	return &typingPrinter{out: out, sessionID: sessionID}
}

func (p *typingPrinter) handle(ev store.Event) {
	if ev.SessionID != p.sessionID {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Kind {
	case store.EventMessageAdded:
		if !ev.Message.IsUser && ev.Message.IsStreaming {
			p.target = ev.MessageID
			p.tracking = true
			p.printed = ""
		}
	case store.EventMessageUpdated:
		if !p.tracking || ev.MessageID != p.target {
			return
		}
		content := ev.Message.Content
		if strings.HasPrefix(content, p.printed) {
			fmt.Fprint(p.out, content[len(p.printed):])
		} else {
			fmt.Fprint(p.out, "\n"+content)
		}
		p.printed = content
		p.final = ev.Message
	}
}

func (p *typingPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out)
	for i, src := range p.final.Sources {
		fmt.Fprintf(p.out, "[%d] %s p.%d (score %.2f)\n", i+1, src.DocID, src.Page, src.Score)
	}
	if p.final.Confidence != nil {
		fmt.Fprintf(p.out, "confidence: %.2f\n", *p.final.Confidence)
	}
}
