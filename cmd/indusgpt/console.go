package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/samedit66/indusgpt/internal/config"
	"github.com/samedit66/indusgpt/internal/conversation"
	"github.com/samedit66/indusgpt/internal/models"
	"github.com/samedit66/indusgpt/internal/processors"
	"github.com/samedit66/indusgpt/internal/store"
	"github.com/spf13/cobra"
)

var (
	colorBot   = lipgloss.Color("#7aa2f7")
	colorMuted = lipgloss.Color("#565f89")
	colorError = lipgloss.Color("#f7768e")

	botLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(colorBot)
	statusStyle   = lipgloss.NewStyle().Italic(true).Foreground(colorMuted)
	errorStyle    = lipgloss.NewStyle().Foreground(colorError)
	summaryStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
)

type consoleFlags struct {
	user    string
	persist bool
	plain   bool
	width   int
}

func newConsoleCmd(global *globalFlags) *cobra.Command {
	var flags consoleFlags
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Chat with the bot in the terminal to try a script",
		Long: `Chat with the bot in the terminal to try a script.

Each line you type is one turn. /state shows progress, /finish ends the conversation and
/quit leaves. Answers are kept in memory unless --persist is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx, global)
			if err != nil {
				return err
			}
			script, err := config.LoadScript(cfg.QuestionsFile)
			if err != nil {
				return err
			}
			oc, err := buildOracle(ctx, cfg)
			if err != nil {
				return err
			}

			var st store.Store = store.NewInMemoryStore()
			if flags.persist {
				if err := cfg.EnsureStateDirs(); err != nil {
					return err
				}
				durable, err := store.Open(cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("open store: %w", err)
				}
				st = durable
			}
			defer st.Close()

			view, err := newConsoleView(cmd.OutOrStdout(), flags.plain, flags.width)
			if err != nil {
				return err
			}
			machine, err := buildMachine(script, st, oc, consoleSummary{view: view, total: len(script.Questions)})
			if err != nil {
				return err
			}
			return runConsole(ctx, cmd.InOrStdin(), view, machine, flags.user)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.user, "user", "000000000000", "user ID the console speaks as")
	f.BoolVar(&flags.persist, "persist", false, "keep answers in the configured database")
	f.BoolVar(&flags.plain, "plain", false, "print replies without markdown rendering or colors")
	f.IntVar(&flags.width, "width", 80, "word wrap width for rendered replies")
	return cmd
}

// consoleConversation is the part of conversation.Machine the console drives.
type consoleConversation interface {
	Questions() []models.Question
	Start(ctx context.Context, userID string) (conversation.Reply, error)
	SubmitTurn(ctx context.Context, userID, input string) (conversation.Reply, error)
	Finalize(ctx context.Context, userID string) bool
	CurrentState(ctx context.Context, userID string) (conversation.State, error)
	ForceFinish(ctx context.Context, userID string) ([]models.QaPair, error)
}

func runConsole(ctx context.Context, in io.Reader, view *consoleView, conv consoleConversation, user string) error {
	reply, err := conv.Start(ctx, user)
	if err != nil {
		return err
	}
	view.bot(reply.Text)

	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/state":
			state, err := conv.CurrentState(ctx, user)
			if err != nil {
				view.error(err)
				continue
			}
			view.status(describeState(state, len(conv.Questions())))
		case "/finish":
			pairs, err := conv.ForceFinish(ctx, user)
			if err != nil {
				view.error(err)
				continue
			}
			view.status(fmt.Sprintf("finished with %d of %d answers", len(pairs), len(conv.Questions())))
		default:
			reply, err := conv.SubmitTurn(ctx, user, line)
			if err != nil {
				view.error(err)
			}
			if !reply.Suppress && reply.Text != "" {
				view.bot(reply.Text)
			}
			if reply.Finished {
				conv.Finalize(ctx, user)
			}
		}
	}
	return sc.Err()
}

func describeState(s conversation.State, total int) string {
	switch s.Status {
	case conversation.StatusInProgress:
		return fmt.Sprintf("in_progress, question %d of %d", s.Cursor+1, total)
	default:
		return s.Status.String()
	}
}

// consoleView prints the conversation, rendering bot replies as markdown unless plain.
type consoleView struct {
	out      io.Writer
	plain    bool
	renderer *glamour.TermRenderer
}

func newConsoleView(out io.Writer, plain bool, width int) (*consoleView, error) {
	v := &consoleView{out: out, plain: plain}
	if plain {
		return v, nil
	}
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithWordWrap(width),
		glamour.WithStandardStyle("dark"),
	)
	if err != nil {
		return nil, fmt.Errorf("markdown renderer: %w", err)
	}
	v.renderer = r
	return v, nil
}

func (v *consoleView) bot(text string) {
	if v.plain {
		fmt.Fprintf(v.out, "bot: %s\n", text)
		return
	}
	body := text
	if rendered, err := v.renderer.Render(text); err == nil {
		body = strings.Trim(rendered, "\n")
	}
	fmt.Fprintln(v.out, botLabelStyle.Render("bot"))
	fmt.Fprintln(v.out, body)
}

func (v *consoleView) status(text string) {
	if v.plain {
		fmt.Fprintf(v.out, "[%s]\n", text)
		return
	}
	fmt.Fprintln(v.out, statusStyle.Render(text))
}

func (v *consoleView) error(err error) {
	if v.plain {
		fmt.Fprintf(v.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(v.out, errorStyle.Render("error: "+err.Error()))
}

func (v *consoleView) summary(text string) {
	if v.plain {
		fmt.Fprintln(v.out, text)
		return
	}
	fmt.Fprintln(v.out, summaryStyle.Render(text))
}

// consoleSummary prints the collected answers when a conversation is finalized.
type consoleSummary struct {
	view  *consoleView
	total int
}

func (s consoleSummary) Process(_ context.Context, userID string, pairs []models.QaPair) error {
	s.view.summary(processors.FormatSummary(processors.UserTag(userID, ""), pairs, s.total))
	return nil
}
