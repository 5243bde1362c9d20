package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/config"
	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/internal/sessions"
	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// =============================================================================
// Turn Command Handlers
// =============================================================================

const shutdownTimeout = 10 * time.Second

func (f turnFlags) appOptions(confirm tools.ConfirmFunc) appOptions {
	return appOptions{
		record:      f.record,
		replay:      f.replay,
		strict:      f.strict,
		confirm:     confirm,
		autoConfirm: f.yes,
	}
}

func runAsk(cmd *cobra.Command, configPath string, flags turnFlags, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = strings.TrimSpace(string(data))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var confirm tools.ConfirmFunc
	if !flags.yes && isTerminal(os.Stdin) {
		confirm = terminalConfirm(bufio.NewReader(os.Stdin), cmd.ErrOrStderr())
	}
	a, err := newApp(ctx, cfg, flags.appOptions(confirm))
	if err != nil {
		return err
	}
	defer closeApp(a)

	if err := applyAutonomyFlag(a.runtime, flags.autonomy); err != nil {
		return err
	}
	s, err := openSession(ctx, a.manager, flags.sessionID, "ask")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	reply, err := respond(ctx, a.runtime, s, text, flags.stream, out)
	if err != nil {
		return err
	}
	if reply.Notice != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "note:", reply.Notice)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "session %s\n", s.ID)
	return nil
}

func runChat(cmd *cobra.Command, configPath string, flags turnFlags) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()

	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()
	interactive := isTerminal(os.Stdin)

	var confirm tools.ConfirmFunc
	if !flags.yes && interactive {
		confirm = terminalConfirm(in, out)
	}
	a, err := newApp(ctx, cfg, flags.appOptions(confirm))
	if err != nil {
		return err
	}
	defer closeApp(a)

	if err := applyAutonomyFlag(a.runtime, flags.autonomy); err != nil {
		return err
	}
	s, err := openSession(ctx, a.manager, flags.sessionID, "chat")
	if err != nil {
		return err
	}

	watcher := config.NewWatcher(configPath, cfg, func(c *config.Config) {
		applyReload(a, c)
	}, a.logger)
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("config watch disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	repl := &chatREPL{
		app:         a,
		session:     s,
		in:          in,
		out:         out,
		stream:      flags.stream || cfg.Agent.StreamResponses,
		interactive: interactive,
	}
	fmt.Fprintf(out, "session %s, autonomy %s. Type /help for commands.\n", s.ID, a.runtime.Autonomy())
	return repl.run(ctx)
}

// respond runs one turn, streaming deltas to out when stream is set.
func respond(ctx context.Context, rt *agent.Runtime, s *sessions.Session, text string, stream bool, out io.Writer) (*agent.Reply, error) {
	if !stream {
		reply, err := rt.Ask(ctx, s, text)
		if err != nil {
			return nil, err
		}
		fmt.Fprintln(out, reply.Content)
		return reply, nil
	}
	reply, err := rt.AskStream(ctx, s, text, func(delta string) {
		fmt.Fprint(out, delta)
	})
	fmt.Fprintln(out)
	return reply, err
}

func openSession(ctx context.Context, manager *sessions.Manager, id, name string) (*sessions.Session, error) {
	if id == "" {
		return manager.Create(name), nil
	}
	return manager.Load(ctx, id)
}

func applyAutonomyFlag(rt *agent.Runtime, value string) error {
	if value == "" {
		return nil
	}
	level, err := models.ParseAutonomyLevel(value)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "--autonomy")
	}
	return rt.SetAutonomy(level)
}

// applyReload applies the settings that can change without a restart.
func applyReload(a *app, cfg *config.Config) {
	if level, err := models.ParseAutonomyLevel(cfg.Agent.AutonomyLevel); err == nil {
		if err := a.runtime.SetAutonomy(level); err == nil {
			a.logger.Info("autonomy updated from config", "level", level.String())
		}
	}
	disabled := make(map[string]bool, len(cfg.Tools.Disabled))
	for _, name := range cfg.Tools.Disabled {
		disabled[strings.TrimSpace(name)] = true
	}
	for _, name := range a.tools.Names() {
		var err error
		if disabled[name] {
			err = a.runtime.DisableTool(name)
		} else {
			err = a.runtime.EnableTool(name)
		}
		if err != nil {
			a.logger.Warn("tool flag not applied", "tool", name, "error", err)
		}
	}
}

func closeApp(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.close(ctx); err != nil {
		a.logger.Warn("shutdown incomplete", "error", err)
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// terminalConfirm asks on out and reads the answer from in.
func terminalConfirm(in *bufio.Reader, out io.Writer) tools.ConfirmFunc {
	return func(ctx context.Context, call models.ToolCall) (bool, error) {
		fmt.Fprintf(out, "\nallow %s %s? [y/N] ", call.Name, preview(string(call.Arguments)))
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

// =============================================================================
// Chat REPL
// =============================================================================

type chatREPL struct {
	app         *app
	session     *sessions.Session
	in          *bufio.Reader
	out         io.Writer
	stream      bool
	interactive bool
}

func (r *chatREPL) run(ctx context.Context) error {
	for {
		if r.interactive {
			fmt.Fprint(r.out, "> ")
		}
		line, err := r.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		eof := err != nil
		line = strings.TrimSpace(line)

		switch {
		case line == "":
		case strings.HasPrefix(line, "/"):
			quit, cmdErr := r.command(ctx, line)
			if cmdErr != nil {
				fmt.Fprintln(r.out, "error:", cmdErr)
			}
			if quit {
				return nil
			}
		default:
			r.turn(ctx, line)
		}

		if eof {
			if r.interactive {
				fmt.Fprintln(r.out)
			}
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// turn runs one turn; Ctrl-C cancels it without leaving the chat.
func (r *chatREPL) turn(ctx context.Context, text string) {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	reply, err := respond(turnCtx, r.app.runtime, r.session, text, r.stream, r.out)
	if err != nil {
		fmt.Fprintf(r.out, "error (%s): %v\n", errs.KindOf(err), err)
		return
	}
	if reply.Notice != "" {
		fmt.Fprintln(r.out, "note:", reply.Notice)
	}
}

const chatHelp = `Commands:
  /help                 show this help
  /autonomy [level]     show or set the autonomy level (readonly, supervised, full)
  /tools                list tools and whether they are enabled
  /enable <tool>        enable a tool
  /disable <tool>       disable a tool
  /tree                 show the conversation tree
  /branch <node>        continue from an earlier node (ID prefix from /tree)
  /up /back /forward    move the cursor
  /usage                show token usage for this session
  /prompt               print the system prompt
  /health               check provider health
  /save                 save the session now
  /quit                 leave the chat`

// command runs a slash command and reports whether the chat should end.
func (r *chatREPL) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	rt := r.app.runtime
	tree := r.session.Tree()

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, chatHelp)
	case "/autonomy":
		if len(args) > 0 {
			if err := applyAutonomyFlag(rt, args[0]); err != nil {
				return false, err
			}
		}
		fmt.Fprintln(r.out, "autonomy:", rt.Autonomy())
	case "/tools":
		names := r.app.tools.Names()
		sort.Strings(names)
		for _, n := range names {
			state := "enabled"
			if !r.app.tools.Enabled(n) {
				state = "disabled"
			}
			fmt.Fprintf(r.out, "  %-16s %s\n", n, state)
		}
	case "/enable", "/disable":
		if len(args) != 1 {
			return false, errs.Newf(errs.InvalidArgument, "usage: %s <tool>", name)
		}
		if name == "/enable" {
			return false, rt.EnableTool(args[0])
		}
		return false, rt.DisableTool(args[0])
	case "/tree":
		return false, renderTree(r.out, tree)
	case "/branch":
		if len(args) != 1 {
			return false, errs.New(errs.InvalidArgument, "usage: /branch <node>")
		}
		h, err := resolveNode(tree, args[0])
		if err != nil {
			return false, err
		}
		if err := tree.BranchFrom(h); err != nil {
			return false, err
		}
		r.session.Touch()
		fmt.Fprintln(r.out, "cursor moved; the next message starts a new branch")
	case "/up":
		return false, r.navigate(tree.NavigateUp)
	case "/back":
		return false, r.navigate(tree.NavigateBack)
	case "/forward":
		return false, r.navigate(tree.NavigateForward)
	case "/usage":
		u := r.session.Usage()
		fmt.Fprintf(r.out, "input %d, output %d tokens\n", u.InputTokens, u.OutputTokens)
	case "/prompt":
		fmt.Fprintln(r.out, rt.SystemPrompt(r.session))
	case "/health":
		printHealth(r.out, rt.Health(ctx))
	case "/save":
		if err := r.app.manager.Save(ctx, r.session); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "saved", r.session.ID)
	default:
		return false, errs.Newf(errs.InvalidArgument, "unknown command %s (try /help)", name)
	}
	return false, nil
}

func (r *chatREPL) navigate(move func() error) error {
	if err := move(); err != nil {
		return err
	}
	r.session.Touch()
	h, ok := r.session.Tree().Cursor()
	if !ok {
		return nil
	}
	node, err := r.session.Tree().Node(h)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "at %s %s %s\n", shortID(node.ID), node.Kind, describe(node))
	return nil
}
