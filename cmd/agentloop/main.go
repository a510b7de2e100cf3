// Command agentloop is a small conversational host around the turn
// controller: it wires the configured completion service, the shell
// and plan tools, and a console sink, then runs either a single prompt
// or an interactive session.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/codefionn/agentloop/internal/config"
	"github.com/codefionn/agentloop/internal/conv"
	"github.com/codefionn/agentloop/internal/dispatch"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/codefionn/agentloop/internal/loop"
	"github.com/codefionn/agentloop/internal/retry"
	"github.com/codefionn/agentloop/internal/service"
	"github.com/codefionn/agentloop/internal/session"
	"github.com/codefionn/agentloop/internal/shell"
)

type cliOptions struct {
	configPath   string
	prompt       string
	provider     string
	model        string
	resumeID     string
	listSessions bool
	noSave       bool
	autoApprove  bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	opts, parseErr := parseArgs(os.Args[1:])
	if parseErr != nil {
		if errors.Is(parseErr, flag.ErrHelp) {
			return nil
		}
		return parseErr
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.provider != "" {
		cfg.Provider = opts.provider
	}
	if opts.model != "" {
		cfg.Model = opts.model
	}

	// Environment overrides for logging, same precedence as flags.
	if envLevel := strings.TrimSpace(os.Getenv("AGENTLOOP_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("AGENTLOOP_LOG_PATH")); envPath != "" {
		cfg.LogPath = envPath
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logger: %v\n", err)
	}
	// Route slog-based library output into the same log file.
	if handler := logger.NewSlogHandler(logger.Global().WithPrefix("slog")); handler != nil {
		slog.SetDefault(slog.New(handler))
	}
	defer func() {
		if err != nil {
			logger.Error("fatal: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	store, storeErr := openStore(cfg)
	if storeErr != nil {
		logger.Warn("session persistence disabled: %v", storeErr)
	}

	if opts.listSessions {
		return listSessions(store, cfg.WorkingDir)
	}

	svc, err := buildService(cfg)
	if err != nil {
		return err
	}

	sink := &consoleSink{out: os.Stdout}
	dispatcher := dispatch.NewDispatcher(
		dispatch.NewShellHandler(shell.NewLocalExecutor(), buildConfirmer(opts), cfg.WorkingDir),
		dispatch.NewPlanHandler(),
	)

	controller := loop.New(loop.Config{
		Model:            cfg.Model,
		Instructions:     cfg.Instructions,
		Store:            cfg.Store,
		DeliveryDelay:    time.Duration(cfg.DeliveryDelayMS) * time.Millisecond,
		MaxContextTokens: cfg.MaxContextTokens,
		Retry:            retry.DefaultPolicy(),
	}, svc, dispatcher, sink)
	defer controller.Terminate()

	snap, err := resumeOrStart(store, controller, cfg.WorkingDir, opts.resumeID)
	if err != nil {
		return err
	}

	// Second interrupt exits hard; the first one only cancels the run.
	interrupts := make(chan os.Signal, 2)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)
	go func() {
		<-interrupts
		logger.Info("interrupt received, cancelling current run")
		controller.Cancel()
		<-interrupts
		controller.Terminate()
		os.Exit(130)
	}()

	if opts.prompt != "" {
		err = controller.Run(context.Background(), []conv.Item{conv.UserMessage(opts.prompt)}, "")
	} else {
		err = interactiveLoop(controller, sink)
	}
	if err != nil {
		return err
	}

	if store != nil && !opts.noSave {
		snap.Items = controller.Transcript().Items()
		snap.ResponseID = sink.previousResponseID()
		if saveErr := store.Save(snap); saveErr != nil {
			logger.Warn("failed to save session: %v", saveErr)
		} else if len(snap.Items) > 0 {
			fmt.Fprintf(os.Stderr, "session saved: %s\n", snap.ID)
		}
	}
	return nil
}

func parseArgs(args []string) (*cliOptions, error) {
	opts := &cliOptions{}

	fs := flag.NewFlagSet("agentloop", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "path to the config file")
	fs.StringVar(&opts.prompt, "prompt", "", "run a single prompt and exit")
	fs.StringVar(&opts.provider, "provider", "", "completion provider (openai or anthropic)")
	fs.StringVar(&opts.model, "model", "", "model override")
	fs.StringVar(&opts.resumeID, "resume", "", "resume the session with the given id")
	fs.BoolVar(&opts.listSessions, "list-sessions", false, "list saved sessions for this workspace and exit")
	fs.BoolVar(&opts.noSave, "no-save", false, "do not persist the session on exit")
	fs.BoolVar(&opts.autoApprove, "yes", false, "approve every tool command without prompting")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if rest := fs.Args(); len(rest) > 0 && opts.prompt == "" {
		opts.prompt = strings.Join(rest, " ")
	}
	return opts, nil
}

func buildService(cfg *config.Config) (service.Service, error) {
	apiKey, err := cfg.APIKey()
	if err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case "openai":
		return service.NewOpenAIService(apiKey, cfg.Model, cfg.Store)
	case "anthropic":
		return service.NewAnthropicService(apiKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q (want openai or anthropic)", cfg.Provider)
	}
}

func openStore(cfg *config.Config) (*session.Store, error) {
	if cfg.SessionDir != "" {
		return session.NewStoreAt(cfg.SessionDir), nil
	}
	return session.NewStore()
}

func listSessions(store *session.Store, workingDir string) error {
	if store == nil {
		return errors.New("session persistence is unavailable")
	}
	list, err := store.List(workingDir)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no saved sessions for this workspace")
		return nil
	}
	for _, meta := range list {
		fmt.Printf("%s  %s  (%d items)\n", meta.ID, meta.UpdatedAt.Format(time.RFC3339), meta.ItemCount)
	}
	return nil
}

func resumeOrStart(store *session.Store, controller *loop.Controller, workingDir, resumeID string) (*session.Snapshot, error) {
	if resumeID == "" || store == nil {
		return session.NewSnapshot(workingDir), nil
	}

	snap, err := store.Load(workingDir, resumeID)
	if err != nil {
		return nil, fmt.Errorf("failed to resume session %s: %w", resumeID, err)
	}
	controller.Transcript().Replace(snap.Items)
	controller.RestoreResponseID(snap.ResponseID)
	logger.Info("resumed session %s with %d items", snap.ID, len(snap.Items))
	return snap, nil
}

func interactiveLoop(controller *loop.Controller, sink *consoleSink) error {
	reader := bufio.NewReader(os.Stdin)
	fmt.Println("agentloop (type 'exit' to quit)")

	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		if err := controller.Run(context.Background(), []conv.Item{conv.UserMessage(line)}, ""); err != nil {
			if errors.Is(err, loop.ErrTerminated) {
				return nil
			}
			fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		}
		sink.finishTurn()
	}
}

func buildConfirmer(opts *cliOptions) dispatch.Confirmer {
	if opts.autoApprove || !term.IsTerminal(int(os.Stdin.Fd())) {
		return autoConfirmer{}
	}
	return &terminalConfirmer{in: bufio.NewReader(os.Stdin)}
}

// autoConfirmer approves everything. Used under -yes and when stdin is
// not a terminal.
type autoConfirmer struct{}

func (autoConfirmer) Confirm(context.Context, []string, *dispatch.PatchDescriptor) (dispatch.Decision, error) {
	return dispatch.Decision{Verdict: dispatch.VerdictApprove}, nil
}

// terminalConfirmer prompts on the controlling terminal.
type terminalConfirmer struct {
	in *bufio.Reader
}

func (c *terminalConfirmer) Confirm(_ context.Context, command []string, patch *dispatch.PatchDescriptor) (dispatch.Decision, error) {
	fmt.Printf("\ntool wants to run: %s\n", strings.Join(command, " "))
	if patch != nil {
		fmt.Printf("changes:\n%s\n", dispatch.SummarizePatch(patch.UnifiedDiff))
	}
	fmt.Print("allow? [y]es / [n]o / [a]lways: ")

	line, err := c.in.ReadString('\n')
	if err != nil {
		return dispatch.Decision{Verdict: dispatch.VerdictDeny, Message: "approval prompt unavailable"}, nil
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return dispatch.Decision{Verdict: dispatch.VerdictApprove}, nil
	case "a", "always":
		return dispatch.Decision{Verdict: dispatch.VerdictAlways}, nil
	default:
		return dispatch.Decision{Verdict: dispatch.VerdictDeny, Message: "denied at the approval prompt"}, nil
	}
}
