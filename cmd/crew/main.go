// Command crew runs an interactive multi-agent session in the
// terminal. A main agent converses with the user, spawns role-bound
// sub-agents, and drafts workflow plans that execute on the engine
// after approval.
//
// Usage:
//
//	crew -config crew.toml -secrets crew.secrets.toml
//
// Exit codes: 0 on clean shutdown, 2 for configuration errors, 3 for
// runtime failures.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	crew "github.com/nevindra/crew"
	"github.com/nevindra/crew/internal/config"
	"github.com/nevindra/crew/internal/pathguard"
	"github.com/nevindra/crew/observer"
	"github.com/nevindra/crew/provider/openaicompat"
	"github.com/nevindra/crew/store/postgres"
	"github.com/nevindra/crew/store/sqlite"
	"github.com/nevindra/crew/tools/file"
	"github.com/nevindra/crew/tools/shell"
)

func main() {
	configPath := flag.String("config", "", "path to crew.toml (default ./crew.toml)")
	secretsPath := flag.String("secrets", "", "path to crew.secrets.toml (default ./crew.secrets.toml)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath, *secretsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "crew:", err)
		os.Exit(2)
	}

	if err := run(cfg, logger); err != nil {
		fmt.Fprintln(os.Stderr, "crew:", err)
		if _, ok := err.(*crew.ErrConfig); ok {
			os.Exit(2)
		}
		os.Exit(3)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	profiles, err := cfg.Profiles()
	if err != nil {
		return err
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir, err = os.Getwd()
		if err != nil {
			return err
		}
	}
	guard, err := pathguard.New(workDir, cfg.AllowedDirectories)
	if err != nil {
		return err
	}

	// Observability (optional)
	var inst *observer.Instruments
	var tracer crew.Tracer
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer shutdown(context.Background())
		tracer = observer.NewTracer()
	}

	// Tools
	tools := crew.NewToolRegistry()
	fileTool := file.New(guard,
		file.WithMaxFileSize(cfg.FileOps.MaxFileSizeKB),
		file.WithPermissions(cfg.FileOps.AllowRead, cfg.FileOps.AllowWrite, cfg.FileOps.AllowEdit),
		file.WithBackup(cfg.FileOps.BackupBeforeEdit),
		file.WithLogger(logger),
	)
	var shellOpts []shell.Option
	if len(cfg.ToolPolicy.SafeCommands) > 0 {
		shellOpts = append(shellOpts, shell.WithSafeCommands(cfg.ToolPolicy.SafeCommands))
	}
	if len(cfg.ToolPolicy.DeniedCommands) > 0 {
		shellOpts = append(shellOpts, shell.WithDeniedCommands(cfg.ToolPolicy.DeniedCommands))
	}
	shellOpts = append(shellOpts,
		shell.WithAllowPipelines(cfg.ToolPolicy.AllowPipelines),
		shell.WithDefaultTimeout(cfg.ToolPolicy.DefaultTimeoutSeconds),
		shell.WithMaxOutput(cfg.ToolPolicy.MaxOutputBytes),
		shell.WithPython(cfg.ToolPolicy.PythonBin),
		shell.WithLogger(logger),
	)
	shellTool := shell.New(guard, shellOpts...)
	if inst != nil {
		tools.Add(observer.WrapTool(fileTool, inst))
		tools.Add(observer.WrapTool(shellTool, inst))
	} else {
		tools.Add(fileTool)
		tools.Add(shellTool)
	}

	// Provider factory
	factory := func(p crew.AgentProfile) (crew.Provider, error) {
		base := openaicompat.New(p.APIKey, p.ModelID, p.BaseURL,
			openaicompat.WithName(p.Provider),
			openaicompat.WithLogger(logger),
		)
		var prov crew.Provider = base
		if inst != nil {
			prov = observer.WrapProvider(prov, p.ModelID, inst)
		}
		return crew.WithRetry(prov, crew.RetryLogger(logger)), nil
	}

	sink := consoleSink()

	mgrOpts := []crew.ManagerOption{
		crew.WithProfiles(profiles),
		crew.WithProviderFactory(factory),
		crew.WithMaxConcurrent(cfg.MaxConcurrentAgents),
		crew.WithAutoSpawn(cfg.AutoSpawnOnKeywords),
		crew.WithManagerPlanMode(cfg.PlanMode),
		crew.WithManagerOverwriteWarning(cfg.FileOps.OverwriteWarning),
		crew.WithManagerTools(tools),
		crew.WithManagerSink(sink),
		crew.WithManagerLogger(logger),
		crew.WithManagerTracer(tracer),
	}
	if inst != nil {
		mgrOpts = append(mgrOpts, crew.WithSpawnHook(func(role crew.AgentRole) {
			inst.RecordSpawn(ctx, role)
		}))
	}
	mgr := crew.NewManager(mgrOpts...)

	// Persistence
	engineOpts := []crew.EngineOption{
		crew.WithAgentCatalogue(mgr.Has),
		crew.WithEngineLogger(logger),
		crew.WithWorkDir(guard.Cwd()),
	}
	switch cfg.Store.Backend {
	case "sqlite":
		st := sqlite.New(cfg.Store.Path, sqlite.WithLogger(logger))
		defer st.Close()
		if err := st.Init(ctx); err != nil {
			return err
		}
		engineOpts = append(engineOpts, crew.WithStateStore(st))
	case "postgres":
		dsn, err := cfg.Secret(cfg.Store.DSNName)
		if err != nil {
			return err
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			return err
		}
		engineOpts = append(engineOpts, crew.WithStateStore(st))
	case "", "none":
	default:
		return &crew.ErrConfig{Reason: fmt.Sprintf("unknown store backend %q", cfg.Store.Backend)}
	}
	if tracer != nil {
		engineOpts = append(engineOpts, crew.WithEngineTracer(tracer))
	}
	if inst != nil {
		engineOpts = append(engineOpts, crew.WithProgress(inst.ProgressHook()))
	}
	engine := crew.NewEngine(tools, engineOpts...)

	orch, err := crew.NewOrchestrator(mgr, engine,
		crew.WithGuard(crew.NewInjectionGuard(crew.GuardLogger(logger))),
		crew.WithOrchestratorSink(sink),
		crew.WithOrchestratorLogger(logger),
	)
	if err != nil {
		return err
	}
	defer orch.Shutdown()

	fmt.Println("crew session ready. /help for commands, /quit to exit.")
	return repl(ctx, orch)
}

// repl reads lines from stdin and dispatches slash commands, @agent
// routing, and plain conversation until /quit or EOF.
func repl(ctx context.Context, orch *crew.Orchestrator) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/help":
			printHelp()
		case strings.HasPrefix(line, "/"):
			handleCommand(ctx, orch, line)
		case strings.HasPrefix(line, "@"):
			toID, text, _ := strings.Cut(line[1:], " ")
			if err := orch.RouteDirect(ctx, toID, text); err != nil {
				fmt.Println("error:", err)
			}
		default:
			if err := orch.HandleUserLine(ctx, line); err != nil {
				fmt.Println("error:", err)
			}
		}
	}
}

func handleCommand(ctx context.Context, orch *crew.Orchestrator, line string) {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/spawn":
		role, task, _ := strings.Cut(rest, " ")
		id, err := orch.Spawn(ctx, role, strings.TrimSpace(task))
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println("spawned", id)
	case "/agents":
		for _, a := range orch.ListAgents() {
			marker := " "
			if a.IsMain {
				marker = "*"
			}
			fmt.Printf("%s %-40s %-12s %-10s %s\n", marker, a.ID, a.Role, a.Status, a.Task)
		}
	case "/terminate":
		if err := orch.Terminate(rest); err != nil {
			fmt.Println("error:", err)
		}
	case "/plans":
		for _, p := range orch.Plans() {
			fmt.Printf("%s  %q  %d steps\n", p.ID, p.Name, len(p.Steps))
		}
	case "/approve":
		// Execute runs synchronously; a goroutine keeps the prompt
		// responsive so /pause and /cancel still work mid-run.
		go func(id string) {
			if _, _, err := orch.Approve(ctx, id); err != nil {
				fmt.Println("error:", err)
			}
		}(rest)
	case "/reject":
		if err := orch.Reject(rest); err != nil {
			fmt.Println("error:", err)
		}
	case "/pause":
		orch.PauseWorkflow()
	case "/resume":
		orch.ResumeWorkflow()
	case "/cancel":
		orch.CancelWorkflow()
	case "/stats":
		out, err := json.MarshalIndent(orch.Stats(), "", "  ")
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		fmt.Println(string(out))
	default:
		fmt.Println("unknown command; /help lists commands")
	}
}

func printHelp() {
	fmt.Print(`commands:
  /spawn <role> <task>   spawn a sub-agent (reviewer, researcher, implementer, tester, optimizer)
  /agents                list live agents
  /terminate <id>        terminate an agent
  /plans                 list draft plans awaiting approval
  /approve <plan-id>     run a draft plan on the workflow engine
  /reject <plan-id>      discard a draft plan
  /pause /resume /cancel control the running workflow
  /stats                 session statistics
  /quit                  exit
  @<agent-id> <text>     send text straight to one agent
`)
}

// consoleSink renders agent output events to stdout.
func consoleSink() crew.Sink {
	return crew.SinkFunc(func(ev crew.OutputEvent) {
		switch ev.Kind {
		case crew.OutputThinking:
			fmt.Printf("\033[2m[%s thinking] %s\033[0m\n", ev.AgentID, ev.Text)
		case crew.OutputResponse:
			fmt.Print(ev.Text)
		case crew.OutputSummary:
			fmt.Printf("\n[%s summary] %s\n", ev.AgentID, ev.Text)
		case crew.OutputToolResult:
			fmt.Printf("\n[%s tool] %s\n", ev.AgentID, ev.Text)
		case crew.OutputStatus, crew.OutputProgress:
			fmt.Printf("\n[%s] %s\n", ev.AgentID, ev.Text)
		}
	})
}
