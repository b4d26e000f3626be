package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-memory/internal/admin"
	"github.com/xiy/agent-memory/internal/config"
	"github.com/xiy/agent-memory/internal/embeddings"
	"github.com/xiy/agent-memory/internal/install"
	"github.com/xiy/agent-memory/internal/maintenance"
	"github.com/xiy/agent-memory/internal/mcp"
	"github.com/xiy/agent-memory/internal/memory"
	"github.com/xiy/agent-memory/internal/scope"
	"github.com/xiy/agent-memory/internal/search"
	"github.com/xiy/agent-memory/pkg/types"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var run func([]string) error
	switch os.Args[1] {
	case "serve":
		run = runServe
	case "admin":
		run = runAdmin
	case "search":
		run = runSearch
	case "learn":
		run = runLearn
	case "consolidate":
		run = runConsolidate
	case "install":
		run = runInstall
	case "version", "--version", "-v":
		fmt.Println("agent-memory " + version)
		return
	default:
		usage()
		os.Exit(2)
	}
	if err := run(os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds everything a subcommand needs once config is loaded.
type app struct {
	cfg     config.Config
	logger  *log.Logger
	scopes  *scope.Manager
	svc     *memory.Service
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportCaller: false, Prefix: cfg.ServerName})
	setLogLevel(logger, cfg.LogLevel)

	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	scopes, err := scope.New(cfg.ScopeOptions(wd), logger)
	if err != nil {
		return nil, err
	}
	if err := scopes.Initialize(ctx); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, scopes: scopes}
	a.closers = append(a.closers, func() {
		if err := scopes.Close(); err != nil {
			logger.Warn("close scopes", "error", err)
		}
	})

	var provider embeddings.Provider = embeddings.NewHashEmbedder(cfg.EmbeddingDimension)
	if cfg.EmbeddingCacheEntries > 0 {
		cached, err := embeddings.NewCachedProvider(provider, int64(cfg.EmbeddingCacheEntries))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, cached.Close)
		provider = cached
	}

	a.svc = memory.NewService(scopes, provider, cfg, logger)
	return a, nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath, "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	server := mcp.NewServer(a.svc, a.logger, mcp.Options{
		Name:              a.cfg.ServerName,
		Version:           version,
		RequestsPerSecond: a.cfg.RequestsPerSecond,
		Burst:             a.cfg.RequestBurst,
	})
	global, project := a.scopes.Paths()
	a.logger.Info("starting MCP stdio server", "global_db", global, "project_db", project, "scope", a.scopes.CurrentScope())
	// Stores close only after a consolidation pass in flight has finished.
	return maintenance.RunWith(ctx, a.logger, a.cfg.ConsolidateInterval(), a.svc, func(ctx context.Context) error {
		if err := server.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}

func runAdmin(args []string) error {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath, "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	return admin.Run(ctx, a.svc)
}

func runSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath, "Path to config file")
	method := fs.String("method", "hybrid", "Ranking method: hybrid, semantic or keyword")
	scopeName := fs.String("scope", "", "Limit to one scope: project or global")
	limit := fs.Int("limit", 0, "Maximum results")
	minScore := fs.Float64("min-score", 0, "Drop results below this score")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.Join(fs.Args(), " ")

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := search.Options{Method: types.SearchMethod(*method), Limit: *limit, MinScore: *minScore}
	if *scopeName != "" {
		if opts.Scope, err = types.ParseScope(*scopeName); err != nil {
			return err
		}
	}
	resp, err := a.svc.Search(ctx, query, opts)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runLearn(args []string) error {
	fs := flag.NewFlagSet("learn", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath, "Path to config file")
	target := fs.String("target", "", "Block to write to: persona, project, user or corrections")
	scopeName := fs.String("scope", "", "Scope to write to; defaults to the configured scope")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if *scopeName != "" {
		if err := a.svc.SetScope(*scopeName); err != nil {
			return err
		}
	}
	res, err := a.svc.LearnInstruction(ctx, strings.Join(fs.Args(), " "), *target)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runConsolidate(args []string) error {
	fs := flag.NewFlagSet("consolidate", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath, "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.Consolidate(ctx)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runInstall(args []string) error {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath, "Path to config file")
	scopeName := fs.String("scope", "global", "Registration scope: global or project")
	serverName := fs.String("server-name", "agent-memory", "MCP server registration name")
	serveCmd := fs.String("serve-command", "agent-memory serve", "Command used by MCP clients to launch the stdio server")
	clients := fs.String("clients", "", "Comma-separated CLIs to configure ("+strings.Join(install.KnownClients(), ", ")+"); default all")
	dryRun := fs.Bool("dry-run", false, "Print intended commands without executing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	sc, err := types.ParseScope(*scopeName)
	if err != nil {
		return err
	}
	var names []string
	if *clients != "" {
		names = strings.Split(*clients, ",")
	}

	logger := log.New(os.Stderr)
	return install.Register(logger, install.Options{
		ConfigPath: config.ExpandPath(*configPath),
		Scope:      sc,
		ServerName: *serverName,
		ServeCmd:   *serveCmd,
		Clients:    names,
		DryRun:     *dryRun,
		AuditDir:   config.ExpandPath(cfg.GlobalDir),
	}, nil)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setLogLevel(logger *log.Logger, level string) {
	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
}

func usage() {
	fmt.Print(`agent-memory

Usage:
  agent-memory serve [--config path]
  agent-memory admin [--config path]
  agent-memory search [--config path] [--method hybrid|semantic|keyword] [--scope project|global] [--limit n] query...
  agent-memory learn [--config path] [--target block] [--scope project|global] instruction...
  agent-memory consolidate [--config path]
  agent-memory install [--config path] [--scope global|project] [--clients codex,claude,gemini] [--dry-run]
  agent-memory version
`)
}
