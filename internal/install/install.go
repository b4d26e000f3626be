// Package install registers the memory server with agent CLIs that speak MCP.
package install

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-memory/pkg/types"
)

// Options control registration.
type Options struct {
	ConfigPath string
	// Scope selects where the registration lives: global maps to the CLI's
	// user-level config, project to the current repository.
	Scope      types.Scope
	ServerName string
	ServeCmd   string
	// Clients limits registration to the named CLIs; empty means every known one.
	Clients  []string
	DryRun   bool
	AuditDir string
	// LookPath reports whether a CLI is installed. Defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// Command captures an executable command.
type Command struct {
	Name string
	Args []string
}

func (c Command) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Runner executes system commands.
type Runner interface {
	Run(name string, args ...string) error
}

// OSRunner executes commands via os/exec.
type OSRunner struct{}

func (OSRunner) Run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// client knows how one CLI removes and adds an MCP server.
type client struct {
	name   string
	scoped bool
	// dashDash is set when the CLI needs "--" before the server command.
	dashDash bool
}

// Clients are registered in this order.
var clients = []client{
	{name: "codex", dashDash: true},
	{name: "claude", scoped: true, dashDash: true},
	{name: "gemini", scoped: true},
}

// KnownClients lists the CLIs Register can configure.
func KnownClients() []string {
	out := make([]string, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.name)
	}
	return out
}

func cliScope(s types.Scope) string {
	if s == types.ScopeProject {
		return "project"
	}
	return "user"
}

// Register runs remove+add for every selected, installed CLI and records the
// commands in an audit log under AuditDir.
func Register(logger *log.Logger, opts Options, runner Runner) error {
	if runner == nil {
		runner = OSRunner{}
	}
	cmds, err := BuildCommands(opts)
	if err != nil {
		return err
	}
	if len(cmds) == 0 {
		return errors.New("no supported agent CLI found on PATH")
	}

	var audit *os.File
	if opts.AuditDir != "" {
		if err := os.MkdirAll(opts.AuditDir, 0o755); err != nil {
			return err
		}
		f, err := os.Create(filepath.Join(opts.AuditDir, "install-last.log"))
		if err != nil {
			return err
		}
		defer f.Close()
		audit = f
		fmt.Fprintf(f, "# agent-memory install %s\n", time.Now().UTC().Format(time.RFC3339))
	}

	for _, c := range cmds {
		line := c.String()
		if audit != nil {
			fmt.Fprintln(audit, line)
		}
		logger.Info("install command", "cmd", line, "dry_run", opts.DryRun)
		if opts.DryRun {
			continue
		}
		if err := runner.Run(c.Name, c.Args...); err != nil {
			// Removing a server that was never added fails; that is fine.
			if len(c.Args) > 1 && c.Args[1] == "remove" {
				logger.Debug("ignoring remove error", "cmd", line, "error", err)
				continue
			}
			return fmt.Errorf("run %q: %w", line, err)
		}
	}
	logger.Info("install complete", "clients", len(cmds)/2)
	return nil
}

// BuildCommands returns the deterministic remove+add command list.
func BuildCommands(opts Options) ([]Command, error) {
	if opts.Scope == "" {
		opts.Scope = types.ScopeGlobal
	}
	if !opts.Scope.Valid() {
		return nil, fmt.Errorf("%w: unsupported scope %q", types.ErrValidation, opts.Scope)
	}
	if strings.TrimSpace(opts.ConfigPath) == "" {
		return nil, errors.New("config path is required")
	}
	if opts.ServerName == "" {
		opts.ServerName = "agent-memory"
	}
	if strings.TrimSpace(opts.ServeCmd) == "" {
		opts.ServeCmd = "agent-memory serve"
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}

	want := map[string]bool{}
	for _, name := range opts.Clients {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if !known(name) {
			return nil, fmt.Errorf("%w: unknown client %q", types.ErrValidation, name)
		}
		want[name] = true
	}

	serve := append(strings.Fields(opts.ServeCmd), "--config", opts.ConfigPath)
	cmds := make([]Command, 0, 2*len(clients))
	for _, c := range clients {
		if len(want) > 0 && !want[c.name] {
			continue
		}
		if _, err := opts.LookPath(c.name); err != nil {
			continue
		}
		var scopeArgs []string
		if c.scoped {
			scopeArgs = []string{"-s", cliScope(opts.Scope)}
		}
		remove := append(append([]string{"mcp", "remove"}, scopeArgs...), opts.ServerName)
		add := append(append([]string{"mcp", "add"}, scopeArgs...), opts.ServerName)
		if c.dashDash {
			add = append(add, "--")
		}
		add = append(add, serve...)
		cmds = append(cmds, Command{Name: c.name, Args: remove}, Command{Name: c.name, Args: add})
	}
	return cmds, nil
}

func known(name string) bool {
	for _, c := range clients {
		if c.name == name {
			return true
		}
	}
	return false
}
