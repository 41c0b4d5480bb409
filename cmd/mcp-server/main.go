// Multi-agent orchestration MCP server.
// Stdio transport; agents in tmux panes call back in through their own
// MCP client processes, state is shared through the workspace directory.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/tmuxcrew/internal/config"
	"github.com/jaakkos/tmuxcrew/internal/dispatch"
	"github.com/jaakkos/tmuxcrew/internal/domain"
	"github.com/jaakkos/tmuxcrew/internal/gate"
	"github.com/jaakkos/tmuxcrew/internal/guard"
	"github.com/jaakkos/tmuxcrew/internal/memory"
	"github.com/jaakkos/tmuxcrew/internal/notify"
	"github.com/jaakkos/tmuxcrew/internal/reconcile"
	"github.com/jaakkos/tmuxcrew/internal/registry"
	"github.com/jaakkos/tmuxcrew/internal/session"
	"github.com/jaakkos/tmuxcrew/internal/store"
	"github.com/jaakkos/tmuxcrew/internal/tmux"
	"github.com/jaakkos/tmuxcrew/internal/tools/coord"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	// Handle CLI subcommands before starting the MCP server.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand()
			return
		case "--version", "-v", "version":
			fmt.Println("multi-agent-mcp " + Version)
			return
		}
	}

	tmpLogger := log.New(os.Stderr, "[multi-agent-mcp] ", log.LstdFlags|log.Lshortfile)
	settings, ws := loadWorkspace(tmpLogger)

	logger := setupLogger(logFilePath(ws))
	logger.Println("Starting multi-agent MCP server...")
	logger.Printf("Project root: %s", ws.ProjectRoot)
	if ws.SessionID != "" {
		logger.Printf("Session: %s", ws.SessionID)
	} else {
		logger.Println("Session: none yet (created by init_tmux_workspace)")
	}

	tm := tmux.New()
	if !tm.IsAvailable() {
		logger.Println("Warning: tmux not found in PATH; pane operations will fail")
	}

	reg := registry.New(ws.AgentsDir(), logger)
	st := store.New(ws, settings, logger)
	grd := guard.New(reg, logger)
	gateChk := gate.New(settings, logger)
	notifier := notify.NewDispatcher(tm, logger)
	reconciler := reconcile.New(st, reg, logger)
	sessionMgr := session.New(settings, ws, st, reg, tm, logger)

	mem, err := memory.Open(ws.MemoryDir(), settings.MemoryMaxEntries, settings.MemoryTTLDays, logger)
	if err != nil {
		logger.Printf("Warning: project memory unavailable: %v", err)
	}
	globalMem, err := memory.OpenGlobal(settings.MemoryMaxEntries, settings.MemoryTTLDays, logger)
	if err != nil {
		logger.Printf("Warning: global memory unavailable: %v", err)
	}

	dispatcher := dispatch.New(settings, ws, st, reg, tm, logger)
	if mem != nil {
		dispatcher = dispatcher.WithMemorySearch(func(query string) string {
			return mem.ContextFor(query, 3)
		})
	}

	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("Calling tool: %s", message.Params.Name)
		}
	})

	mcpServer := server.NewMCPServer(
		"multi-agent-mcp",
		Version,
		server.WithInstructions(coord.InstructionsText()),
		server.WithHooks(hooks),
	)

	coord.Register(mcpServer, &coord.Deps{
		Settings:     settings,
		Workspace:    ws,
		Store:        st,
		Registry:     reg,
		Guard:        grd,
		Gate:         gateChk,
		Notifier:     notifier,
		Dispatcher:   dispatcher,
		Session:      sessionMgr,
		Reconciler:   reconciler,
		Tmux:         tm,
		Memory:       mem,
		GlobalMemory: globalMem,
		Logger:       logger,
	})

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ignore SIGHUP so the server keeps running when the spawning terminal
	// goes away (agents outlive their launcher).
	signal.Ignore(syscall.SIGHUP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Inbox watcher: sibling server processes (one per agent CLI) write
	// message files directly, which the in-process Deliver path never sees.
	// Nudge the recipient pane when a file lands.
	var watcher *notify.InboxWatcher
	if ws.SessionID != "" {
		watcher = notify.NewInboxWatcher(ws.IPCDir(), func(agentID, fileName string) {
			agent, ok := reg.Get(agentID)
			if !ok || !agent.HasPane() {
				return
			}
			notifier.Notify(nil, &agent, domain.MsgSystem, "ipc")
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Printf("Warning: inbox watcher: %v", err)
			watcher = nil
		}
	}

	logger.Println("Stdio ready")
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Printf("Stdio server stopped: %v", err)
	}

	cancel()
	if watcher != nil {
		watcher.Wait()
	}

	if mem != nil {
		if err := mem.Close(); err != nil {
			logger.Printf("Warning: close memory store: %v", err)
		}
	}
	if globalMem != nil {
		if err := globalMem.Close(); err != nil {
			logger.Printf("Warning: close global memory store: %v", err)
		}
	}

	logger.Println("Server stopped")
}

// loadWorkspace resolves the project root, loads settings and binds the
// workspace to the session recorded in config.json (empty until the first
// init_tmux_workspace).
func loadWorkspace(logger *log.Logger) (*config.Settings, *config.Workspace) {
	projectRoot := os.Getenv("MCP_PROJECT_ROOT")
	if projectRoot == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to get working directory: %v\n", err)
			os.Exit(1)
		}
		projectRoot = cwd
	}

	settings, err := config.Load(projectRoot)
	if err != nil {
		logger.Fatalf("Failed to load settings: %v", err)
	}
	if settings.ProjectRoot == "" {
		settings.ProjectRoot = projectRoot
	}

	ws := config.NewWorkspace(settings.ProjectRoot, settings.MCPDir, "")
	if cfg, err := config.LoadProjectConfig(ws.ConfigJSONPath()); err == nil && cfg != nil {
		ws.SessionID = cfg.SessionID
	}
	return settings, ws
}

// logFilePath picks the server log location: MCP_LOG_FILE wins, otherwise
// logs/ under the workspace dot-directory.
func logFilePath(ws *config.Workspace) string {
	if p := os.Getenv("MCP_LOG_FILE"); p != "" {
		return p
	}
	return filepath.Join(ws.Root(), "logs", "mcp-server.log")
}

// setupLogger creates a logger that writes to a log file and optionally stderr.
// When stderr is a terminal (interactive use), logs go to both stderr and the
// file. When stderr is redirected the file alone is used, so a supervisor
// piping stderr into the same file does not produce duplicate lines.
func setupLogger(logFile string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFile)
	if lower != "none" && lower != "off" && logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err == nil {
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[multi-agent-mcp] Warning: cannot open log file %s: %v\n", logFile, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[multi-agent-mcp] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFile), err)
		}
	}

	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), "[multi-agent-mcp] ", log.LstdFlags|log.Lshortfile)
}

// runStatusCommand implements "mcp-server status": a one-line summary of
// the current session, readable without an MCP client.
func runStatusCommand() {
	logger := log.New(io.Discard, "", 0)
	settings, ws := loadWorkspace(logger)

	if ws.SessionID == "" {
		fmt.Println("no active session")
		return
	}

	st := store.New(ws, settings, logger)
	summary, err := st.GetSummary()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("session=%s agents=%d/%d tasks=%d pending=%d in_progress=%d completed=%d failed=%d\n",
		ws.SessionID,
		summary.ActiveAgents, summary.TotalAgents,
		summary.TotalTasks, summary.PendingTasks, summary.InProgressTasks,
		summary.CompletedTasks, summary.FailedTasks)
}
