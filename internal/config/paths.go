package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultToolPrefix is the MCP tool prefix agents use when calling back
// into this server.
const DefaultToolPrefix = "mcp__multi-agent-mcp__"

// ProvisionalPrefix marks session directories created before the real
// session id is known.
const ProvisionalPrefix = "provisional-"

// Workspace resolves every path the server touches under one project root
// and one session id.
type Workspace struct {
	ProjectRoot string
	MCPDir      string
	SessionID   string
}

// NewWorkspace builds the path resolver for a session. An empty mcpDir
// falls back to DefaultMCPDir.
func NewWorkspace(projectRoot, mcpDir, sessionID string) *Workspace {
	if mcpDir == "" {
		mcpDir = DefaultMCPDir
	}
	return &Workspace{ProjectRoot: projectRoot, MCPDir: mcpDir, SessionID: sessionID}
}

// Root is the <project>/.multi-agent-mcp directory.
func (w *Workspace) Root() string {
	return filepath.Join(w.ProjectRoot, w.MCPDir)
}

// SessionDir is the per-session state directory.
func (w *Workspace) SessionDir() string {
	return filepath.Join(w.Root(), w.SessionID)
}

// DashboardPath is the canonical dashboard file.
func (w *Workspace) DashboardPath() string {
	return filepath.Join(w.SessionDir(), "dashboard", "dashboard.md")
}

// MessagesPath is the append-only rendered message history.
func (w *Workspace) MessagesPath() string {
	return filepath.Join(w.SessionDir(), "dashboard", "messages.md")
}

// DashboardLockPath guards dashboard.md across processes.
func (w *Workspace) DashboardLockPath() string {
	return filepath.Join(w.SessionDir(), "dashboard", ".dashboard.lock")
}

// AgentsDir holds one JSON file per registered agent.
func (w *Workspace) AgentsDir() string {
	return filepath.Join(w.SessionDir(), "agents")
}

// IPCDir is the root of the per-agent inbox directories.
func (w *Workspace) IPCDir() string {
	return filepath.Join(w.SessionDir(), "ipc")
}

// InboxDir is one agent's inbox.
func (w *Workspace) InboxDir(agentID string) string {
	return filepath.Join(w.IPCDir(), agentID)
}

// TasksDir holds the written task-instruction files.
func (w *Workspace) TasksDir() string {
	return filepath.Join(w.SessionDir(), "tasks")
}

// MemoryDir is the project-scoped memory store.
func (w *Workspace) MemoryDir() string {
	return filepath.Join(w.Root(), "memory")
}

// ScreenshotDir holds captured screenshots, session-independent.
func (w *Workspace) ScreenshotDir() string {
	return filepath.Join(w.Root(), "screenshot")
}

// EnvPath is the project .env file, session-independent.
func (w *Workspace) EnvPath() string {
	return filepath.Join(w.Root(), ".env")
}

// ConfigJSONPath is the project config.json, session-independent.
func (w *Workspace) ConfigJSONPath() string {
	return filepath.Join(w.Root(), "config.json")
}

// IsProvisional reports whether the workspace is bound to a placeholder
// session id.
func (w *Workspace) IsProvisional() bool {
	return IsProvisionalSession(w.SessionID)
}

// IsProvisionalSession reports whether sessionID is a placeholder.
func IsProvisionalSession(sessionID string) bool {
	return strings.HasPrefix(sessionID, ProvisionalPrefix)
}

// NewProvisionalSessionID mints a fresh placeholder session id.
func NewProvisionalSessionID() string {
	var buf [3]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return ProvisionalPrefix + "000000"
	}
	return ProvisionalPrefix + hex.EncodeToString(buf[:])
}

// GlobalMemoryDir is the user-scoped memory store shared across projects.
func GlobalMemoryDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, DefaultMCPDir, "memory"), nil
}

// ProjectConfig is the machine-managed config.json. The active model
// profile deliberately lives in .env only, never here.
type ProjectConfig struct {
	SessionID  string `json:"session_id,omitempty"`
	ToolPrefix string `json:"mcp_tool_prefix,omitempty"`
}

// LoadProjectConfig reads config.json; a missing file yields an empty
// config with the default tool prefix.
func LoadProjectConfig(path string) (*ProjectConfig, error) {
	cfg := &ProjectConfig{ToolPrefix: DefaultToolPrefix}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config.json: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	if cfg.ToolPrefix == "" {
		cfg.ToolPrefix = DefaultToolPrefix
	}
	return cfg, nil
}

// SaveProjectConfig writes config.json, creating parent directories.
func SaveProjectConfig(path string, cfg *ProjectConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config.json: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
