package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

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
)

// fakeTmux records every pane operation instead of shelling out.
type fakeTmux struct {
	mu       sync.Mutex
	sessions map[string]bool
	windows  []string
	splits   []string
	sent     []string
	titles   map[string]string
	captured string
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{sessions: map[string]bool{}, titles: map[string]string{}}
}

func (f *fakeTmux) IsAvailable() bool { return true }

func (f *fakeTmux) NewSession(name, workDir, windowName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
	return nil
}

func (f *fakeTmux) HasSession(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name], nil
}

func (f *fakeTmux) KillSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}

func (f *fakeTmux) RenameSession(oldName, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, oldName)
	f.sessions[newName] = true
	return nil
}

func (f *fakeTmux) NewWindow(sessionName, windowName, workDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, sessionName+":"+windowName)
	return nil
}

func (f *fakeTmux) SplitPane(target string, vertical bool, workDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.splits = append(f.splits, target)
	return nil
}

func (f *fakeTmux) SelectLayout(target, layout string) error { return nil }

func (f *fakeTmux) SetPaneTitle(target, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[target] = title
	return nil
}

func (f *fakeTmux) SendKeys(target, keys string) error {
	return f.SendKeysDebounced(target, keys, 0)
}

func (f *fakeTmux) SendKeysDebounced(target, keys string, debounceMs int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, target+"|"+keys)
	return nil
}

func (f *fakeTmux) SendKeysRaw(target, keys string) error {
	return f.SendKeysDebounced(target, keys, 0)
}

func (f *fakeTmux) CapturePane(target string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captured, nil
}

type testEnv struct {
	srv  *server.MCPServer
	deps *Deps
	tmux *fakeTmux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ws := config.NewWorkspace(t.TempDir(), ".multi-agent-mcp", "sess-coord")
	if err := os.MkdirAll(ws.SessionDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	settings := &config.Settings{
		ProjectRoot:            ws.ProjectRoot,
		MCPDir:                 ".multi-agent-mcp",
		MaxWorkers:             3,
		WorkersPerExtraWindow:  10,
		EstimatedTokensPerCall: 1000,
		QualityGateStrict:      true,
	}
	st := store.New(ws, settings, nil)
	if err := st.Initialize(); err != nil {
		t.Fatal(err)
	}
	reg := registry.New(ws.AgentsDir(), nil)
	ft := newFakeTmux()

	mem, err := memory.Open(filepath.Join(t.TempDir(), "memory"), 100, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	deps := &Deps{
		Settings:   settings,
		Workspace:  ws,
		Store:      st,
		Registry:   reg,
		Guard:      guard.New(reg, nil),
		Gate:       gate.New(settings, nil),
		Notifier:   notify.NewDispatcher(ft, nil),
		Dispatcher: dispatch.New(settings, ws, st, reg, ft, nil),
		Session:    session.New(settings, ws, st, reg, ft, nil),
		Reconciler: reconcile.New(st, reg, nil),
		Tmux:       ft,
		Memory:     mem,
	}

	s := server.NewMCPServer("test", "0.0.1")
	Register(s, deps)
	return &testEnv{srv: s, deps: deps, tmux: ft}
}

// addAgent persists an agent record directly. pane < 0 means no pane.
func (e *testEnv) addAgent(t *testing.T, id string, role domain.Role, pane int) domain.Agent {
	t.Helper()
	now := time.Now()
	agent := domain.Agent{
		ID:           id,
		Role:         role,
		Status:       domain.AgentIdle,
		CreatedAt:    now,
		LastActivity: now,
	}
	if pane >= 0 {
		window := 0
		agent.SessionName = "proj"
		agent.WindowIndex = &window
		agent.PaneIndex = &pane
		agent.TmuxSession = fmt.Sprintf("proj:0.%d", pane)
	}
	if err := e.deps.Registry.Save(&agent); err != nil {
		t.Fatal(err)
	}
	return agent
}

// call invokes a registered tool through HandleMessage and decodes the
// JSON payload every handler returns.
func (e *testEnv) call(t *testing.T, name string, args map[string]any) map[string]any {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	respJSON := e.srv.HandleMessage(context.Background(), reqJSON)
	respBytes, err := json.Marshal(respJSON)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			payload := map[string]any{}
			if err := json.Unmarshal([]byte(tc.Text), &payload); err != nil {
				t.Fatalf("payload is not JSON: %v\n%s", err, tc.Text)
			}
			return payload
		}
	}
	t.Fatal("no text content in result")
	return nil
}

func wantSuccess(t *testing.T, payload map[string]any) {
	t.Helper()
	if ok, _ := payload["success"].(bool); !ok {
		t.Fatalf("expected success, got %v", payload)
	}
}

func wantFailure(t *testing.T, payload map[string]any) string {
	t.Helper()
	if ok, _ := payload["success"].(bool); ok {
		t.Fatalf("expected failure, got %v", payload)
	}
	msg, _ := payload["error"].(string)
	return msg
}
