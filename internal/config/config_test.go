package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeEnv(t *testing.T, root, content string) {
	t.Helper()
	dir := filepath.Join(root, DefaultMCPDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	root := t.TempDir()
	s, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.MaxWorkers != 6 {
		t.Errorf("MaxWorkers = %d, want 6", s.MaxWorkers)
	}
	if !s.EnableGit || !s.EnableWorktree {
		t.Error("git and worktree should default to enabled")
	}
	if !s.QualityGateStrict {
		t.Error("quality gate should default to strict")
	}
	if s.ModelProfileActive != ProfileStandard {
		t.Errorf("profile = %q", s.ModelProfileActive)
	}
	if s.ProjectRoot != root {
		t.Errorf("ProjectRoot = %q", s.ProjectRoot)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, strings.Join([]string{
		"MCP_MAX_WORKERS=10",
		"MCP_ENABLE_WORKTREE=false",
		"MCP_MODEL_PROFILE_ACTIVE=performance",
		"MCP_QUALITY_GATE_STRICT=false",
		"MCP_WORKER_CLI_MODE=per_worker",
		"MCP_WORKER_CLI_2=codex",
		"MCP_WORKER_MODEL_2=gpt-5",
	}, "\n"))

	s, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.MaxWorkers != 10 {
		t.Errorf("MaxWorkers = %d, want 10", s.MaxWorkers)
	}
	if s.EnableWorktree {
		t.Error("EnableWorktree should be false")
	}
	if s.QualityGateStrict {
		t.Error("QualityGateStrict should be false")
	}
	if s.ModelProfileActive != ProfilePerformance {
		t.Errorf("profile = %q", s.ModelProfileActive)
	}
	if got := s.CliForWorker(2); got != "codex" {
		t.Errorf("CliForWorker(2) = %q", got)
	}
	if got := s.ModelForWorker(2); got != "gpt-5" {
		t.Errorf("ModelForWorker(2) = %q", got)
	}
	// Slot without a per-worker override falls back to the profile CLI.
	if got := s.CliForWorker(5); got != s.Performance.CLI {
		t.Errorf("CliForWorker(5) = %q", got)
	}
}

func TestLoad_MaxWorkersHardCap(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "MCP_MAX_WORKERS=40\n")
	s, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if s.MaxWorkers != HardMaxWorkers {
		t.Errorf("MaxWorkers = %d, want cap %d", s.MaxWorkers, HardMaxWorkers)
	}
}

func TestLoad_InvalidProfileFallsBack(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "MCP_MODEL_PROFILE_ACTIVE=turbo\n")
	s, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if s.ModelProfileActive != ProfileStandard {
		t.Errorf("profile = %q, want fallback to standard", s.ModelProfileActive)
	}
}

func TestModelForWorker_CliMismatchUsesDefault(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, strings.Join([]string{
		"MCP_WORKER_CLI_MODE=per_worker",
		"MCP_WORKER_CLI_3=gemini",
		// A claude model on a gemini worker gets replaced.
		"MCP_WORKER_MODEL_3=sonnet",
	}, "\n"))
	s, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.ModelForWorker(3); got != s.CliDefaults["gemini"].WorkerModel {
		t.Errorf("ModelForWorker(3) = %q, want gemini default", got)
	}
}

func TestCostPer1K(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, `MCP_MODEL_COST_TABLE_JSON={"opus": 0.075}`+"\n")
	s, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.CostPer1K("claude", "opus"); got != 0.075 {
		t.Errorf("table rate: got %v", got)
	}
	if got := s.CostPer1K("claude", "sonnet"); got != s.CostPer1KClaude {
		t.Errorf("cli rate: got %v", got)
	}
	if got := s.CostPer1K("mystery", ""); got != s.ModelCostDefaultPer1K {
		t.Errorf("default rate: got %v", got)
	}
}

func TestGenerateEnvTemplate_CoversAllKeys(t *testing.T) {
	tpl := GenerateEnvTemplate()
	for key := range defaults {
		if key == "MCP_PROJECT_ROOT" {
			continue
		}
		if !strings.Contains(tpl, key+"=") {
			t.Errorf("template is missing %s", key)
		}
	}
	if !strings.Contains(tpl, "MCP_WORKER_CLI_16=") {
		t.Error("template is missing per-worker rows")
	}
}

func TestWriteEnvTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultMCPDir, ".env")

	wrote, err := WriteEnvTemplate(path)
	if err != nil {
		t.Fatalf("WriteEnvTemplate: %v", err)
	}
	if !wrote {
		t.Fatal("expected first write to happen")
	}

	// Never clobber an existing .env.
	if err := os.WriteFile(path, []byte("MCP_MAX_WORKERS=3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	wrote, err = WriteEnvTemplate(path)
	if err != nil {
		t.Fatal(err)
	}
	if wrote {
		t.Fatal("existing .env must be preserved")
	}
	data, _ := os.ReadFile(path)
	if string(data) != "MCP_MAX_WORKERS=3\n" {
		t.Error("existing .env content changed")
	}
}

func TestWorkspacePaths(t *testing.T) {
	w := NewWorkspace("/proj", "", "issue-42")
	if got := w.DashboardPath(); got != "/proj/.multi-agent-mcp/issue-42/dashboard/dashboard.md" {
		t.Errorf("DashboardPath = %q", got)
	}
	if got := w.InboxDir("agent-1"); got != "/proj/.multi-agent-mcp/issue-42/ipc/agent-1" {
		t.Errorf("InboxDir = %q", got)
	}
	if w.IsProvisional() {
		t.Error("issue-42 is not provisional")
	}
	if !NewWorkspace("/proj", "", NewProvisionalSessionID()).IsProvisional() {
		t.Error("minted provisional id not detected")
	}
}

func TestProjectConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	// Missing file yields the defaults.
	cfg, err := LoadProjectConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ToolPrefix != DefaultToolPrefix {
		t.Errorf("ToolPrefix = %q", cfg.ToolPrefix)
	}

	cfg.SessionID = "issue-7"
	if err := SaveProjectConfig(path, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := LoadProjectConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "issue-7" || got.ToolPrefix != DefaultToolPrefix {
		t.Errorf("round trip: %+v", got)
	}
}
