// Package config loads the per-project settings from the workspace .env
// file, with OS environment variables taking precedence. All keys carry the
// MCP_ prefix; defaults live here so the .env template and the loader can
// never drift apart.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// DefaultMCPDir is the dot-directory holding all orchestration state inside
// a workspace.
const DefaultMCPDir = ".multi-agent-mcp"

// HardMaxWorkers caps MCP_MAX_WORKERS regardless of configuration.
const HardMaxWorkers = 16

// Profile names accepted for MCP_MODEL_PROFILE_ACTIVE.
const (
	ProfileStandard    = "standard"
	ProfilePerformance = "performance"
)

// Worker CLI assignment modes.
const (
	WorkerCliUniform   = "uniform"
	WorkerCliPerWorker = "per_worker"
)

// ModelProfile bundles the CLI and model selection for one profile tier.
type ModelProfile struct {
	Name                  string
	CLI                   string
	AdminModel            string
	WorkerModel           string
	MaxWorkers            int
	ThinkingMultiplier    float64
	AdminThinkingTokens   int
	WorkerThinkingTokens  int
	AdminReasoningEffort  string
	WorkerReasoningEffort string
}

// CliDefaults carries the fallback models for one AI CLI, used when a
// profile names a model that does not belong to the selected CLI.
type CliDefaults struct {
	AdminModel  string
	WorkerModel string
}

// Settings is the full configuration surface of the server.
type Settings struct {
	ProjectRoot string
	MCPDir      string

	MaxWorkers     int
	EnableGit      bool
	EnableWorktree bool

	TmuxPrefix             string
	WindowNameMain         string
	WindowNameWorkerPrefix string
	ExtraWorkerRows        int
	ExtraWorkerCols        int
	WorkersPerExtraWindow  int
	DefaultTerminal        string

	ModelProfileActive string
	WorkerCliMode      string
	Standard           ModelProfile
	Performance        ModelProfile
	WorkerCli          map[int]string
	WorkerModel        map[int]string
	CliDefaults        map[string]CliDefaults

	CostWarningThresholdUSD float64
	EstimatedTokensPerCall  int
	ModelCostTableJSON      string
	ModelCostDefaultPer1K   float64
	CostPer1KClaude         float64
	CostPer1KCodex          float64
	CostPer1KGemini         float64

	HealthcheckIntervalSeconds     int
	SendCooldownSeconds            int
	HealthcheckStallTimeout        int
	HealthcheckInProgressNoIPC     int
	HealthcheckMaxRecoveryAttempts int
	HealthcheckIdleStopConsecutive int

	QualityGateStrict          bool
	QualityCheckMaxIterations  int
	QualityCheckSameIssueLimit int

	MemoryMaxEntries int
	MemoryTTLDays    int

	ScreenshotExtensions []string
}

// defaults maps every MCP_ key to its default, the single source for both
// Load and the generated .env template.
var defaults = map[string]any{
	"MCP_MCP_DIR":                   DefaultMCPDir,
	"MCP_PROJECT_ROOT":              "",
	"MCP_MAX_WORKERS":               6,
	"MCP_ENABLE_GIT":                true,
	"MCP_ENABLE_WORKTREE":           true,
	"MCP_TMUX_PREFIX":               "mcp-agent",
	"MCP_WINDOW_NAME_MAIN":          "main",
	"MCP_WINDOW_NAME_WORKER_PREFIX": "workers-",
	"MCP_EXTRA_WORKER_ROWS":         2,
	"MCP_EXTRA_WORKER_COLS":         5,
	"MCP_WORKERS_PER_EXTRA_WINDOW":  10,
	"MCP_DEFAULT_TERMINAL":          "auto",

	"MCP_MODEL_PROFILE_ACTIVE": ProfileStandard,
	"MCP_WORKER_CLI_MODE":      WorkerCliUniform,

	"MCP_MODEL_PROFILE_STANDARD_CLI":                      "claude",
	"MCP_MODEL_PROFILE_STANDARD_ADMIN_MODEL":              "sonnet",
	"MCP_MODEL_PROFILE_STANDARD_WORKER_MODEL":             "sonnet",
	"MCP_MODEL_PROFILE_STANDARD_MAX_WORKERS":              6,
	"MCP_MODEL_PROFILE_STANDARD_THINKING_MULTIPLIER":      1.0,
	"MCP_MODEL_PROFILE_STANDARD_ADMIN_THINKING_TOKENS":    8192,
	"MCP_MODEL_PROFILE_STANDARD_WORKER_THINKING_TOKENS":   4096,
	"MCP_MODEL_PROFILE_STANDARD_ADMIN_REASONING_EFFORT":   "medium",
	"MCP_MODEL_PROFILE_STANDARD_WORKER_REASONING_EFFORT":  "medium",
	"MCP_MODEL_PROFILE_PERFORMANCE_CLI":                   "claude",
	"MCP_MODEL_PROFILE_PERFORMANCE_ADMIN_MODEL":           "opus",
	"MCP_MODEL_PROFILE_PERFORMANCE_WORKER_MODEL":          "sonnet",
	"MCP_MODEL_PROFILE_PERFORMANCE_MAX_WORKERS":           8,
	"MCP_MODEL_PROFILE_PERFORMANCE_THINKING_MULTIPLIER":   2.0,
	"MCP_MODEL_PROFILE_PERFORMANCE_ADMIN_THINKING_TOKENS": 16384,
	"MCP_MODEL_PROFILE_PERFORMANCE_WORKER_THINKING_TOKENS": 8192,
	"MCP_MODEL_PROFILE_PERFORMANCE_ADMIN_REASONING_EFFORT":  "high",
	"MCP_MODEL_PROFILE_PERFORMANCE_WORKER_REASONING_EFFORT": "high",

	"MCP_CLI_DEFAULT_CLAUDE_ADMIN_MODEL":  "opus",
	"MCP_CLI_DEFAULT_CLAUDE_WORKER_MODEL": "sonnet",
	"MCP_CLI_DEFAULT_CODEX_ADMIN_MODEL":   "gpt-5",
	"MCP_CLI_DEFAULT_CODEX_WORKER_MODEL":  "gpt-5",
	"MCP_CLI_DEFAULT_GEMINI_ADMIN_MODEL":  "gemini-2.5-pro",
	"MCP_CLI_DEFAULT_GEMINI_WORKER_MODEL": "gemini-2.5-flash",

	"MCP_COST_WARNING_THRESHOLD_USD": 10.0,
	"MCP_ESTIMATED_TOKENS_PER_CALL":  1500,
	"MCP_MODEL_COST_TABLE_JSON":      "{}",
	"MCP_MODEL_COST_DEFAULT_PER_1K":  0.01,
	"MCP_COST_PER_1K_TOKENS_CLAUDE":  0.015,
	"MCP_COST_PER_1K_TOKENS_CODEX":   0.01,
	"MCP_COST_PER_1K_TOKENS_GEMINI":  0.005,

	"MCP_HEALTHCHECK_INTERVAL_SECONDS":                   300,
	"MCP_SEND_COOLDOWN_SECONDS":                          2,
	"MCP_HEALTHCHECK_STALL_TIMEOUT_SECONDS":              900,
	"MCP_HEALTHCHECK_IN_PROGRESS_NO_IPC_TIMEOUT_SECONDS": 600,
	"MCP_HEALTHCHECK_MAX_RECOVERY_ATTEMPTS":              3,
	"MCP_HEALTHCHECK_IDLE_STOP_CONSECUTIVE":              5,

	"MCP_QUALITY_GATE_STRICT":           true,
	"MCP_QUALITY_CHECK_MAX_ITERATIONS":  3,
	"MCP_QUALITY_CHECK_SAME_ISSUE_LIMIT": 2,

	"MCP_MEMORY_MAX_ENTRIES": 200,
	"MCP_MEMORY_TTL_DAYS":    30,

	"MCP_SCREENSHOT_EXTENSIONS": `[".png", ".jpg", ".jpeg", ".gif", ".webp"]`,
}

// Load reads settings for projectRoot, merging (highest first) OS
// environment, <projectRoot>/<mcpdir>/.env, and the built-in defaults.
// A missing .env file is not an error.
func Load(projectRoot string) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("env")
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()

	mcpDir := v.GetString("MCP_MCP_DIR")
	envPath := filepath.Join(projectRoot, mcpDir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		v.SetConfigFile(envPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", envPath, err)
		}
		// OS environment still wins over the file.
		mcpDir = v.GetString("MCP_MCP_DIR")
	}

	s := &Settings{
		ProjectRoot: projectRoot,
		MCPDir:      mcpDir,

		MaxWorkers:     v.GetInt("MCP_MAX_WORKERS"),
		EnableGit:      v.GetBool("MCP_ENABLE_GIT"),
		EnableWorktree: v.GetBool("MCP_ENABLE_WORKTREE"),

		TmuxPrefix:             v.GetString("MCP_TMUX_PREFIX"),
		WindowNameMain:         v.GetString("MCP_WINDOW_NAME_MAIN"),
		WindowNameWorkerPrefix: v.GetString("MCP_WINDOW_NAME_WORKER_PREFIX"),
		ExtraWorkerRows:        v.GetInt("MCP_EXTRA_WORKER_ROWS"),
		ExtraWorkerCols:        v.GetInt("MCP_EXTRA_WORKER_COLS"),
		WorkersPerExtraWindow:  v.GetInt("MCP_WORKERS_PER_EXTRA_WINDOW"),
		DefaultTerminal:        v.GetString("MCP_DEFAULT_TERMINAL"),

		ModelProfileActive: strings.ToLower(v.GetString("MCP_MODEL_PROFILE_ACTIVE")),
		WorkerCliMode:      normalizeCliMode(v.GetString("MCP_WORKER_CLI_MODE")),
		Standard:           loadProfile(v, ProfileStandard),
		Performance:        loadProfile(v, ProfilePerformance),
		WorkerCli:          loadPerWorker(v, "MCP_WORKER_CLI_"),
		WorkerModel:        loadPerWorker(v, "MCP_WORKER_MODEL_"),
		CliDefaults: map[string]CliDefaults{
			"claude": {
				AdminModel:  v.GetString("MCP_CLI_DEFAULT_CLAUDE_ADMIN_MODEL"),
				WorkerModel: v.GetString("MCP_CLI_DEFAULT_CLAUDE_WORKER_MODEL"),
			},
			"codex": {
				AdminModel:  v.GetString("MCP_CLI_DEFAULT_CODEX_ADMIN_MODEL"),
				WorkerModel: v.GetString("MCP_CLI_DEFAULT_CODEX_WORKER_MODEL"),
			},
			"gemini": {
				AdminModel:  v.GetString("MCP_CLI_DEFAULT_GEMINI_ADMIN_MODEL"),
				WorkerModel: v.GetString("MCP_CLI_DEFAULT_GEMINI_WORKER_MODEL"),
			},
		},

		CostWarningThresholdUSD: v.GetFloat64("MCP_COST_WARNING_THRESHOLD_USD"),
		EstimatedTokensPerCall:  v.GetInt("MCP_ESTIMATED_TOKENS_PER_CALL"),
		ModelCostTableJSON:      v.GetString("MCP_MODEL_COST_TABLE_JSON"),
		ModelCostDefaultPer1K:   v.GetFloat64("MCP_MODEL_COST_DEFAULT_PER_1K"),
		CostPer1KClaude:         v.GetFloat64("MCP_COST_PER_1K_TOKENS_CLAUDE"),
		CostPer1KCodex:          v.GetFloat64("MCP_COST_PER_1K_TOKENS_CODEX"),
		CostPer1KGemini:         v.GetFloat64("MCP_COST_PER_1K_TOKENS_GEMINI"),

		HealthcheckIntervalSeconds:     v.GetInt("MCP_HEALTHCHECK_INTERVAL_SECONDS"),
		SendCooldownSeconds:            v.GetInt("MCP_SEND_COOLDOWN_SECONDS"),
		HealthcheckStallTimeout:        v.GetInt("MCP_HEALTHCHECK_STALL_TIMEOUT_SECONDS"),
		HealthcheckInProgressNoIPC:     v.GetInt("MCP_HEALTHCHECK_IN_PROGRESS_NO_IPC_TIMEOUT_SECONDS"),
		HealthcheckMaxRecoveryAttempts: v.GetInt("MCP_HEALTHCHECK_MAX_RECOVERY_ATTEMPTS"),
		HealthcheckIdleStopConsecutive: v.GetInt("MCP_HEALTHCHECK_IDLE_STOP_CONSECUTIVE"),

		QualityGateStrict:          v.GetBool("MCP_QUALITY_GATE_STRICT"),
		QualityCheckMaxIterations:  v.GetInt("MCP_QUALITY_CHECK_MAX_ITERATIONS"),
		QualityCheckSameIssueLimit: v.GetInt("MCP_QUALITY_CHECK_SAME_ISSUE_LIMIT"),

		MemoryMaxEntries: v.GetInt("MCP_MEMORY_MAX_ENTRIES"),
		MemoryTTLDays:    v.GetInt("MCP_MEMORY_TTL_DAYS"),

		ScreenshotExtensions: parseJSONStrings(v.GetString("MCP_SCREENSHOT_EXTENSIONS")),
	}

	if root := v.GetString("MCP_PROJECT_ROOT"); root != "" {
		s.ProjectRoot = root
	}
	if s.MaxWorkers < 1 {
		s.MaxWorkers = cast.ToInt(defaults["MCP_MAX_WORKERS"])
	}
	if s.MaxWorkers > HardMaxWorkers {
		s.MaxWorkers = HardMaxWorkers
	}
	if s.ModelProfileActive != ProfileStandard && s.ModelProfileActive != ProfilePerformance {
		s.ModelProfileActive = ProfileStandard
	}
	return s, nil
}

func loadProfile(v *viper.Viper, name string) ModelProfile {
	prefix := "MCP_MODEL_PROFILE_" + strings.ToUpper(name) + "_"
	return ModelProfile{
		Name:                  name,
		CLI:                   strings.ToLower(v.GetString(prefix + "CLI")),
		AdminModel:            v.GetString(prefix + "ADMIN_MODEL"),
		WorkerModel:           v.GetString(prefix + "WORKER_MODEL"),
		MaxWorkers:            v.GetInt(prefix + "MAX_WORKERS"),
		ThinkingMultiplier:    v.GetFloat64(prefix + "THINKING_MULTIPLIER"),
		AdminThinkingTokens:   v.GetInt(prefix + "ADMIN_THINKING_TOKENS"),
		WorkerThinkingTokens:  v.GetInt(prefix + "WORKER_THINKING_TOKENS"),
		AdminReasoningEffort:  v.GetString(prefix + "ADMIN_REASONING_EFFORT"),
		WorkerReasoningEffort: v.GetString(prefix + "WORKER_REASONING_EFFORT"),
	}
}

func loadPerWorker(v *viper.Viper, prefix string) map[int]string {
	out := make(map[int]string)
	for i := 1; i <= HardMaxWorkers; i++ {
		if val := v.GetString(prefix + strconv.Itoa(i)); val != "" {
			out[i] = strings.ToLower(val)
		}
	}
	return out
}

func normalizeCliMode(mode string) string {
	switch strings.ToLower(strings.ReplaceAll(mode, "-", "_")) {
	case WorkerCliPerWorker:
		return WorkerCliPerWorker
	default:
		return WorkerCliUniform
	}
}

func parseJSONStrings(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// ActiveProfile returns the profile selected by MCP_MODEL_PROFILE_ACTIVE.
func (s *Settings) ActiveProfile() ModelProfile {
	if s.ModelProfileActive == ProfilePerformance {
		return s.Performance
	}
	return s.Standard
}

// CliForWorker resolves the AI CLI for a 1-based worker slot, honouring
// per_worker mode. Falls back to the active profile's CLI.
func (s *Settings) CliForWorker(workerIndex int) string {
	if s.WorkerCliMode == WorkerCliPerWorker {
		if cli, ok := s.WorkerCli[workerIndex]; ok && cli != "" {
			return cli
		}
	}
	return s.ActiveProfile().CLI
}

// ModelForWorker resolves the model for a 1-based worker slot. When the
// configured model does not match the worker's CLI family, the CLI's
// default worker model applies instead.
func (s *Settings) ModelForWorker(workerIndex int) string {
	cli := s.CliForWorker(workerIndex)
	model := s.ActiveProfile().WorkerModel
	if s.WorkerCliMode == WorkerCliPerWorker {
		if m, ok := s.WorkerModel[workerIndex]; ok && m != "" {
			model = m
		}
	}
	if fallback, ok := s.CliDefaults[cli]; ok && !modelMatchesCli(model, cli) {
		return fallback.WorkerModel
	}
	return model
}

// modelMatchesCli is a loose family check so a codex model is never handed
// to the claude CLI and vice versa.
func modelMatchesCli(model, cli string) bool {
	m := strings.ToLower(model)
	switch cli {
	case "claude":
		return strings.Contains(m, "opus") || strings.Contains(m, "sonnet") ||
			strings.Contains(m, "haiku") || strings.Contains(m, "claude")
	case "codex":
		return strings.Contains(m, "gpt") || strings.Contains(m, "codex") ||
			strings.Contains(m, "o3") || strings.Contains(m, "o4")
	case "gemini":
		return strings.Contains(m, "gemini")
	}
	return true
}

// ModelCostTable parses MCP_MODEL_COST_TABLE_JSON into model → USD/1k
// tokens. Invalid JSON yields an empty table.
func (s *Settings) ModelCostTable() map[string]float64 {
	out := make(map[string]float64)
	if s.ModelCostTableJSON == "" {
		return out
	}
	if err := json.Unmarshal([]byte(s.ModelCostTableJSON), &out); err != nil {
		return map[string]float64{}
	}
	return out
}

// CostPer1K resolves the USD per 1000 tokens for a model/CLI pair: model
// table first, then the per-CLI rate, then the global default.
func (s *Settings) CostPer1K(cli, model string) float64 {
	if model != "" {
		if rate, ok := s.ModelCostTable()[model]; ok {
			return rate
		}
	}
	switch strings.ToLower(cli) {
	case "claude":
		return s.CostPer1KClaude
	case "codex":
		return s.CostPer1KCodex
	case "gemini":
		return s.CostPer1KGemini
	}
	return s.ModelCostDefaultPer1K
}
