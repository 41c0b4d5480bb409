package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

func formatEnvValue(val any) string {
	switch v := val.(type) {
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// envSections orders the template and attaches the operator comments. Keys
// not listed here are appended under a trailing section so the template can
// never silently drop a setting.
var envSections = []struct {
	title string
	keys  []string
}{
	{"基本設定", []string{"MCP_MCP_DIR"}},
	{"エージェント設定", []string{"MCP_MAX_WORKERS"}},
	{"Git / Worktree 設定", []string{"MCP_ENABLE_GIT", "MCP_ENABLE_WORKTREE"}},
	{"tmux 設定", []string{
		"MCP_TMUX_PREFIX", "MCP_WINDOW_NAME_MAIN", "MCP_WINDOW_NAME_WORKER_PREFIX",
		"MCP_EXTRA_WORKER_ROWS", "MCP_EXTRA_WORKER_COLS", "MCP_WORKERS_PER_EXTRA_WINDOW",
	}},
	{"ターミナル設定", []string{"MCP_DEFAULT_TERMINAL"}},
	{"モデルプロファイル", []string{
		"MCP_MODEL_PROFILE_ACTIVE", "MCP_WORKER_CLI_MODE",
		"MCP_MODEL_PROFILE_STANDARD_CLI",
		"MCP_MODEL_PROFILE_STANDARD_ADMIN_MODEL",
		"MCP_MODEL_PROFILE_STANDARD_WORKER_MODEL",
		"MCP_MODEL_PROFILE_STANDARD_MAX_WORKERS",
		"MCP_MODEL_PROFILE_STANDARD_THINKING_MULTIPLIER",
		"MCP_MODEL_PROFILE_STANDARD_ADMIN_THINKING_TOKENS",
		"MCP_MODEL_PROFILE_STANDARD_WORKER_THINKING_TOKENS",
		"MCP_MODEL_PROFILE_STANDARD_ADMIN_REASONING_EFFORT",
		"MCP_MODEL_PROFILE_STANDARD_WORKER_REASONING_EFFORT",
		"MCP_MODEL_PROFILE_PERFORMANCE_CLI",
		"MCP_MODEL_PROFILE_PERFORMANCE_ADMIN_MODEL",
		"MCP_MODEL_PROFILE_PERFORMANCE_WORKER_MODEL",
		"MCP_MODEL_PROFILE_PERFORMANCE_MAX_WORKERS",
		"MCP_MODEL_PROFILE_PERFORMANCE_THINKING_MULTIPLIER",
		"MCP_MODEL_PROFILE_PERFORMANCE_ADMIN_THINKING_TOKENS",
		"MCP_MODEL_PROFILE_PERFORMANCE_WORKER_THINKING_TOKENS",
		"MCP_MODEL_PROFILE_PERFORMANCE_ADMIN_REASONING_EFFORT",
		"MCP_MODEL_PROFILE_PERFORMANCE_WORKER_REASONING_EFFORT",
	}},
	{"CLI 別デフォルトモデル", []string{
		"MCP_CLI_DEFAULT_CLAUDE_ADMIN_MODEL", "MCP_CLI_DEFAULT_CLAUDE_WORKER_MODEL",
		"MCP_CLI_DEFAULT_CODEX_ADMIN_MODEL", "MCP_CLI_DEFAULT_CODEX_WORKER_MODEL",
		"MCP_CLI_DEFAULT_GEMINI_ADMIN_MODEL", "MCP_CLI_DEFAULT_GEMINI_WORKER_MODEL",
	}},
	{"コスト設定", []string{
		"MCP_COST_WARNING_THRESHOLD_USD", "MCP_ESTIMATED_TOKENS_PER_CALL",
		"MCP_MODEL_COST_TABLE_JSON", "MCP_MODEL_COST_DEFAULT_PER_1K",
		"MCP_COST_PER_1K_TOKENS_CLAUDE", "MCP_COST_PER_1K_TOKENS_CODEX",
		"MCP_COST_PER_1K_TOKENS_GEMINI",
	}},
	{"ヘルスチェック設定", []string{
		"MCP_HEALTHCHECK_INTERVAL_SECONDS", "MCP_SEND_COOLDOWN_SECONDS",
		"MCP_HEALTHCHECK_STALL_TIMEOUT_SECONDS",
		"MCP_HEALTHCHECK_IN_PROGRESS_NO_IPC_TIMEOUT_SECONDS",
		"MCP_HEALTHCHECK_MAX_RECOVERY_ATTEMPTS",
		"MCP_HEALTHCHECK_IDLE_STOP_CONSECUTIVE",
	}},
	{"品質チェック設定", []string{
		"MCP_QUALITY_GATE_STRICT", "MCP_QUALITY_CHECK_MAX_ITERATIONS",
		"MCP_QUALITY_CHECK_SAME_ISSUE_LIMIT",
	}},
	{"メモリ設定", []string{"MCP_MEMORY_MAX_ENTRIES", "MCP_MEMORY_TTL_DAYS"}},
	{"スクリーンショット設定", []string{"MCP_SCREENSHOT_EXTENSIONS"}},
}

// GenerateEnvTemplate renders the full .env template from the built-in
// defaults. Per-worker CLI/MODEL rows for slots 1-16 are emitted under the
// worker CLI section so operators can switch to per_worker mode by editing
// in place.
func GenerateEnvTemplate() string {
	var b strings.Builder
	b.WriteString("# Multi-Agent MCP プロジェクト設定\n")
	b.WriteString("# 環境変数で上書きされます（環境変数 > .env > デフォルト）\n")

	covered := make(map[string]bool)
	for _, section := range envSections {
		b.WriteString("\n# ========== " + section.title + " ==========\n")
		for _, key := range section.keys {
			covered[key] = true
			b.WriteString(key + "=" + formatEnvValue(defaults[key]) + "\n")
		}
		if section.title == "モデルプロファイル" {
			b.WriteString("\n# MCP_WORKER_CLI_MODE が per_worker の時のみ有効\n")
			cli := formatEnvValue(defaults["MCP_MODEL_PROFILE_STANDARD_CLI"])
			model := formatEnvValue(defaults["MCP_MODEL_PROFILE_STANDARD_WORKER_MODEL"])
			for i := 1; i <= HardMaxWorkers; i++ {
				b.WriteString(fmt.Sprintf("MCP_WORKER_CLI_%d=%s\n", i, cli))
				b.WriteString(fmt.Sprintf("MCP_WORKER_MODEL_%d=%s\n", i, model))
			}
		}
	}

	var rest []string
	for key := range defaults {
		if !covered[key] && key != "MCP_PROJECT_ROOT" {
			rest = append(rest, key)
		}
	}
	if len(rest) > 0 {
		sort.Strings(rest)
		b.WriteString("\n# ========== その他 ==========\n")
		for _, key := range rest {
			b.WriteString(key + "=" + formatEnvValue(defaults[key]) + "\n")
		}
	}
	return b.String()
}

// WriteEnvTemplate writes the template to path unless the file already
// exists. Returns whether a file was written.
func WriteEnvTemplate(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(GenerateEnvTemplate()), 0o644); err != nil {
		return false, fmt.Errorf("write .env: %w", err)
	}
	return true, nil
}
