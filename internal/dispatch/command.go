package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jaakkos/tmuxcrew/internal/domain"
)

var shellSafe = regexp.MustCompile(`^[0-9A-Za-z@%+=:,./_-]+$`)

// shellQuote quotes a value for POSIX shells the way shlex.quote does.
func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	if shellSafe.MatchString(value) {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

// CommandSpec describes one AI-CLI invocation that reads its task from a
// file. WorktreePath, when set, becomes the working directory.
type CommandSpec struct {
	CLI              domain.AICli
	TaskFilePath     string
	RoleTemplatePath string
	WorktreePath     string
	ProjectRoot      string
	Model            string
	ThinkingTokens   int
	ReasoningEffort  string
}

// BuildStdinCommand renders the shell line driven into a tmux pane to
// start (or restart) an AI CLI on a task file.
func BuildStdinCommand(spec CommandSpec) string {
	var prefix strings.Builder
	if spec.ProjectRoot != "" {
		fmt.Fprintf(&prefix, "export MCP_PROJECT_ROOT=%s && ", shellQuote(spec.ProjectRoot))
	}
	if spec.CLI == domain.CliClaude && spec.ThinkingTokens > 0 {
		fmt.Fprintf(&prefix, "export MAX_THINKING_TOKENS=%d && ", spec.ThinkingTokens)
	}
	if spec.WorktreePath != "" {
		fmt.Fprintf(&prefix, "cd %s && ", shellQuote(spec.WorktreePath))
	}

	// cat role.md task.md | cli ...  when a role guide is prepended,
	// cli ... < task.md              otherwise.
	pipe := spec.RoleTemplatePath != ""
	input := func(parts []string) string {
		if pipe {
			head := fmt.Sprintf("cat %s %s | ",
				shellQuote(spec.RoleTemplatePath), shellQuote(spec.TaskFilePath))
			return head + strings.Join(parts, " ")
		}
		return strings.Join(parts, " ") + " < " + shellQuote(spec.TaskFilePath)
	}

	switch spec.CLI {
	case domain.CliCodex:
		parts := []string{"codex", "-a", "never"}
		if spec.Model != "" {
			parts = append(parts, "-m", shellQuote(spec.Model))
		}
		if spec.ReasoningEffort != "" && spec.ReasoningEffort != "none" {
			parts = append(parts, "-c", "model_reasoning_effort="+shellQuote(spec.ReasoningEffort))
		}
		// codex always reads the task from a pipe.
		head := "cat "
		if spec.RoleTemplatePath != "" {
			head += shellQuote(spec.RoleTemplatePath) + " "
		}
		head += shellQuote(spec.TaskFilePath) + " | "
		return prefix.String() + head + strings.Join(parts, " ")

	case domain.CliGemini:
		parts := []string{"gemini", "--yolo"}
		if spec.Model != "" {
			parts = append(parts, "-m", shellQuote(spec.Model))
		}
		return prefix.String() + input(parts)

	default: // claude and claude-compatible CLIs
		name := string(spec.CLI)
		if name == "" {
			name = string(domain.CliClaude)
		}
		parts := []string{name}
		if spec.Model != "" {
			parts = append(parts, "--model", shellQuote(spec.Model))
		}
		parts = append(parts, "--dangerously-skip-permissions")
		return prefix.String() + input(parts)
	}
}

// ChangeDirCommand returns the per-CLI instruction that moves an already
// running session into the worktree. Claude uses its shell escape.
func ChangeDirCommand(cli domain.AICli, dir string) string {
	if cli == domain.CliClaude {
		return "!cd " + shellQuote(dir)
	}
	return "cd " + shellQuote(dir)
}
