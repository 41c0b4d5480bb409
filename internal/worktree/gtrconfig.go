package worktree

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
)

// GtrconfigFilename is the gtr per-repo config file name.
const GtrconfigFilename = ".gtrconfig"

// gtrconfig mirrors the TOML layout gtr expects: which files to copy
// into a fresh worktree and which hooks to run after creation.
type gtrconfig struct {
	Copy  gtrCopy  `toml:"copy"`
	Hooks gtrHooks `toml:"hooks"`
}

type gtrCopy struct {
	Include []string `toml:"include"`
	Exclude []string `toml:"exclude"`
}

type gtrHooks struct {
	PostCreate []string `toml:"postCreate"`
}

// GtrconfigExists reports whether the repo already carries a .gtrconfig.
func (m *Manager) GtrconfigExists() bool {
	_, err := os.Stat(filepath.Join(m.repo, GtrconfigFilename))
	return err == nil
}

// GenerateGtrconfig analyzes the repository and writes a recommended
// .gtrconfig. An existing file is left untouched.
func (m *Manager) GenerateGtrconfig() error {
	if m.GtrconfigExists() {
		return nil
	}
	cfg := m.analyzeRepo()

	f, err := os.Create(filepath.Join(m.repo, GtrconfigFilename))
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// analyzeRepo derives copy patterns and post-create hooks from the
// project files present at the repo root.
func (m *Manager) analyzeRepo() gtrconfig {
	cfg := gtrconfig{
		Copy: gtrCopy{
			Include: []string{},
			Exclude: []string{
				"**/.env",
				"**/.env.local",
				"**/.env.*.local",
				"**/node_modules/**",
				"**/__pycache__/**",
				"**/.git/**",
				"**/target/**",
				"**/vendor/**",
				"**/.venv/**",
				"**/venv/**",
			},
		},
		Hooks: gtrHooks{PostCreate: m.detectInstallHooks()},
	}

	for _, name := range []string{".env.example", ".env.sample", ".env.template"} {
		if m.fileExists(name) {
			cfg.Copy.Include = append(cfg.Copy.Include, name)
		}
	}

	if matches, _ := filepath.Glob(filepath.Join(m.repo, "*.md")); len(matches) > 0 {
		cfg.Copy.Include = append(cfg.Copy.Include, "*.md")
	}
	for _, cliFile := range []string{"CLAUDE.md", "AGENTS.md", "GEMINI.md", "CODEX.md", ".cursorrules"} {
		if m.fileExists(cliFile) {
			cfg.Copy.Include = append(cfg.Copy.Include, cliFile)
		}
	}

	cfg.Copy.Include = dedupe(cfg.Copy.Include)
	return cfg
}

// detectInstallHooks maps lock and manifest files to the install command
// a fresh worktree needs.
func (m *Manager) detectInstallHooks() []string {
	var hooks []string

	if m.fileExists("package.json") {
		switch {
		case m.fileExists("pnpm-lock.yaml"):
			hooks = append(hooks, "pnpm install")
		case m.fileExists("yarn.lock"):
			hooks = append(hooks, "yarn install")
		case m.fileExists("bun.lockb"):
			hooks = append(hooks, "bun install")
		default:
			hooks = append(hooks, "npm install")
		}
	}

	if m.fileExists("pyproject.toml") {
		switch {
		case m.fileExists("uv.lock"):
			hooks = append(hooks, "uv sync")
		case m.fileExists("poetry.lock"):
			hooks = append(hooks, "poetry install")
		case m.fileExists("Pipfile.lock"):
			hooks = append(hooks, "pipenv install")
		default:
			hooks = append(hooks, "pip install -e .")
		}
	} else if m.fileExists("requirements.txt") {
		hooks = append(hooks, "pip install -r requirements.txt")
	}

	if m.fileExists("go.mod") {
		hooks = append(hooks, "go mod download")
	}
	if m.fileExists("Gemfile") {
		hooks = append(hooks, "bundle install")
	}
	if m.fileExists("Cargo.toml") {
		hooks = append(hooks, "cargo fetch")
	}
	if m.fileExists("composer.json") {
		hooks = append(hooks, "composer install")
	}
	if hooks == nil {
		hooks = []string{}
	}
	return hooks
}

func (m *Manager) fileExists(name string) bool {
	_, err := os.Stat(filepath.Join(m.repo, name))
	return err == nil
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
