package worktree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
)

func TestGenerateGtrconfigAnalyzesRepo(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)

	writeFile(t, dir, "package.json", "{}\n")
	writeFile(t, dir, "pnpm-lock.yaml", "lockfileVersion: 9\n")
	writeFile(t, dir, "go.mod", "module example.com/demo\n")
	writeFile(t, dir, ".env.example", "API_KEY=\n")
	writeFile(t, dir, "CLAUDE.md", "instructions\n")
	writeFile(t, dir, "README.md", "hello\n")

	if m.GtrconfigExists() {
		t.Fatal("fresh repo must not report a gtrconfig")
	}
	if err := m.GenerateGtrconfig(); err != nil {
		t.Fatal(err)
	}
	if !m.GtrconfigExists() {
		t.Fatal("generated gtrconfig not found")
	}

	var cfg gtrconfig
	if _, err := toml.DecodeFile(filepath.Join(dir, GtrconfigFilename), &cfg); err != nil {
		t.Fatal(err)
	}

	wantIncluded := []string{".env.example", "*.md", "CLAUDE.md"}
	for _, want := range wantIncluded {
		if !containsString(cfg.Copy.Include, want) {
			t.Errorf("include missing %q: %v", want, cfg.Copy.Include)
		}
	}
	if !containsString(cfg.Copy.Exclude, "**/.env") {
		t.Errorf("exclude missing **/.env: %v", cfg.Copy.Exclude)
	}
	if !containsString(cfg.Hooks.PostCreate, "pnpm install") {
		t.Errorf("hooks missing pnpm install: %v", cfg.Hooks.PostCreate)
	}
	if !containsString(cfg.Hooks.PostCreate, "go mod download") {
		t.Errorf("hooks missing go mod download: %v", cfg.Hooks.PostCreate)
	}
}

func TestGenerateGtrconfigKeepsExistingFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)

	custom := "[copy]\ninclude = [\"custom.txt\"]\n"
	writeFile(t, dir, GtrconfigFilename, custom)

	if err := m.GenerateGtrconfig(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, GtrconfigFilename))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != custom {
		t.Errorf("existing gtrconfig was overwritten:\n%s", data)
	}
}

func TestDetectInstallHooksByLockfile(t *testing.T) {
	tests := []struct {
		name  string
		files []string
		want  string
	}{
		{"yarn", []string{"package.json", "yarn.lock"}, "yarn install"},
		{"npm fallback", []string{"package.json"}, "npm install"},
		{"uv", []string{"pyproject.toml", "uv.lock"}, "uv sync"},
		{"requirements", []string{"requirements.txt"}, "pip install -r requirements.txt"},
		{"cargo", []string{"Cargo.toml"}, "cargo fetch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, name := range tt.files {
				writeFile(t, dir, name, "\n")
			}
			m := NewManager(dir, nil)
			if hooks := m.detectInstallHooks(); !containsString(hooks, tt.want) {
				t.Errorf("hooks = %v, want %q", hooks, tt.want)
			}
		})
	}
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
