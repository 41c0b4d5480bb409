package dispatch

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates
var templateFS embed.FS

var taskTemplates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// AdminTaskParams fills the Admin plan template.
type AdminTaskParams struct {
	SessionID      string
	AgentID        string
	PlanContent    string
	BranchName     string
	WorkerCount    int
	MemoryContext  string
	ProjectName    string
	ToolPrefix     string
	MaxIterations  int
	SameIssueLimit int
	Timestamp      string
}

// RenderAdminTask produces the augmented task body handed to a freshly
// bootstrapped Admin.
func RenderAdminTask(p AdminTaskParams) (string, error) {
	var sb strings.Builder
	if err := taskTemplates.ExecuteTemplate(&sb, "admin_task.md.tmpl", p); err != nil {
		return "", fmt.Errorf("render admin task: %w", err)
	}
	return sb.String(), nil
}

// WorkerTaskParams fills the 7-section worker task template.
type WorkerTaskParams struct {
	TaskID          string
	AgentID         string
	TaskDescription string
	PersonaName     string
	PersonaPrompt   string
	MemoryContext   string
	ProjectName     string
	WorktreePath    string
	BranchName      string
	AdminID         string
	ToolPrefix      string
	EnableGit       bool
	Timestamp       string

	// WorkEnv is derived from WorktreePath/BranchName before rendering.
	WorkEnv string
}

// RenderWorkerTask produces the 7-section instruction file for one worker.
func RenderWorkerTask(p WorkerTaskParams) (string, error) {
	var lines []string
	if p.WorktreePath != "" {
		lines = append(lines, fmt.Sprintf("- **作業ディレクトリ**: `%s`", p.WorktreePath))
	}
	if p.BranchName != "" {
		lines = append(lines, fmt.Sprintf("- **作業ブランチ**: `%s`", p.BranchName))
	}
	p.WorkEnv = strings.Join(lines, "\n")

	var sb strings.Builder
	if err := taskTemplates.ExecuteTemplate(&sb, "worker_task.md.tmpl", p); err != nil {
		return "", fmt.Errorf("render worker task: %w", err)
	}
	return sb.String(), nil
}

// RoleGuideParams fills a role guide template.
type RoleGuideParams struct {
	ToolPrefix string
	EnableGit  bool
}

// RenderRoleGuide renders the role guide for owner, admin or worker.
func RenderRoleGuide(role string, p RoleGuideParams) (string, error) {
	name := "role_" + strings.ToLower(strings.TrimSpace(role)) + ".md.tmpl"
	var sb strings.Builder
	if err := taskTemplates.ExecuteTemplate(&sb, name, p); err != nil {
		return "", fmt.Errorf("render role guide %s: %w", role, err)
	}
	return sb.String(), nil
}
