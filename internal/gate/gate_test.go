package gate

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jaakkos/tmuxcrew/internal/config"
	"github.com/jaakkos/tmuxcrew/internal/domain"
)

func strictSettings() *config.Settings {
	return &config.Settings{
		QualityGateStrict:          true,
		QualityCheckMaxIterations:  3,
		QualityCheckSameIssueLimit: 2,
	}
}

func newChecker(t *testing.T) *Checker {
	t.Helper()
	return New(strictSettings(), nil)
}

func dashboardWith(tasks ...domain.Task) *domain.Dashboard {
	d := domain.NewDashboard("sess", "/tmp/p")
	d.Tasks = tasks
	return d
}

func completedTask(id, title, branch string) domain.Task {
	return domain.Task{ID: id, Title: title, Branch: branch, Status: domain.TaskCompleted}
}

func gitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.email", "test@example.com")
	gitRun(t, dir, "config", "user.name", "test")
	writeRepoFile(t, dir, "README.md", "hello\n")
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "initial")
	return dir
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func writeRepoFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func hasReason(r Result, substr string) bool {
	for _, reason := range r.Reasons {
		if strings.Contains(reason, substr) {
			return true
		}
	}
	return false
}

func TestGateDisabledPassesEverything(t *testing.T) {
	settings := strictSettings()
	settings.QualityGateStrict = false
	c := New(settings, nil)

	d := dashboardWith(domain.Task{ID: "t1", Title: "half done", Status: domain.TaskInProgress})
	result := c.Check(d, "")
	if !result.Passed() {
		t.Errorf("disabled gate must pass: %+v", result)
	}
}

func TestGateBlocksUnfinishedTasks(t *testing.T) {
	c := newChecker(t)
	d := dashboardWith(
		domain.Task{ID: "t1", Title: "work", Status: domain.TaskInProgress},
		domain.Task{ID: "t2", Title: "broken", Status: domain.TaskFailed},
		completedTask("t3", "qa smoke", ""),
	)
	result := c.Check(d, "")
	if result.Passed() {
		t.Fatal("unfinished tasks must block")
	}
	if !hasReason(result, "未完了タスク") || !hasReason(result, "失敗タスク") {
		t.Errorf("reasons = %v", result.Reasons)
	}
	if len(result.Suggestions) == 0 {
		t.Error("suggestions missing")
	}
	if result.QualityLimits.MaxIterations != 3 || result.QualityLimits.SameIssueLimit != 2 {
		t.Errorf("limits = %+v", result.QualityLimits)
	}
}

func TestGateRequiresQualityProof(t *testing.T) {
	c := newChecker(t)

	d := dashboardWith(completedTask("t1", "implement parser", ""))
	result := c.Check(d, "")
	if result.Passed() {
		t.Fatal("no quality proof must block")
	}
	if !hasReason(result, "品質確認タスク") {
		t.Errorf("reasons = %v", result.Reasons)
	}

	proofs := []domain.Task{
		completedTask("k1", "qa smoke", ""),
		completedTask("k2", "E2E 検証", ""),
		completedTask("k3", "品質チェック", ""),
	}
	for _, proof := range proofs {
		d := dashboardWith(completedTask("t1", "implement parser", ""), proof)
		if result := c.Check(d, ""); !result.Passed() {
			t.Errorf("proof %q should pass, got %v", proof.Title, result.Reasons)
		}
	}

	// Metadata overrides beat keyword matching.
	byKind := completedTask("k4", "verify output", "")
	byKind.Metadata = map[string]any{"task_kind": "test"}
	d = dashboardWith(completedTask("t1", "implement parser", ""), byKind)
	if result := c.Check(d, ""); !result.Passed() {
		t.Errorf("task_kind=test should qualify: %v", result.Reasons)
	}
}

func TestGateRequiresPlaywrightForUITasks(t *testing.T) {
	c := newChecker(t)

	ui := completedTask("t1", "フロント画面の表示修正", "")
	plainProof := completedTask("t2", "unit test suite", "")
	d := dashboardWith(ui, plainProof)
	result := c.Check(d, "")
	if result.Passed() {
		t.Fatal("UI work without playwright proof must block")
	}
	if !hasReason(result, "Playwright") {
		t.Errorf("reasons = %v", result.Reasons)
	}

	pwProof := completedTask("t3", "playwright e2e", "")
	d = dashboardWith(ui, plainProof, pwProof)
	if result := c.Check(d, ""); !result.Passed() {
		t.Errorf("playwright proof should pass: %v", result.Reasons)
	}

	// requires_playwright metadata marks both the need and the proof.
	flagged := completedTask("t4", "screens", "")
	flagged.Metadata = map[string]any{"requires_playwright": true}
	d = dashboardWith(flagged)
	if result := c.Check(d, ""); !result.Passed() {
		t.Errorf("requires_playwright proof should pass: %v", result.Reasons)
	}
}

func TestBranchIntegrationMerged(t *testing.T) {
	repo := gitRepo(t)
	gitRun(t, repo, "checkout", "-b", "feature/impl")
	writeRepoFile(t, repo, "impl.go", "package impl\n")
	gitRun(t, repo, "add", ".")
	gitRun(t, repo, "commit", "-m", "impl")
	gitRun(t, repo, "checkout", "main")
	gitRun(t, repo, "merge", "feature/impl")

	c := newChecker(t)
	d := dashboardWith(
		completedTask("t1", "impl work", "feature/impl"),
		completedTask("t2", "qa smoke", ""),
	)
	result := c.Check(d, repo)
	if !result.Passed() {
		t.Fatalf("merged branch should pass: %+v", result)
	}
	if len(result.BranchIntegration) != 1 || result.BranchIntegration[0].Via != ViaMerged {
		t.Errorf("branch report = %+v", result.BranchIntegration)
	}
}

func TestBranchIntegrationDiffCovered(t *testing.T) {
	repo := gitRepo(t)
	gitRun(t, repo, "checkout", "-b", "feature/impl")
	writeRepoFile(t, repo, "impl.go", "package impl\n")
	gitRun(t, repo, "add", ".")
	gitRun(t, repo, "commit", "-m", "impl")
	gitRun(t, repo, "checkout", "main")
	// The same file staged in the working tree covers the branch's diff.
	writeRepoFile(t, repo, "impl.go", "package impl // local\n")
	gitRun(t, repo, "add", "impl.go")

	c := newChecker(t)
	d := dashboardWith(
		completedTask("t1", "impl work", "feature/impl"),
		completedTask("t2", "qa smoke", ""),
	)
	result := c.Check(d, repo)
	if !result.Passed() {
		t.Fatalf("diff-covered branch should pass: %+v", result)
	}
	if result.BranchIntegration[0].Via != ViaDiffCovered {
		t.Errorf("via = %s", result.BranchIntegration[0].Via)
	}
}

func TestBranchIntegrationCherryApplied(t *testing.T) {
	repo := gitRepo(t)
	gitRun(t, repo, "checkout", "-b", "feature/impl")
	writeRepoFile(t, repo, "impl.go", "package impl\n")
	gitRun(t, repo, "add", ".")
	gitRun(t, repo, "commit", "-m", "impl change")
	gitRun(t, repo, "checkout", "main")
	gitRun(t, repo, "cherry-pick", "feature/impl")

	c := newChecker(t)
	d := dashboardWith(
		completedTask("t1", "impl work", "feature/impl"),
		completedTask("t2", "qa smoke", ""),
	)
	result := c.Check(d, repo)
	if !result.Passed() {
		t.Fatalf("cherry-picked branch should pass: %+v", result)
	}
	via := result.BranchIntegration[0].Via
	if via != ViaAlreadyApplied && via != ViaMerged && via != ViaTreeEqual {
		t.Errorf("via = %s", via)
	}
}

func TestBranchIntegrationBlocksUnmerged(t *testing.T) {
	repo := gitRepo(t)
	gitRun(t, repo, "checkout", "-b", "feature/impl")
	writeRepoFile(t, repo, "impl.go", "package impl\n")
	gitRun(t, repo, "add", ".")
	gitRun(t, repo, "commit", "-m", "impl")
	gitRun(t, repo, "checkout", "main")

	c := newChecker(t)
	d := dashboardWith(
		completedTask("t1", "impl work", "feature/impl"),
		completedTask("t2", "qa smoke", ""),
	)
	result := c.Check(d, repo)
	if result.Passed() {
		t.Fatal("unmerged branch must block")
	}
	if !hasReason(result, "未統合の完了タスクブランチがあります: feature/impl") {
		t.Errorf("reasons = %v", result.Reasons)
	}
	report := result.BranchIntegration[0]
	if report.Integrated || len(report.MissingFiles) == 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestBranchIntegrationMissingBranch(t *testing.T) {
	repo := gitRepo(t)
	c := newChecker(t)
	d := dashboardWith(
		completedTask("t1", "impl work", "feature/ghost"),
		completedTask("t2", "qa smoke", ""),
	)
	result := c.Check(d, repo)
	if result.Passed() {
		t.Fatal("missing branch must block")
	}
	if result.BranchIntegration[0].Detail != "branch_not_found" {
		t.Errorf("detail = %q", result.BranchIntegration[0].Detail)
	}
}

func TestBranchOnHeadIsSkipped(t *testing.T) {
	repo := gitRepo(t)
	c := newChecker(t)
	d := dashboardWith(
		completedTask("t1", "on main", "main"),
		completedTask("t2", "qa smoke", ""),
	)
	result := c.Check(d, repo)
	if !result.Passed() {
		t.Fatalf("current-branch tasks need no integration: %+v", result)
	}
	if len(result.BranchIntegration) != 0 {
		t.Errorf("no reports expected: %+v", result.BranchIntegration)
	}
}

func TestNonRepoSkipsBranchChecks(t *testing.T) {
	c := newChecker(t)
	d := dashboardWith(
		completedTask("t1", "impl", "feature/impl"),
		completedTask("t2", "qa smoke", ""),
	)
	result := c.Check(d, t.TempDir())
	if !result.Passed() {
		t.Errorf("non-repo dir should skip integration checks: %+v", result)
	}
}
