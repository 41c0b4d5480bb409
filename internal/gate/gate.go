// Package gate validates Admin→Owner completion claims. The checker runs
// only for admin-to-owner task_complete messages; when it fails, the message
// is suppressed and the caller is told to replan.
package gate

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/jaakkos/tmuxcrew/internal/config"
	"github.com/jaakkos/tmuxcrew/internal/domain"
	"github.com/jaakkos/tmuxcrew/internal/gitutil"
)

// Gate statuses surfaced to the caller.
const (
	StatusOK          = "ok"
	StatusNeedsReplan = "needs_replan"
)

// NextActionReplan is attached to failed send_message responses.
const NextActionReplan = "replan_and_reassign"

// Integration methods, in the order they are tried.
const (
	ViaMerged         = "merged"
	ViaDiffCovered    = "diff_covered"
	ViaTreeEqual      = "tree_equal"
	ViaAlreadyApplied = "already_applied"
)

// qualityKeywords classify a task as a quality proof when found in its
// title, description or requested description.
var qualityKeywords = []string{
	"qa", "quality", "test", "e2e", "検証", "テスト", "品質", "playwright",
}

// uiKeywords flag a task as UI-related, which raises the bar to a
// Playwright-backed proof.
var uiKeywords = []string{
	"ui", "frontend", "画面", "表示", "フロント", "browser",
}

const maxMissingFileSamples = 3

// QualityLimits echoes the configured iteration bounds so the Admin can
// plan the rework loop.
type QualityLimits struct {
	MaxIterations  int `json:"max_iterations"`
	SameIssueLimit int `json:"same_issue_limit"`
}

// BranchReport records the integration check for one completed task branch.
type BranchReport struct {
	TaskID       string   `json:"task_id"`
	Branch       string   `json:"branch"`
	Integrated   bool     `json:"integrated"`
	Via          string   `json:"via,omitempty"`
	Detail       string   `json:"detail,omitempty"`
	MissingFiles []string `json:"missing_files,omitempty"`
}

// Result is the gate verdict attached to the send_message response.
type Result struct {
	Status            string         `json:"status"`
	Reasons           []string       `json:"reasons,omitempty"`
	Suggestions       []string       `json:"suggestions,omitempty"`
	QualityLimits     QualityLimits  `json:"quality_limits"`
	BranchIntegration []BranchReport `json:"branch_integration,omitempty"`
}

// Passed reports whether the completion message may go through.
func (r *Result) Passed() bool { return r.Status == StatusOK }

// Checker evaluates the completion gate against a dashboard snapshot and
// the project repository.
type Checker struct {
	settings *config.Settings
	logger   *log.Logger
}

// New builds a checker. A nil settings disables strict mode.
func New(settings *config.Settings, logger *log.Logger) *Checker {
	return &Checker{settings: settings, logger: logger}
}

func (c *Checker) limits() QualityLimits {
	if c.settings == nil {
		return QualityLimits{}
	}
	return QualityLimits{
		MaxIterations:  c.settings.QualityCheckMaxIterations,
		SameIssueLimit: c.settings.QualityCheckSameIssueLimit,
	}
}

// Check runs the full gate. repoDir is the project root used for the
// branch-integration git queries; an empty or non-repo dir skips them.
func (c *Checker) Check(d *domain.Dashboard, repoDir string) Result {
	result := Result{Status: StatusOK, QualityLimits: c.limits()}
	if c.settings != nil && !c.settings.QualityGateStrict {
		return result
	}

	pending, inProgress, failed := 0, 0, 0
	var completed []*domain.Task
	for i := range d.Tasks {
		t := &d.Tasks[i]
		switch t.Status {
		case domain.TaskPending:
			pending++
		case domain.TaskInProgress:
			inProgress++
		case domain.TaskFailed:
			failed++
		case domain.TaskCompleted:
			completed = append(completed, t)
		}
	}
	if pending > 0 || inProgress > 0 {
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("未完了タスクが残っています: pending=%d, in_progress=%d", pending, inProgress))
		result.Suggestions = append(result.Suggestions,
			"残タスクを完了させるか、不要なら cancelled に更新してください")
	}
	if failed > 0 {
		result.Reasons = append(result.Reasons,
			fmt.Sprintf("失敗タスクが残っています: failed=%d", failed))
		result.Suggestions = append(result.Suggestions,
			"失敗タスクを reopen_task で再開して修正するか、cancelled にしてください")
	}

	hasProof := false
	needsPlaywright := false
	hasPlaywrightProof := false
	for i := range d.Tasks {
		if isUIRelated(&d.Tasks[i]) {
			needsPlaywright = true
			break
		}
	}
	for _, t := range completed {
		if !isQualityProof(t) {
			continue
		}
		hasProof = true
		if isPlaywrightProof(t) {
			hasPlaywrightProof = true
		}
	}
	if !hasProof {
		result.Reasons = append(result.Reasons,
			"品質確認タスク（テスト/QA/検証）の完了実績がありません")
		result.Suggestions = append(result.Suggestions,
			"テスト・検証タスクを作成して完了させてから再度報告してください")
	}
	if needsPlaywright && !hasPlaywrightProof {
		result.Reasons = append(result.Reasons,
			"UI関連タスクがありますが、Playwright による検証完了実績がありません")
		result.Suggestions = append(result.Suggestions,
			"Playwright を使った E2E 検証タスクを完了させてください")
	}

	reports, unintegrated := c.checkBranchIntegration(completed, repoDir)
	result.BranchIntegration = reports
	if len(unintegrated) > 0 {
		result.Reasons = append(result.Reasons,
			"未統合の完了タスクブランチがあります: "+strings.Join(unintegrated, ", "))
		result.Suggestions = append(result.Suggestions,
			"merge_completed_tasks で完了タスクのブランチを統合してください")
	}

	if len(result.Reasons) > 0 {
		result.Status = StatusNeedsReplan
	}
	if c.logger != nil && result.Status != StatusOK {
		c.logger.Printf("gate: needs_replan (%d reasons)", len(result.Reasons))
	}
	return result
}

// checkBranchIntegration verifies that every completed task branch reached
// HEAD by one of: merge ancestry, working-tree diff coverage, tree
// equality, or git cherry reporting all commits applied.
func (c *Checker) checkBranchIntegration(completed []*domain.Task, repoDir string) ([]BranchReport, []string) {
	if repoDir == "" || !gitutil.IsRepo(repoDir) {
		return nil, nil
	}
	head, err := gitutil.CurrentBranch(repoDir)
	if err != nil {
		if c.logger != nil {
			c.logger.Printf("gate: current branch lookup failed: %v", err)
		}
		return nil, nil
	}

	var reports []BranchReport
	var unintegrated []string
	seen := map[string]bool{}
	for _, t := range completed {
		branch := t.Branch
		if branch == "" || branch == head || seen[branch] {
			continue
		}
		seen[branch] = true
		report := c.checkBranch(repoDir, head, branch)
		report.TaskID = t.ID
		reports = append(reports, report)
		if !report.Integrated {
			unintegrated = append(unintegrated, branch)
		}
	}
	sort.Strings(unintegrated)
	return reports, unintegrated
}

func (c *Checker) checkBranch(repoDir, head, branch string) BranchReport {
	report := BranchReport{Branch: branch}
	if !gitutil.BranchExists(repoDir, branch) {
		report.Detail = "branch_not_found"
		return report
	}

	merged, err := gitutil.IsAncestor(repoDir, branch, "HEAD")
	if err != nil {
		report.Detail = err.Error()
		return report
	}
	if merged {
		report.Integrated = true
		report.Via = ViaMerged
		return report
	}

	changed, err := gitutil.DiffNameOnly(repoDir, false, "HEAD..."+branch)
	if err != nil {
		report.Detail = err.Error()
		return report
	}
	working, err := gitutil.WorkingTreeFiles(repoDir)
	if err != nil {
		report.Detail = err.Error()
		return report
	}
	var missing []string
	for _, f := range changed {
		if !working[f] {
			missing = append(missing, f)
		}
	}
	if len(changed) > 0 && len(missing) == 0 {
		report.Integrated = true
		report.Via = ViaDiffCovered
		return report
	}

	equal, err := gitutil.TreesEqual(repoDir, branch, "HEAD")
	if err != nil {
		report.Detail = err.Error()
		return report
	}
	if equal {
		report.Integrated = true
		report.Via = ViaTreeEqual
		return report
	}

	applied, err := gitutil.CherryAllApplied(repoDir, "HEAD", branch)
	if err != nil {
		report.Detail = err.Error()
		return report
	}
	if applied {
		report.Integrated = true
		report.Via = ViaAlreadyApplied
		return report
	}

	if len(missing) > maxMissingFileSamples {
		missing = missing[:maxMissingFileSamples]
	}
	report.MissingFiles = missing
	return report
}

// taskText gathers the searchable text of a task, lowercased.
func taskText(t *domain.Task) string {
	parts := []string{t.Title, t.Description}
	if t.Metadata != nil {
		if desc, ok := t.Metadata["requested_description"].(string); ok {
			parts = append(parts, desc)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func metadataBool(t *domain.Task, key string) bool {
	if t.Metadata == nil {
		return false
	}
	v, ok := t.Metadata[key].(bool)
	return ok && v
}

func metadataString(t *domain.Task, key string) string {
	if t.Metadata == nil {
		return ""
	}
	v, _ := t.Metadata[key].(string)
	return v
}

// isQualityProof classifies a task as test/QA evidence. Metadata overrides
// win over keyword matching.
func isQualityProof(t *domain.Task) bool {
	if metadataString(t, "task_kind") == "test" || metadataBool(t, "requires_playwright") {
		return true
	}
	return containsAny(taskText(t), qualityKeywords)
}

// isUIRelated flags tasks whose completion needs browser-level proof.
func isUIRelated(t *domain.Task) bool {
	if metadataBool(t, "requires_playwright") {
		return true
	}
	return containsAny(taskText(t), uiKeywords)
}

func isPlaywrightProof(t *domain.Task) bool {
	if metadataBool(t, "requires_playwright") {
		return true
	}
	return strings.Contains(taskText(t), "playwright")
}
