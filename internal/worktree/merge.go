package worktree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jaakkos/tmuxcrew/internal/gitutil"
)

// Merge strategies accepted by MergeCompletedTasks.
const (
	StrategyMerge  = "merge"
	StrategySquash = "squash"
	StrategyRebase = "rebase"
)

// BranchError pairs a branch with the git output that failed it.
type BranchError struct {
	Branch string `json:"branch"`
	Error  string `json:"error"`
}

// MergeResult reports a preview-merge pass. The branches' changes are left
// in the working tree uncommitted; BaseHead is the commit to reset against.
type MergeResult struct {
	Success            bool          `json:"success"`
	RepoPath           string        `json:"repo_path"`
	BaseBranch         string        `json:"base_branch"`
	Strategy           string        `json:"strategy"`
	StrategyWarning    string        `json:"strategy_warning,omitempty"`
	PreviewMerge       bool          `json:"preview_merge"`
	WorkingTreeUpdated bool          `json:"working_tree_updated"`
	BaseHead           string        `json:"base_head,omitempty"`
	Merged             []string      `json:"merged"`
	AlreadyMerged      []string      `json:"already_merged"`
	Failed             []BranchError `json:"failed"`
	Conflicts          []BranchError `json:"conflicts"`
	Message            string        `json:"message,omitempty"`
	Error              string        `json:"error,omitempty"`
}

// MergeCompletedTasks integrates the given task branches into baseBranch as
// an uncommitted preview: each branch is merged with a temporary commit,
// then everything is reset --mixed back to the base head so the combined
// diff sits in the working tree for review.
func (m *Manager) MergeCompletedTasks(baseBranch, strategy string, branches []string) MergeResult {
	result := MergeResult{
		RepoPath:      m.repo,
		BaseBranch:    baseBranch,
		Strategy:      strategy,
		PreviewMerge:  true,
		Merged:        []string{},
		AlreadyMerged: []string{},
		Failed:        []BranchError{},
		Conflicts:     []BranchError{},
	}

	switch strategy {
	case StrategyMerge, StrategySquash:
	case StrategyRebase:
		// Rebase cannot produce a no-commit preview; fall back to merge.
		result.StrategyWarning = "strategy=rebase は no-commit プレビューでは非対応のため merge 相当で適用しました。"
	default:
		result.Error = "strategy は merge / squash / rebase のいずれかを指定してください"
		return result
	}
	effective := strategy
	if strategy == StrategyRebase {
		effective = StrategyMerge
	}

	if out, err := gitutil.Run(m.repo, "status", "--porcelain"); err != nil {
		result.Error = err.Error()
		return result
	} else if out != "" {
		result.Error = "作業ツリーがクリーンではありません。merge_completed_tasks 実行前に変更を退避またはコミットしてください。"
		return result
	}

	if !gitutil.BranchExists(m.repo, baseBranch) {
		result.Error = fmt.Sprintf("base ブランチが存在しません: %s", baseBranch)
		return result
	}
	if err := gitutil.Checkout(m.repo, baseBranch); err != nil {
		result.Error = fmt.Sprintf("base ブランチへの checkout に失敗しました: %v", err)
		return result
	}
	baseHead, err := gitutil.RevParse(m.repo, "HEAD")
	if err != nil {
		result.Error = fmt.Sprintf("HEAD 取得に失敗しました: %v", err)
		return result
	}
	result.BaseHead = baseHead

	unique := map[string]bool{}
	for _, b := range branches {
		if b != "" {
			unique[b] = true
		}
	}
	ordered := make([]string, 0, len(unique))
	for b := range unique {
		ordered = append(ordered, b)
	}
	sort.Strings(ordered)

	tempCommits := 0
	for _, branch := range ordered {
		if !gitutil.BranchExists(m.repo, branch) {
			result.Failed = append(result.Failed, BranchError{Branch: branch, Error: "branch_not_found"})
			continue
		}
		merged, err := gitutil.IsAncestor(m.repo, branch, baseBranch)
		if err == nil && merged {
			result.AlreadyMerged = append(result.AlreadyMerged, branch)
			continue
		}

		if effective == StrategyMerge {
			_, err = gitutil.Run(m.repo, "merge", "--no-ff", "--no-commit", branch)
		} else {
			_, err = gitutil.Run(m.repo, "merge", "--squash", branch)
		}
		if err != nil {
			detail := err.Error()
			if strings.Contains(strings.ToLower(detail), "conflict") {
				result.Conflicts = append(result.Conflicts, BranchError{Branch: branch, Error: detail})
				_, _ = gitutil.Run(m.repo, "merge", "--abort")
			} else {
				result.Failed = append(result.Failed, BranchError{Branch: branch, Error: detail})
			}
			continue
		}

		if _, err := gitutil.Run(m.repo, "commit", "--no-verify", "-m", "tmp merge preview: "+branch); err != nil {
			result.Failed = append(result.Failed, BranchError{Branch: branch, Error: err.Error()})
			_, _ = gitutil.Run(m.repo, "merge", "--abort")
			continue
		}
		tempCommits++
		result.Merged = append(result.Merged, branch)
	}

	if tempCommits > 0 {
		result.WorkingTreeUpdated = true
		if _, err := gitutil.Run(m.repo, "reset", "--mixed", baseHead); err != nil {
			result.Error = fmt.Sprintf("プレビュー差分化の reset に失敗しました: %v", err)
			return result
		}
	}

	result.Success = len(result.Failed) == 0 && len(result.Conflicts) == 0
	result.Message = fmt.Sprintf(
		"統合ブランチへコミットなしで差分を展開しました。 適用済み=%d, 既に統合済み=%d, 失敗=%d",
		len(result.Merged), len(result.AlreadyMerged), len(result.Failed))
	return result
}
