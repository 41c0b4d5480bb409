// Package gitutil holds the git subprocess queries shared by the quality
// gate, the worktree manager and the session lifecycle. All functions shell
// out to the git binary with the repository directory set explicitly.
package gitutil

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Run executes git with the given arguments in dir and returns trimmed
// combined output. Non-zero exits surface the output in the error.
func Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		return "", fmt.Errorf("git %s: %w\noutput: %s", args[0], err, trimmed)
	}
	return trimmed, nil
}

// IsRepo checks whether dir is inside a git work tree.
func IsRepo(dir string) bool {
	out, err := Run(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the checked-out branch name, or "HEAD" when
// detached.
func CurrentBranch(dir string) (string, error) {
	return Run(dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists checks for a local branch.
func BranchExists(dir, branch string) bool {
	_, err := Run(dir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// RevParse resolves a ref to its commit hash.
func RevParse(dir, ref string) (string, error) {
	return Run(dir, "rev-parse", ref)
}

// CommonDir returns the absolute git common directory. For a linked
// worktree this points inside the main repository's .git.
func CommonDir(dir string) (string, error) {
	out, err := Run(dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(dir, out)
	}
	return filepath.Clean(out), nil
}

// MainRepoRoot resolves the main repository's work tree from any linked
// worktree or subdirectory.
func MainRepoRoot(dir string) (string, error) {
	common, err := CommonDir(dir)
	if err != nil {
		return "", err
	}
	if filepath.Base(common) == ".git" {
		return filepath.Dir(common), nil
	}
	// Bare or unusual layout: fall back to the top level of this work tree.
	return Run(dir, "rev-parse", "--show-toplevel")
}

// IsAncestor reports whether ancestor is reachable from descendant.
func IsAncestor(dir, ancestor, descendant string) (bool, error) {
	cmd := exec.Command("git", "merge-base", "--is-ancestor", ancestor, descendant)
	cmd.Dir = dir
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git merge-base --is-ancestor: %w", err)
}

// DiffNameOnly lists files differing between two refs. With empty refs it
// lists unstaged working-tree changes; staged=true adds --cached.
func DiffNameOnly(dir string, staged bool, refs ...string) ([]string, error) {
	args := []string{"diff", "--name-only"}
	if staged {
		args = append(args, "--cached")
	}
	args = append(args, refs...)
	out, err := Run(dir, args...)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// WorkingTreeFiles returns the union of staged and unstaged changed files.
func WorkingTreeFiles(dir string) (map[string]bool, error) {
	files := make(map[string]bool)
	unstaged, err := DiffNameOnly(dir, false)
	if err != nil {
		return nil, err
	}
	staged, err := DiffNameOnly(dir, true)
	if err != nil {
		return nil, err
	}
	for _, f := range unstaged {
		files[f] = true
	}
	for _, f := range staged {
		files[f] = true
	}
	return files, nil
}

// TreesEqual reports whether two refs resolve to identical trees.
func TreesEqual(dir, a, b string) (bool, error) {
	treeA, err := RevParse(dir, a+"^{tree}")
	if err != nil {
		return false, err
	}
	treeB, err := RevParse(dir, b+"^{tree}")
	if err != nil {
		return false, err
	}
	return treeA == treeB, nil
}

// CherryAllApplied reports whether every commit on branch is already
// contained in upstream, per git cherry. An empty cherry output (no
// commits to compare) counts as applied.
func CherryAllApplied(dir, upstream, branch string) (bool, error) {
	out, err := Run(dir, "cherry", upstream, branch)
	if err != nil {
		return false, err
	}
	if out == "" {
		return true, nil
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "+") {
			return false, nil
		}
	}
	return true, nil
}

// Checkout switches the work tree to a branch.
func Checkout(dir, branch string) error {
	_, err := Run(dir, "checkout", branch)
	return err
}

// MergeMode selects the merge strategy for integrating a branch.
type MergeMode string

const (
	MergeDefault MergeMode = ""
	MergeNoFF    MergeMode = "no-ff"
	MergeSquash  MergeMode = "squash"
)

// Merge integrates branch into the current HEAD.
func Merge(dir, branch string, mode MergeMode) (string, error) {
	args := []string{"merge"}
	switch mode {
	case MergeNoFF:
		args = append(args, "--no-ff")
	case MergeSquash:
		args = append(args, "--squash")
	}
	args = append(args, branch)
	return Run(dir, args...)
}

// DeleteBranch force-deletes a local branch.
func DeleteBranch(dir, branch string) error {
	_, err := Run(dir, "branch", "-D", branch)
	return err
}
