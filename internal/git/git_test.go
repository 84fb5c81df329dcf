package git

import (
	"strings"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name   string
		errMsg string
		want   bool
	}{
		{
			name:   "index lock contention",
			errMsg: "fatal: Unable to create '/repo/.git/index.lock': File exists.",
			want:   true,
		},
		{
			name:   "ref lock",
			errMsg: "error: cannot lock ref 'refs/heads/main'",
			want:   true,
		},
		{
			name:   "merge conflict is not transient",
			errMsg: "CONFLICT (content): Merge conflict in README.md",
			want:   false,
		},
		{
			name:   "empty message",
			errMsg: "",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.errMsg); got != tt.want {
				t.Errorf("isTransient(%q) = %v, want %v", tt.errMsg, got, tt.want)
			}
		})
	}
}

func TestWorkerBranch(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)
	branch := WorkerBranch("BUG-42", now)
	if branch != "llp/BUG-42-20260501-123000" {
		t.Errorf("unexpected branch name %q", branch)
	}
}

func TestWorktreePathFlattensBranch(t *testing.T) {
	path := WorktreePath("/repo", "llp/BUG-42-20260501-123000")
	if strings.Contains(path[len("/repo"):], "llp/") {
		t.Errorf("worktree path %q should not contain branch slashes", path)
	}
	if !strings.HasPrefix(path, "/repo/.ll/worktrees/") {
		t.Errorf("worktree path %q not under .ll/worktrees", path)
	}
}
