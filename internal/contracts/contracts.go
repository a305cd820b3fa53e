// Package contracts declares the narrow interfaces the core depends on for
// everything outside its own boundary: git worktree/diff mechanics, the
// pluggable coding-agent adapters, and dashboard realtime fanout. None of
// these ship an implementation here — they are the seams a deployment
// wires in, the same way the core's callers wire in a concrete Store.
package contracts

import "context"

// GitService is the git worktree/diff/PR boundary. No code in this module
// calls it or touches a git tree directly; a deployment's AdapterRegistry
// and review.Merger implementations are where it is used.
type GitService interface {
	CreateWorktree(ctx context.Context, repoID, branch string) (worktreePath string, err error)
	RemoveWorktree(ctx context.Context, worktreePath string) error
	Diff(ctx context.Context, worktreePath string) (string, error)
	Push(ctx context.Context, worktreePath, branch string) error
	OpenPR(ctx context.Context, repoID, branch, title, body string) (prURL string, err error)
}

// Usage reports the token accounting for a single adapter invocation, fed
// straight into ledger.RecordUsage by the caller.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	CacheRead    int64
	CacheWrite   int64
}

// AdapterRegistry runs a named coding-agent adapter (Claude/Codex/Aider
// subprocess) against a prompt in a prepared worktree.
type AdapterRegistry interface {
	Run(ctx context.Context, adapter, prompt, worktreePath, model string) (output string, usage Usage, err error)
}

// RealtimePublisher fans events out to the web dashboard's WebSocket
// connections. Distinct from pgnotify.Publisher: this is a best-effort UI
// push, not a commit-bound coordination primitive.
type RealtimePublisher interface {
	Publish(ctx context.Context, stream string, event any) error
}
