package git

// CLI implements the git capability provider on top of the system git binary.
// All operations use the git CLI (no embedded git library) so that the
// user's own credential helpers, hooks, and config apply unchanged.
type CLI struct{}

// MetadataDir is the directory (or gitfile, for worktrees and submodules)
// whose presence marks a repository root.
const MetadataDir = ".git"
