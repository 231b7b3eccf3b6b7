package git

import (
	"fmt"
	"regexp"
	"strings"
)

// branchNameRegex validates git branch names.
// Allowed characters: alphanumeric, dots, underscores, hyphens, and slashes.
var branchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)

// remoteNameRegex is stricter than branch names: remotes never contain slashes.
var remoteNameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// IsValidBranchName checks if the given branch name is safe to pass to git.
func IsValidBranchName(name string) bool {
	if name == "" {
		return false
	}
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") {
		return false
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") {
		return false
	}
	// Reject raw ".." sequences directly so names like "a/../b" are blocked.
	if strings.Contains(name, "..") || strings.Contains(name, "//") {
		return false
	}
	if strings.HasSuffix(name, ".lock") {
		return false
	}
	return branchNameRegex.MatchString(name)
}

// ValidateBranchName validates that a branch name is safe for git commands.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if !IsValidBranchName(name) {
		return fmt.Errorf("invalid branch name: %s (must contain only alphanumeric characters, dots, underscores, hyphens, and slashes; cannot start with '.', '-', or '/')", name)
	}
	return nil
}

// ValidateRemoteName validates a remote name. Empty means "git's default".
func ValidateRemoteName(name string) error {
	if name == "" {
		return nil
	}
	if strings.HasPrefix(name, "-") || !remoteNameRegex.MatchString(name) {
		return fmt.Errorf("invalid remote name: %s", name)
	}
	return nil
}
