package testutil

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// SkipIfNoGit skips the test if git is not available.
func SkipIfNoGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping")
	}
}

// ResolvePath resolves symlinks (and Windows 8.3 short names) so that paths
// match git's output, which always reports long canonical paths.
// Returns the original path if resolution fails.
func ResolvePath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		slog.Debug("[DEBUG-TEST] EvalSymlinks failed, using original path",
			"path", path, "error", err)
		return path
	}
	return resolved
}

// RunGit runs git in dir and fails the test on error. Returns trimmed stdout.
func RunGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed in %s: %v\n%s", args, dir, err, out)
	}
	return strings.TrimSpace(string(out))
}

// WriteFile writes content to dir/name, creating parent directories.
func WriteFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// InitRepo turns dir into a git repository on branch "main" with a test
// identity and one initial commit.
func InitRepo(t *testing.T, dir string) {
	t.Helper()
	SkipIfNoGit(t)
	RunGit(t, dir, "init")
	// symbolic-ref works on git versions that predate init.defaultBranch.
	RunGit(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	RunGit(t, dir, "config", "user.email", "test@test.com")
	RunGit(t, dir, "config", "user.name", "Test")
	RunGit(t, dir, "config", "commit.gpgsign", "false")
	WriteFile(t, dir, "README.md", "# test")
	RunGit(t, dir, "add", ".")
	RunGit(t, dir, "commit", "-m", "initial")
}

// CreateTempGitRepo creates a temporary git repository for testing.
// The returned path has symlinks resolved.
func CreateTempGitRepo(t *testing.T) string {
	t.Helper()
	SkipIfNoGit(t)

	dir := ResolvePath(t.TempDir())
	InitRepo(t, dir)
	return dir
}

// CommitFile writes name and commits it with message.
func CommitFile(t *testing.T, dir, name, content, message string) {
	t.Helper()
	WriteFile(t, dir, name, content)
	RunGit(t, dir, "add", name)
	RunGit(t, dir, "commit", "-m", message)
}

// CreateBareAndClone creates a bare remote and a clone with upstream tracking
// on "main" already pushed.
func CreateBareAndClone(t *testing.T) (bareDir, cloneDir string) {
	t.Helper()
	SkipIfNoGit(t)

	bareDir = ResolvePath(t.TempDir())
	RunGit(t, bareDir, "init", "--bare")
	RunGit(t, bareDir, "symbolic-ref", "HEAD", "refs/heads/main")

	cloneDir = ResolvePath(t.TempDir())
	InitRepo(t, cloneDir)
	RunGit(t, cloneDir, "remote", "add", "origin", bareDir)
	RunGit(t, cloneDir, "push", "-u", "origin", "main")
	return bareDir, cloneDir
}

// CloneInto clones remote into a fresh temp directory with a test identity.
func CloneInto(t *testing.T, remote string) string {
	t.Helper()
	dir := ResolvePath(t.TempDir())
	RunGit(t, dir, "clone", remote, ".")
	RunGit(t, dir, "config", "user.email", "test@test.com")
	RunGit(t, dir, "config", "user.name", "Test")
	RunGit(t, dir, "config", "commit.gpgsign", "false")
	return dir
}
