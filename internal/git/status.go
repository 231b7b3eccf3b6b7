package git

import (
	"bufio"
	"context"
	"strconv"
	"strings"
)

// StatusInfo is the result of a read-only status query.
type StatusInfo struct {
	Branch     string `json:"branch"` // empty when detached
	Detached   bool   `json:"detached"`
	Upstream   string `json:"upstream,omitempty"`
	Ahead      int    `json:"ahead"`
	Behind     int    `json:"behind"`
	Dirty      bool   `json:"dirty"`
	Conflicted bool   `json:"conflicted"`
}

// Status reads branch, ahead/behind versus upstream, and working-tree
// cleanliness in one porcelain v2 call. Never mutates the repository.
// Untracked files count as dirty.
func (CLI) Status(ctx context.Context, path string) (StatusInfo, error) {
	out, err := runRaw(ctx, path, "status", "--porcelain=v2", "--branch", "--untracked-files=normal")
	if err != nil {
		gitErr := classify("status", err)
		// Anything status cannot read is unreadable from the caller's view.
		if gitErr.Kind == KindUnknown {
			gitErr.Kind = KindRepositoryUnreadable
		}
		return StatusInfo{}, gitErr
	}
	return parseStatusV2(out), nil
}

// parseStatusV2 parses `git status --porcelain=v2 --branch` output.
func parseStatusV2(out string) StatusInfo {
	var info StatusInfo
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "# ") {
			info.Dirty = true
			if strings.HasPrefix(line, "u ") {
				info.Conflicted = true
			}
			continue
		}
		header := strings.TrimPrefix(line, "# ")
		switch {
		case strings.HasPrefix(header, "branch.head "):
			head := strings.TrimPrefix(header, "branch.head ")
			if head == "(detached)" {
				info.Detached = true
			} else {
				info.Branch = head
			}
		case strings.HasPrefix(header, "branch.upstream "):
			info.Upstream = strings.TrimPrefix(header, "branch.upstream ")
		case strings.HasPrefix(header, "branch.ab "):
			info.Ahead, info.Behind = parseAheadBehind(strings.TrimPrefix(header, "branch.ab "))
		}
	}
	return info
}

// parseAheadBehind parses "+2 -0".
func parseAheadBehind(field string) (int, int) {
	parts := strings.Fields(field)
	if len(parts) != 2 {
		return 0, 0
	}
	ahead, err := strconv.Atoi(strings.TrimPrefix(parts[0], "+"))
	if err != nil {
		ahead = 0
	}
	behind, err := strconv.Atoi(strings.TrimPrefix(parts[1], "-"))
	if err != nil {
		behind = 0
	}
	return ahead, behind
}
