package git

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failed git primitive so callers can decide between
// surfacing, retrying, or asking the user to act.
type ErrorKind string

const (
	KindRepositoryUnreadable ErrorKind = "RepositoryUnreadable"
	KindNetwork              ErrorKind = "NetworkError"
	KindAuth                 ErrorKind = "AuthError"
	KindMergeConflict        ErrorKind = "MergeConflict"
	KindNonFastForward       ErrorKind = "NonFastForward"
	KindDirtyWorkingTree     ErrorKind = "DirtyWorkingTree"
	KindBranchNotFound       ErrorKind = "BranchNotFound"
	KindUnknown              ErrorKind = "Unknown"
)

// Retryable reports whether an automatic retry may succeed without user action.
func (k ErrorKind) Retryable() bool {
	return k == KindNetwork
}

// Error is the typed failure returned by every primitive in this package.
type Error struct {
	Kind   ErrorKind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("git %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("git %s: %s: %s", e.Op, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from err. Non-git errors map to KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var gitErr *Error
	if errors.As(err, &gitErr) {
		return gitErr.Kind
	}
	return KindUnknown
}

// AsError converts any error into *Error, keeping an existing classification.
func AsError(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var gitErr *Error
	if errors.As(err, &gitErr) {
		return gitErr
	}
	return &Error{Kind: KindUnknown, Op: op, Detail: err.Error(), Err: err}
}

// stderrPattern maps a lower-cased stderr fragment to an error kind.
// Order matters: auth failures and a missing or misconfigured remote also
// print "could not read from remote repository", so both are checked before
// the network patterns. A misconfigured remote is KindUnknown: retrying it
// with backoff cannot help.
type stderrPattern struct {
	fragment string
	kind     ErrorKind
}

var stderrPatterns = []stderrPattern{
	{"not a git repository", KindRepositoryUnreadable},
	{"does not appear to be a git repository", KindUnknown},
	{"no such remote", KindUnknown},
	{"authentication failed", KindAuth},
	{"permission denied (publickey", KindAuth},
	{"could not read username", KindAuth},
	{"could not read password", KindAuth},
	{"terminal prompts disabled", KindAuth},
	{"invalid username or password", KindAuth},
	{"host key verification failed", KindAuth},
	{"the requested url returned error: 403", KindAuth},
	{"the requested url returned error: 401", KindAuth},
	{"would be overwritten by checkout", KindDirtyWorkingTree},
	{"would be overwritten by merge", KindDirtyWorkingTree},
	{"your local changes to the following files would be overwritten", KindDirtyWorkingTree},
	{"please commit your changes or stash them", KindDirtyWorkingTree},
	{"conflict", KindMergeConflict},
	{"automatic merge failed", KindMergeConflict},
	{"not possible to fast-forward", KindMergeConflict},
	{"need to specify how to reconcile divergent branches", KindMergeConflict},
	{"you have unmerged paths", KindMergeConflict},
	{"non-fast-forward", KindNonFastForward},
	{"[rejected]", KindNonFastForward},
	{"updates were rejected", KindNonFastForward},
	{"fetch first", KindNonFastForward},
	{"did not match any file(s) known to git", KindBranchNotFound},
	{"invalid reference", KindBranchNotFound},
	{"couldn't find remote ref", KindBranchNotFound},
	{"could not resolve host", KindNetwork},
	{"connection refused", KindNetwork},
	{"connection timed out", KindNetwork},
	{"connection closed", KindNetwork},
	{"connection reset", KindNetwork},
	{"operation timed out", KindNetwork},
	{"network is unreachable", KindNetwork},
	{"unable to access", KindNetwork},
	{"the remote end hung up unexpectedly", KindNetwork},
	{"early eof", KindNetwork},
	{"could not read from remote repository", KindNetwork},
}

// classify maps a failed command to a typed Error based on stderr text.
// Commands run with LC_ALL=C so the matched messages are stable.
func classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var gitErr *Error
	if errors.As(err, &gitErr) {
		return gitErr
	}
	detail := err.Error()
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		detail = cmdErr.detail()
	}
	lower := strings.ToLower(detail)
	for _, p := range stderrPatterns {
		if strings.Contains(lower, p.fragment) {
			return &Error{Kind: p.kind, Op: op, Detail: detail, Err: err}
		}
	}
	return &Error{Kind: KindUnknown, Op: op, Detail: detail, Err: err}
}
