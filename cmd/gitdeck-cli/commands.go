package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"gitdeck/internal/config"
	"gitdeck/internal/coordinator"
	"gitdeck/internal/events"
	"gitdeck/internal/gitops"
	"gitdeck/internal/scanner"
	"gitdeck/internal/workspace"
)

func newScanCmd(opts *rootOptions) *cobra.Command {
	var addTo string
	cmd := &cobra.Command{
		Use:   "scan <path>...",
		Short: "Find git repositories below the given folders",
		Long: `Walk each path and list the repositories found, keeping the folder
structure. With --add the result is merged into the named workspace of the
saved tree (created if missing); repositories already in the tree are skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := opts.resolvedConfigPath()
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config %s: %w", configPath, err)
			}
			scanOpts := scanner.DefaultOptions()
			scanOpts.MaxDepth = cfg.Scan.MaxDepth
			scanOpts.SkipHidden = cfg.Scan.SkipHidden
			scanOpts.SkipNames = cfg.Scan.SkipNames

			res, err := scanner.Scan(cmd.Context(), args, scanOpts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			renderFragments(out, res.Fragments)
			for _, se := range res.Errors {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %v\n", se.Path, se.Err)
			}
			fmt.Fprintf(out, "%d repositories found\n", res.RepositoryCount())

			if addTo == "" || len(res.Fragments) == 0 {
				return nil
			}
			merged, err := addToWorkspace(config.WorkspacesPath(configPath, cfg), addTo, res.Fragments)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "added %d to %s, %d already present\n", len(merged.Added), addTo, len(merged.Skipped))
			return nil
		},
	}
	cmd.Flags().StringVar(&addTo, "add", "", "merge the result into this workspace")
	return cmd
}

// addToWorkspace merges fragments into the workspace named name in the
// saved tree and writes the tree back.
func addToWorkspace(path, name string, fragments []workspace.Fragment) (workspace.MergeResult, error) {
	snap, err := config.LoadWorkspaces(path)
	if err != nil {
		return workspace.MergeResult{}, fmt.Errorf("load workspaces %s: %w", path, err)
	}
	tree := workspace.NewTree()
	if err := tree.Restore(snap); err != nil {
		return workspace.MergeResult{}, err
	}
	var target string
	for _, root := range tree.Roots() {
		if root.Name == name {
			target = root.ID
			break
		}
	}
	if target == "" {
		if target, err = tree.CreateWorkspace(name); err != nil {
			return workspace.MergeResult{}, err
		}
	}
	merged, err := tree.InsertMerge(target, fragments...)
	if err != nil {
		return merged, err
	}
	return merged, config.SaveWorkspaces(path, tree.Snapshot())
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [node]",
		Short: "Refresh and print the status of saved repositories",
		Long: `Read the status of every repository below node (a workspace, folder, or
repository), or of the whole saved tree. Nothing is modified.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts.resolvedConfigPath())
			if err != nil {
				return err
			}
			defer s.close()

			repos, err := s.repositoriesUnder(firstArg(args))
			if err != nil {
				return err
			}
			ids := nodeIDs(repos)
			if err := s.coord.RefreshAll(ids); err != nil {
				return err
			}
			s.coord.Wait()

			rows := make([]statusRow, 0, len(repos))
			for _, n := range repos {
				rows = append(rows, statusRow{name: n.Name, status: s.cache.Get(n.ID)})
			}
			renderStatus(cmd.OutOrStdout(), rows)
			return nil
		},
	}
}

func newFetchAllCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-all [node]",
		Short: "Fetch every repository below node",
		Long: `Fetch every repository below node, or in the whole saved tree, with the
configured stagger between starts. Unreachable remotes are retried.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), opts.resolvedConfigPath())
			if err != nil {
				return err
			}
			defer s.close()

			repos, err := s.repositoriesUnder(firstArg(args))
			if err != nil {
				return err
			}
			ids := nodeIDs(repos)
			if err := s.coord.SubmitAll(gitops.OpFetch, ids, s.cfg.Operations.FetchAllStagger); err != nil {
				return err
			}
			s.coord.Wait()
			return s.report(cmd, repos)
		},
	}
}

func newPullCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pull <repository>...",
		Short: "Pull the current branch of each repository",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnRepositories(cmd, opts, gitops.OpPull, args, coordinator.Request{})
		},
	}
}

func newPushCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push <repository>...",
		Short: "Push the current branch of each repository to its upstream",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnRepositories(cmd, opts, gitops.OpPush, args, coordinator.Request{})
		},
	}
}

func newCheckoutCmd(opts *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "checkout <repository> <branch>",
		Short: "Switch a repository to another branch",
		Long: `Switch repository to branch. A remote-only branch is checked out as a new
tracking branch. Uncommitted changes make the checkout fail unless --force
is given, in which case they are discarded.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnRepositories(cmd, opts, gitops.OpCheckout, args[:1], coordinator.Request{
				Branch: args[1],
				Force:  force,
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "discard local changes")
	return cmd
}

func runOnRepositories(cmd *cobra.Command, opts *rootOptions, kind gitops.OpKind, args []string, req coordinator.Request) error {
	s, err := openSession(cmd.Context(), opts.resolvedConfigPath())
	if err != nil {
		return err
	}
	defer s.close()

	var ids []string
	for _, arg := range args {
		id, err := s.repository(arg)
		if err != nil {
			return err
		}
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	s.run(kind, ids, req)
	repos := make([]workspace.Node, 0, len(ids))
	for _, id := range ids {
		n, err := s.tree.Get(id)
		if err != nil {
			return err
		}
		repos = append(repos, n)
	}
	return s.report(cmd, repos)
}

// report prints the outcome of the last operation on each repository and
// fails when any of them failed or was rejected.
func (s *session) report(cmd *cobra.Command, repos []workspace.Node) error {
	names := make(map[string]string, len(repos))
	var outcomes []events.OperationCompleted
	failed := 0
	for _, n := range repos {
		names[n.ID] = n.Name
		if out, ok := s.outcome(n.ID); ok {
			outcomes = append(outcomes, out)
			if !out.OK {
				failed++
			}
		}
	}
	s.mu.Lock()
	rejected := slices.Clone(s.rejected)
	s.mu.Unlock()
	failed += len(rejected)

	renderOutcomes(cmd.OutOrStdout(), names, outcomes, rejected)
	if failed > 0 {
		return fmt.Errorf("%d of %d operations failed", failed, len(repos))
	}
	return nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return strings.TrimSpace(args[0])
}

func nodeIDs(nodes []workspace.Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
