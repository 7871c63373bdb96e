// Command ledger is the CLI surface for the embedded document database
// (§10.4): branch/checkout/status/commit/log/merge over a storage root,
// grounded on cmd/thrum/main.go's cobra root-command-plus-global-flags
// shape from the teacher.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leonletto/ledgerdb/internal/dbconfig"
	"github.com/leonletto/ledgerdb/internal/dberr"
	"github.com/leonletto/ledgerdb/internal/eventlog"
	"github.com/leonletto/ledgerdb/internal/lock"
	"github.com/leonletto/ledgerdb/internal/merge"
	"github.com/leonletto/ledgerdb/internal/snapshot"
	"github.com/leonletto/ledgerdb/internal/storage"
	"github.com/leonletto/ledgerdb/internal/types"
	"github.com/leonletto/ledgerdb/internal/vcs"
)

var (
	// Build info (set via ldflags), mirroring the teacher's cmd/thrum pattern.
	version = "dev"

	flagRoot   string
	flagAuthor string
	flagJSON   bool
)

// exitError carries the §6 exit-code taxonomy (0 success, 1 user error,
// 2 conflict, 3 critical data-safety error) through cobra's plain error
// return without every RunE needing to call os.Exit directly.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func userError(err error) error     { return &exitError{code: 1, err: err} }
func conflictError(err error) error { return &exitError{code: 2, err: err} }
func criticalError(err error) error { return &exitError{code: 3, err: err} }

// exitCodeFor classifies err per the dberr.Kind taxonomy when the caller
// didn't already wrap it in an exitError (e.g. errors surfacing straight
// out of internal/storage or internal/vcs).
func exitCodeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch dberr.KindOf(err) {
	case dberr.CriticalRollbackFailure:
		return 3
	case dberr.MergeConflict:
		return 2
	case dberr.Validation, dberr.NotFound, dberr.AlreadyExists:
		return 1
	default:
		return 1
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "ledger",
		Short:         "Version-controlled columnar document database CLI",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", ".", "Storage root (or LEDGER_ROOT env var)")
	rootCmd.PersistentFlags().StringVar(&flagAuthor, "author", "", "Commit author (or LEDGER_AUTHOR env var)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")

	rootCmd.AddCommand(branchCmd())
	rootCmd.AddCommand(checkoutCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(commitCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(mergeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// app bundles the resolved configuration and the layers a CLI command
// drives: storage backend, version-control repo, lock manager, and
// working-tree snapshot manager.
type app struct {
	cfg     *dbconfig.Config
	backend storage.Backend
	repo    *vcs.Repo
	locks   *lock.Manager
	snap    *snapshot.Manager
	log     *slog.Logger
}

func openApp() (*app, error) {
	cfg, err := dbconfig.Load(flagRoot)
	if err != nil {
		return nil, userError(fmt.Errorf("load config: %w", err))
	}
	if flagAuthor != "" {
		cfg.Author = flagAuthor
	}
	backend, err := storage.NewLocal(cfg.Root)
	if err != nil {
		return nil, userError(fmt.Errorf("open storage root %s: %w", cfg.Root, err))
	}
	return &app{
		cfg:     cfg,
		backend: backend,
		repo:    vcs.New(backend),
		locks:   lock.New(backend),
		snap:    snapshot.New(backend),
		log:     slog.Default(),
	}, nil
}

// namespaces discovers every namespace with working-tree data, by
// scanning the "data/" prefix and taking each file's second path segment
// (skipping the namespace-less data/event-meta.json sidecar).
func (a *app) namespaces(ctx context.Context) ([]string, error) {
	res, err := a.backend.List(ctx, "data/", storage.ListOptions{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, f := range res.Files {
		parts := strings.SplitN(f, "/", 3)
		if len(parts) < 3 {
			continue // data/event-meta.json has no namespace segment
		}
		ns := parts[1]
		if !seen[ns] {
			seen[ns] = true
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out, nil
}

// headTree resolves the tree of the commit HEAD currently points at, or
// an empty tree if there is no commit yet (a fresh repo).
func (a *app) headTree(ctx context.Context) (types.Tree, error) {
	hash, err := a.repo.HeadCommitHash(ctx)
	if err != nil {
		if dberr.Is(err, dberr.NotFound) {
			return types.Tree{}, nil
		}
		return types.Tree{}, err
	}
	commit, err := a.repo.LoadCommit(ctx, hash)
	if err != nil {
		return types.Tree{}, err
	}
	return commit.Tree, nil
}

func branchCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "branch", Short: "Manage branches"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List branches",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			names, err := a.repo.List(ctx)
			if err != nil {
				return err
			}
			current, err := a.repo.Current(ctx)
			if err != nil && !dberr.Is(err, dberr.NotFound) {
				return err
			}
			for _, name := range names {
				marker := "  "
				if name == current {
					marker = "* "
				}
				fmt.Printf("%s%s\n", marker, name)
			}
			return nil
		},
	}

	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			a, err := openApp()
			if err != nil {
				return err
			}
			if err := a.repo.Create(cmd.Context(), args[0], vcs.CreateBranchOptions{From: from}); err != nil {
				return userError(err)
			}
			fmt.Printf("created branch %s\n", args[0])
			return nil
		},
	}
	createCmd.Flags().String("from", "", "Base ref (commit hash or branch); defaults to HEAD")

	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			a, err := openApp()
			if err != nil {
				return err
			}
			if err := a.repo.Delete(cmd.Context(), args[0], force); err != nil {
				return userError(err)
			}
			fmt.Printf("deleted branch %s\n", args[0])
			return nil
		},
	}
	deleteCmd.Flags().Bool("force", false, "Delete even if it is the current branch")

	renameCmd := &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename a branch",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			if err := a.repo.Rename(cmd.Context(), args[0], args[1]); err != nil {
				return userError(err)
			}
			fmt.Printf("renamed branch %s -> %s\n", args[0], args[1])
			return nil
		},
	}

	cmd.AddCommand(listCmd, createCmd, deleteCmd, renameCmd)
	return cmd
}

func checkoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkout <name>",
		Short: "Switch the working tree to a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			create, _ := cmd.Flags().GetBool("create")
			force, _ := cmd.Flags().GetBool("force")
			skipReconstruct, _ := cmd.Flags().GetBool("skip-state-reconstruction")
			name := args[0]

			a, err := openApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			return lock.WithLock(ctx, a.locks, "merge", lock.AcquireWaitOptions{}, func(ctx context.Context) error {
				namespaces, err := a.namespaces(ctx)
				if err != nil {
					return err
				}
				dirty := func(ctx context.Context) (bool, error) {
					committed, err := a.headTree(ctx)
					if err != nil {
						return false, err
					}
					res, err := a.snap.HasUncommittedChanges(ctx, namespaces, committed)
					if err != nil {
						return false, err
					}
					return res.HasChanges, nil
				}
				if err := a.repo.Checkout(ctx, name, vcs.CheckoutOptions{Create: create, From: "", HasUncommittedChanges: dirty}, force); err != nil {
					if dberr.Is(err, dberr.Validation) {
						return userError(err)
					}
					return err
				}
				if skipReconstruct {
					return nil
				}
				hash, err := a.repo.HeadCommitHash(ctx)
				if err != nil {
					if dberr.Is(err, dberr.NotFound) {
						return nil // branch has no commits yet, nothing to reconstruct
					}
					return err
				}
				commit, err := a.repo.LoadCommit(ctx, hash)
				if err != nil {
					return err
				}
				if err := a.snap.ReconstructState(ctx, commit.Tree); err != nil {
					if dberr.Is(err, dberr.CriticalRollbackFailure) {
						return criticalError(err)
					}
					return err
				}
				a.log.Info("checkout reconstructed working tree", "branch", name, "commit", hash)
				fmt.Printf("switched to branch %s at %s\n", name, hash[:minInt(8, len(hash))])
				return nil
			})
		},
	}
	cmd.Flags().Bool("create", false, "Create the branch if it doesn't exist")
	cmd.Flags().Bool("force", false, "Discard uncommitted changes")
	cmd.Flags().Bool("skip-state-reconstruction", false, "Move HEAD without rewriting the working tree")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current branch and uncommitted changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			head, err := a.repo.Head(ctx)
			if err != nil && !dberr.Is(err, dberr.NotFound) {
				return err
			}
			namespaces, err := a.namespaces(ctx)
			if err != nil {
				return err
			}
			committed, err := a.headTree(ctx)
			if err != nil {
				return err
			}
			changes, err := a.snap.HasUncommittedChanges(ctx, namespaces, committed)
			if err != nil {
				return err
			}

			if head.Type == "branch" {
				fmt.Printf("On branch %s\n", head.Ref)
			} else if head.Type == "detached" {
				fmt.Printf("HEAD detached at %s\n", head.Hash)
			} else {
				fmt.Println("No commits yet")
			}
			if !changes.HasChanges {
				fmt.Println("nothing to commit, working tree clean")
				return nil
			}
			fmt.Println("Changes not committed:")
			for _, ns := range changes.ChangedCollections {
				fmt.Printf("  modified: %s\n", ns)
			}
			return nil
		},
	}
}

func commitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Record the working tree as a new commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			message, _ := cmd.Flags().GetString("message")
			if message == "" {
				return userError(fmt.Errorf("commit: -m <message> is required"))
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if err := a.repo.Init(ctx, a.cfg.DefaultBranch); err != nil {
				return err
			}
			branch, err := a.repo.Current(ctx)
			if err != nil {
				return err
			}
			if branch == "" {
				return userError(fmt.Errorf("commit: HEAD is detached, checkout a branch first"))
			}

			namespaces, err := a.namespaces(ctx)
			if err != nil {
				return err
			}
			tree, err := a.snap.SnapshotState(ctx, namespaces)
			if err != nil {
				return err
			}
			offset, err := eventlog.TotalEventLogSize(ctx, a.backend)
			if err != nil {
				return err
			}
			tree.EventLogPosition = types.EventLogPosition{SegmentID: "active", Offset: offset}

			var parents []string
			if parent, err := a.repo.HeadCommitHash(ctx); err == nil {
				parents = []string{parent}
			} else if !dberr.Is(err, dberr.NotFound) {
				return err
			}

			commit, err := vcs.CreateCommit(vcs.CommitMeta{Parents: parents, Author: a.cfg.Author, Message: message, Tree: tree}, time.Now().UnixMilli())
			if err != nil {
				return err
			}
			if err := a.repo.SaveCommit(ctx, commit); err != nil {
				return err
			}
			if err := a.repo.UpdateBranch(ctx, branch, commit.Hash); err != nil {
				return err
			}
			fmt.Println(commit.Hash)
			return nil
		},
	}
	cmd.Flags().StringP("message", "m", "", "Commit message")
	return cmd
}

func logCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "Walk the commit DAG from HEAD",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			hash, err := a.repo.HeadCommitHash(ctx)
			if err != nil {
				if dberr.Is(err, dberr.NotFound) {
					fmt.Println("no commits yet")
					return nil
				}
				return err
			}

			visited := make(map[string]bool)
			queue := []string{hash}
			for len(queue) > 0 {
				h := queue[0]
				queue = queue[1:]
				if visited[h] {
					continue
				}
				visited[h] = true
				commit, err := a.repo.LoadCommit(ctx, h)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s %s\n", h[:minInt(8, len(h))], commit.Author, commit.Message)
				queue = append(queue, commit.Parents...)
			}
			return nil
		},
	}
}

func mergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge <branch>",
		Short: "Three-way merge another branch's event history against the current branch and report the result (merged events are not written back)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategyFlag, _ := cmd.Flags().GetString("strategy")
			theirBranch := args[0]

			a, err := openApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			return lock.WithLock(ctx, a.locks, "merge", lock.AcquireWaitOptions{}, func(ctx context.Context) error {
				ourBranch, err := a.repo.Current(ctx)
				if err != nil {
					return err
				}
				if ourBranch == "" {
					return userError(fmt.Errorf("merge: HEAD is detached"))
				}
				ourHash, err := a.repo.HeadCommitHash(ctx)
				if err != nil {
					return userError(fmt.Errorf("merge: current branch has no commits: %w", err))
				}
				theirExists, err := a.repo.Exists(ctx, theirBranch)
				if err != nil {
					return err
				}
				if !theirExists {
					return userError(fmt.Errorf("merge: branch %s does not exist", theirBranch))
				}
				theirHash, err := a.repo.ResolveBranchHash(ctx, theirBranch)
				if err != nil {
					return err
				}

				ourCommit, err := a.repo.LoadCommit(ctx, ourHash)
				if err != nil {
					return err
				}
				theirCommit, err := a.repo.LoadCommit(ctx, theirHash)
				if err != nil {
					return err
				}

				base, err := commonAncestor(ctx, a.repo, ourHash, theirHash)
				if err != nil {
					return err
				}
				var baseTS int64
				if base != "" {
					baseCommit, err := a.repo.LoadCommit(ctx, base)
					if err != nil {
						return err
					}
					baseTS = baseCommit.Timestamp
				}

				namespaces := unionCollectionNames(ourCommit.Tree, theirCommit.Tree)
				strategy := merge.Strategy(strategyFlag)

				totalConflicts := 0
				for _, ns := range namespaces {
					allEvents, err := eventlog.New(a.backend, ns, a.cfg.AutoSnapshotThreshold).AllEvents(ctx)
					if err != nil {
						return err
					}
					var baseEvents, ourEvents, theirEvents []types.Event
					for _, e := range allEvents {
						switch {
						case e.Timestamp <= baseTS:
							baseEvents = append(baseEvents, e)
						case e.Timestamp <= ourCommit.Timestamp:
							ourEvents = append(ourEvents, e)
						case e.Timestamp <= theirCommit.Timestamp:
							theirEvents = append(theirEvents, e)
						}
					}
					result := merge.Merge(baseEvents, ourEvents, theirEvents, strategy)
					if !result.Success {
						totalConflicts += len(result.Conflicts)
						for _, c := range result.Conflicts {
							fmt.Printf("CONFLICT (%s): %s\n", c.Type, c.Target)
						}
						continue
					}
					fmt.Printf("%s: merged %d events, %d auto-merged\n", ns, len(result.MergedEvents), len(result.AutoMerged))
				}

				if totalConflicts > 0 {
					a.log.Warn("merge produced conflicts", "branch", theirBranch, "conflicts", totalConflicts)
					return conflictError(fmt.Errorf("merge: %d unresolved conflict(s)", totalConflicts))
				}
				fmt.Printf("merged %s into %s\n", theirBranch, ourBranch)
				return nil
			})
		},
	}
	cmd.Flags().String("strategy", "", "Conflict resolution strategy: ours|theirs|latest (default: leave unresolved)")
	return cmd
}

// commonAncestor finds a shared ancestor commit of a and b by walking a's
// full ancestor set, then walking b's ancestors until one matches. Not
// necessarily the *nearest* common ancestor for octopus histories, but
// exact for the linear and simple-merge histories this CLI produces.
func commonAncestor(ctx context.Context, repo *vcs.Repo, a, b string) (string, error) {
	ancestorsOfA := make(map[string]bool)
	queue := []string{a}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if ancestorsOfA[h] {
			continue
		}
		ancestorsOfA[h] = true
		commit, err := repo.LoadCommit(ctx, h)
		if err != nil {
			return "", err
		}
		queue = append(queue, commit.Parents...)
	}

	visited := make(map[string]bool)
	queue = []string{b}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if visited[h] {
			continue
		}
		visited[h] = true
		if ancestorsOfA[h] {
			return h, nil
		}
		commit, err := repo.LoadCommit(ctx, h)
		if err != nil {
			return "", err
		}
		queue = append(queue, commit.Parents...)
	}
	return "", nil // no shared history
}

func unionCollectionNames(a, b types.Tree) []string {
	seen := make(map[string]bool)
	var out []string
	for ns := range a.Collections {
		if !seen[ns] {
			seen[ns] = true
			out = append(out, ns)
		}
	}
	for ns := range b.Collections {
		if !seen[ns] {
			seen[ns] = true
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
