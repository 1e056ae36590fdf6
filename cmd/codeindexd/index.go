package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/codeindexd/internal/gitcli"
	"github.com/fyrsmithlabs/codeindexd/internal/indexer"
	"github.com/fyrsmithlabs/codeindexd/internal/lifecycle"
	"github.com/fyrsmithlabs/codeindexd/internal/shellexec"
	"github.com/fyrsmithlabs/codeindexd/internal/watcher"
)

var (
	indexBranch  string
	indexRepoURL string
	indexRepoID  string
	indexUser    string
	indexWatch   bool
	indexQueued  bool
)

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index a local checkout",
	Long: `Index the repository checked out at path (default: current directory).

By default the run executes inline and the command exits once the index is
ready. With --queue, runs above the configured inline threshold are handed
to a running daemon's job queue instead. With --watch, the command stays
running and re-indexes after each commit or branch switch.

Examples:
  # Index the current checkout
  codeindexd index

  # Index another checkout on a specific branch
  codeindexd index --branch release/2.1 ~/src/widgets

  # Keep the index fresh while working
  codeindexd index --watch`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIndexCmd,
}

func init() {
	indexCmd.Flags().StringVar(&indexBranch, "branch", "", "branch to index (default: checked-out branch)")
	indexCmd.Flags().StringVar(&indexRepoURL, "repo-url", "", "canonical repository URL (default: origin remote)")
	indexCmd.Flags().StringVar(&indexRepoID, "repository-id", "", "repository identity (default: derived from the URL)")
	indexCmd.Flags().StringVar(&indexUser, "user", "", "user id scoping canonical repository records")
	indexCmd.Flags().BoolVar(&indexWatch, "watch", false, "stay running and re-index on changes")
	indexCmd.Flags().BoolVar(&indexQueued, "queue", false, "queue large runs instead of forcing inline execution")
}

func runIndexCmd(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !indexQueued {
		// One-shot runs block until done rather than parking a job no
		// worker will pick up.
		cfg.Indexer.InlineThreshold = math.MaxInt64
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if err := a.store.MigrateUp(); err != nil {
		return fmt.Errorf("applying schema migrations: %w", err)
	}

	exec := shellexec.NewLocal(absRoot)

	branch := indexBranch
	if branch == "" {
		branch, err = gitcli.CurrentBranch(ctx, exec, absRoot)
		if err != nil {
			return fmt.Errorf("resolving current branch: %w", err)
		}
	}

	repoURL := indexRepoURL
	if repoURL == "" {
		repoURL = gitcli.OriginURL(ctx, exec, absRoot)
	}
	if repoURL == "" {
		return errors.New("repository URL unknown: pass --repo-url or add an origin remote")
	}

	repositoryID := indexRepoID
	if repositoryID == "" {
		repositoryID = indexer.DeriveRepoID(repoURL)
	}

	runOnce := func(ctx context.Context) error {
		res, err := a.manager.GetOrInitIndex(ctx, lifecycle.InitParams{
			RepositoryID: repositoryID,
			RepoURL:      repoURL,
			RepoRoot:     absRoot,
			Branch:       branch,
			Exec:         exec,
			UserID:       indexUser,
		})
		if err != nil {
			return err
		}
		printInitResult(res, branch)
		return nil
	}

	if err := runOnce(ctx); err != nil {
		return err
	}
	if !indexWatch {
		return nil
	}

	w, err := watcher.New(absRoot, cfg.Watch.Debounce.Duration(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	fmt.Printf("watching %s for changes (ctrl-c to stop)\n", absRoot)
	return w.Run(ctx, runOnce)
}

func printInitResult(res *lifecycle.InitResult, branch string) {
	entity := res.Entity
	switch res.State {
	case lifecycle.StateReady:
		fmt.Printf("index ready: %s @ %s (commit %s, %d tokens, collection %s)\n",
			entity.RepoURL, branch, shortCommit(entity.LastIndexedCommit),
			entity.IndexedTokens, entity.Collection)
	case lifecycle.StatePending:
		fmt.Printf("index queued: %s @ %s (estimated %d tokens, job will be picked up by a running daemon)\n",
			entity.RepoURL, branch, entity.EstimatedTokens)
	case lifecycle.StateInProgress:
		fmt.Printf("index already building: %s @ %s\n", entity.RepoURL, branch)
	}
}

func shortCommit(commit *string) string {
	if commit == nil || *commit == "" {
		return "unknown"
	}
	c := *commit
	if len(c) > 12 {
		return c[:12]
	}
	return c
}
